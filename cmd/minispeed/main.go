// Command minispeed measures the download speed towards the closest
// responsive test server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/jackpal/gateway"
	"github.com/pborman/getopt/v2"

	"github.com/ooni/minispeed/extras/memoryless"
	"github.com/ooni/minispeed/extras/ndt7"
	"github.com/ooni/minispeed/extras/ping"
	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
	"github.com/ooni/minispeed/internal/runtimex"
	"github.com/ooni/minispeed/pkg/config"
	"github.com/ooni/minispeed/pkg/speedtest"
	"github.com/ooni/minispeed/pkg/tracex"
)

var (
	startTime = time.Now()
)

type cmdConfig struct {
	lat, lon     string
	duration     string
	size         int
	servers      int
	probeTimeout string
	timeout      string
	repeat       int
	interval     string
	settingsPath string
	tracePath    string
	reportPath   string
	verbosity    uint16
	backend      string
	ndt7Server   string
	privileged   bool
}

func printUsage() {
	getopt.Usage()
	os.Exit(0)
}

func main() {
	cfg := &cmdConfig{}
	getopt.FlagLong(&cfg.lat, "lat", 'a', "Device latitude (default: use IP geolocation)")
	getopt.FlagLong(&cfg.lon, "lon", 'o', "Device longitude (default: use IP geolocation)")
	getopt.FlagLong(&cfg.duration, "duration", 'd', "Download test duration (default: 15s)")
	getopt.FlagLong(&cfg.size, "size", 's', "Bytes per download (default: 50000000)")
	getopt.FlagLong(&cfg.servers, "servers", 'n', "How many of the closest servers to ping (default: 5)")
	getopt.FlagLong(&cfg.probeTimeout, "probe-timeout", 'p', "Timeout for each ping (default: 3s)")
	cfg.timeout = "5m"
	getopt.FlagLong(&cfg.timeout, "timeout", 't', "Overall timeout of each run")
	cfg.repeat = 1
	getopt.FlagLong(&cfg.repeat, "repeat", 'r', "Number of runs")
	cfg.interval = "60s"
	getopt.FlagLong(&cfg.interval, "interval", 'i', "Mean memoryless wait between runs")
	getopt.FlagLong(&cfg.settingsPath, "settings", 'c', "JSON settings file")
	getopt.FlagLong(&cfg.tracePath, "trace", 'T', "Write a JSON trace of the runs to this file")
	getopt.FlagLong(&cfg.reportPath, "report", 'j', "Write the JSON reports to this file (- for stdout)")
	cfg.verbosity = 3
	getopt.FlagLong(&cfg.verbosity, "verbosity", 'v', "Verbosity level (1 to 5, 1 is lowest)")
	cfg.backend = "http"
	getopt.FlagLong(&cfg.backend, "backend", 'b', "Throughput backend (http, ndt7)")
	getopt.FlagLong(&cfg.ndt7Server, "ndt7-server", 0, "ndt7 server (default: M-Lab locate)")
	getopt.FlagLong(&cfg.privileged, "privileged", 'P', "Use raw ICMP sockets")
	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	if *helpFlag || len(getopt.Args()) != 0 {
		printUsage()
	}

	logger := &log.Logger{Level: verbosityLevel(cfg.verbosity), Handler: &logHandler{Writer: os.Stderr, zeroTime: startTime}}
	if err := run(cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: "+err.Error())
		os.Exit(1)
	}
}

func verbosityLevel(v uint16) log.Level {
	switch v {
	case uint16(1):
		return log.FatalLevel
	case uint16(2):
		return log.ErrorLevel
	case uint16(3):
		return log.WarnLevel
	case uint16(4):
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// options converts the flags that have been set into config options.
func options(cfg *cmdConfig, seen func(name string) bool) ([]config.Option, error) {
	var opts []config.Option
	if cfg.settingsPath != "" {
		opts = append(opts, config.WithSettingsFile(cfg.settingsPath))
	}
	durations := []struct {
		name  string
		value string
		apply func(time.Duration) config.Option
	}{
		{"duration", cfg.duration, config.WithTestDuration},
		{"probe-timeout", cfg.probeTimeout, config.WithProbeTimeout},
	}
	for _, d := range durations {
		if !seen(d.name) {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid --%s: %q", d.name, d.value)
		}
		opts = append(opts, d.apply(v))
	}
	if seen("size") {
		if cfg.size <= 0 {
			return nil, fmt.Errorf("invalid --size: %d", cfg.size)
		}
		opts = append(opts, config.WithPayloadSize(int64(cfg.size)))
	}
	if seen("servers") {
		if cfg.servers <= 0 {
			return nil, fmt.Errorf("invalid --servers: %d", cfg.servers)
		}
		opts = append(opts, config.WithMaxProbedServers(cfg.servers))
	}
	return opts, nil
}

// locationHint returns the device location given with --lat and --lon.
func locationHint(lat, lon string) (optional.Value[model.ClientLocation], error) {
	if lat == "" && lon == "" {
		return optional.None[model.ClientLocation](), nil
	}
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return optional.None[model.ClientLocation](), fmt.Errorf("invalid --lat: %q", lat)
	}
	longitude, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return optional.None[model.ClientLocation](), fmt.Errorf("invalid --lon: %q", lon)
	}
	return optional.Some(model.ClientLocation{
		Latitude:  latitude,
		Longitude: longitude,
		Source:    model.LocationDeviceGPS,
	}), nil
}

func run(cfg *cmdConfig, logger *log.Logger) error {
	seen := func(name string) bool {
		opt := getopt.Lookup(name)
		return opt != nil && opt.Seen()
	}
	opts, err := options(cfg, seen)
	if err != nil {
		return err
	}
	hint, err := locationHint(cfg.lat, cfg.lon)
	if err != nil {
		return err
	}
	timeout, err := time.ParseDuration(cfg.timeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout: %q", cfg.timeout)
	}
	interval, err := time.ParseDuration(cfg.interval)
	if err != nil {
		return fmt.Errorf("invalid --interval: %q", cfg.interval)
	}
	if cfg.backend != "http" && cfg.backend != "ndt7" {
		return fmt.Errorf("unknown backend: %q", cfg.backend)
	}

	tracer := tracex.NewTracer(startTime)
	opts = append(opts, config.WithLogger(logger), config.WithTracer(tracer))
	conf := config.NewConfig(opts...)

	prober := ping.New(logger)
	prober.Privileged = cfg.privileged
	deps := speedtest.Dependencies{Prober: prober}
	if cfg.backend == "ndt7" {
		deps.NewRunner = func(sinks model.Sinks, tracer model.Tracer, logger model.Logger) model.ThroughputRunner {
			return ndt7.New(cfg.ndt7Server, sinks, tracer, logger)
		}
	}
	orchestrator := speedtest.New(conf, &terminalSinks{Writer: os.Stdout}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopOnInterrupt(ctx, orchestrator, cancel, logger)

	gw := defaultGateway(logger)
	var (
		reports []model.Report
		lastErr error
	)
	for i := 0; i < cfg.repeat; i++ {
		if i > 0 {
			wait := memoryless.Config{Expected: interval, Min: interval / 10, Max: interval * 4, Logger: logger}
			if err := memoryless.Sleep(ctx, wait); err != nil {
				break
			}
		}
		runCtx, runCancel := context.WithTimeout(ctx, timeout)
		report, err := orchestrator.Run(runCtx, hint)
		runCancel()
		report.Gateway = gw
		reports = append(reports, report)
		lastErr = err
		if report.Cancelled || ctx.Err() != nil {
			break
		}
	}

	if cfg.tracePath != "" {
		if err := writeFile(cfg.tracePath, tracer.WriteJSON); err != nil {
			logger.WithError(err).Warn("cannot write trace")
		} else {
			logger.Infof("trace written to %s", cfg.tracePath)
		}
	}
	if cfg.reportPath != "" {
		encode := func(w io.Writer) error {
			data, err := json.MarshalIndent(reports, "", "  ")
			runtimex.PanicOnError(err, "cannot serialize reports")
			_, err = fmt.Fprintln(w, string(data))
			return err
		}
		if err := writeFile(cfg.reportPath, encode); err != nil {
			logger.WithError(err).Warn("cannot write report")
		}
	}
	if errors.Is(lastErr, model.ErrNoAverage) {
		return nil
	}
	return lastErr
}

// stopOnInterrupt maps the first SIGINT to a cooperative stop and the
// second one to cancelling the context.
func stopOnInterrupt(ctx context.Context, o *speedtest.Orchestrator, cancel context.CancelFunc, logger model.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			logger.Warn("interrupted: finishing the operation in progress")
			o.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			logger.Warn("interrupted again: aborting")
			cancel()
		case <-ctx.Done():
		}
	}()
}

func defaultGateway(logger model.Logger) optional.Value[string] {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		logger.Debugf("cannot discover default gateway: %s", err.Error())
		return optional.None[string]()
	}
	if iface, err := gateway.DiscoverInterface(); err == nil {
		logger.Debugf("default interface address: %s", iface.String())
	}
	return optional.Some(ip.String())
}

func writeFile(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
