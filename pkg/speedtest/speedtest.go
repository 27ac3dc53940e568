// Package speedtest contains the public API to run a download speed test:
// pick the closest responsive server, then time repeated downloads from it.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ooni/minispeed/extras/ping"
	"github.com/ooni/minispeed/internal/georank"
	"github.com/ooni/minispeed/internal/latency"
	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
	"github.com/ooni/minispeed/internal/selector"
	"github.com/ooni/minispeed/internal/throughput"
	"github.com/ooni/minispeed/internal/transport"
	"github.com/ooni/minispeed/internal/workers"
	"github.com/ooni/minispeed/pkg/config"
)

// RunnerFactory creates the throughput backend of a run. The runner must
// report through the given sinks and return before Run does.
type RunnerFactory func(sinks model.Sinks, tracer model.Tracer, logger model.Logger) model.ThroughputRunner

// Dependencies are the capabilities used by an [Orchestrator]. Nil fields
// get a default built from the configuration.
type Dependencies struct {
	Directory  model.Directory
	Downloader model.Downloader
	Prober     model.ICMPProber
	NewRunner  RunnerFactory
}

// Orchestrator sequences the steps of a speed test. At most one run is
// active at any time. The zero value is invalid; use [New].
type Orchestrator struct {
	cfg     *config.Config
	deps    Dependencies
	sinks   model.Sinks
	logger  model.Logger
	tracer  model.Tracer
	timeNow func() time.Time
	newID   func() string

	// bg runs the measurements launched by Start.
	bg *workers.Manager

	// mu guards the fields below.
	mu      sync.Mutex
	active  *model.TestSession
	lastRep model.Report
	lastErr error
}

// New creates an [Orchestrator] reporting progress to sinks.
func New(cfg *config.Config, sinks model.Sinks, deps Dependencies) *Orchestrator {
	settings := cfg.Settings()
	if deps.Directory == nil || deps.Downloader == nil {
		client := transport.NewClient(settings.Endpoints, settings.UserAgent,
			settings.HTTPTimeout.Std(), cfg.Logger())
		if deps.Directory == nil {
			deps.Directory = client
		}
		if deps.Downloader == nil {
			deps.Downloader = client
		}
	}
	if deps.Prober == nil {
		deps.Prober = ping.New(cfg.Logger())
	}
	if deps.NewRunner == nil {
		downloader := deps.Downloader
		deps.NewRunner = func(sinks model.Sinks, tracer model.Tracer, logger model.Logger) model.ThroughputRunner {
			return throughput.New(downloader, sinks, tracer, logger)
		}
	}
	if sinks == nil {
		sinks = model.NopSinks{}
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		sinks:   sinks,
		logger:  cfg.Logger(),
		tracer:  cfg.Tracer(),
		timeNow: time.Now,
		newID:   uuid.NewString,
		bg:      workers.NewManager(cfg.Logger()),
	}
}

// Run performs a complete measurement and blocks until it is over. The
// hint is used as client location when both its components are non-zero;
// otherwise the location of the IP record is used.
//
// OnComplete is delivered exactly once for every call that does not fail
// with [model.ErrAlreadyRunning], and all sink calls have been delivered
// by the time Run returns.
func (o *Orchestrator) Run(ctx context.Context, hint optional.Value[model.ClientLocation]) (model.Report, error) {
	session, err := o.begin()
	if err != nil {
		return model.Report{}, err
	}
	return o.execute(ctx, session, hint)
}

// Start is like Run with a device location but returns immediately. Use
// [Orchestrator.Wait] to get the outcome.
func (o *Orchestrator) Start(lat, lon float64) error {
	session, err := o.begin()
	if err != nil {
		return err
	}
	hint := optional.Some(model.ClientLocation{
		Latitude:  lat,
		Longitude: lon,
		Source:    model.LocationDeviceGPS,
	})
	o.bg.StartWorker("speedtest: run", func() {
		o.execute(context.Background(), session, hint)
	})
	return nil
}

// Wait blocks until runs launched with Start are over and returns the
// outcome of the last run. It must not be called from a sink.
func (o *Orchestrator) Wait() (model.Report, error) {
	o.bg.WaitWorkersShutdown()
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRep, o.lastErr
}

// RequestStop asks the active run, if any, to stop starting new probes or
// downloads. Operations in flight are not interrupted.
func (o *Orchestrator) RequestStop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		o.logger.Info("speedtest: stop requested")
		o.active.Cancel()
	}
}

// Stop is an alias for RequestStop.
func (o *Orchestrator) Stop() {
	o.RequestStop()
}

func (o *Orchestrator) begin() (*model.TestSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, model.ErrAlreadyRunning
	}
	o.active = model.NewTestSession(o.newID(), o.timeNow())
	return o.active, nil
}

// end records the outcome and releases session, so that OnComplete
// observes an idle orchestrator.
func (o *Orchestrator) end(session *model.TestSession, report model.Report, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastRep, o.lastErr = report, err
	if o.active == session {
		o.active = nil
	}
}

func (o *Orchestrator) execute(ctx context.Context, session *model.TestSession,
	hint optional.Value[model.ClientLocation]) (report model.Report, err error) {
	sinks := newDispatcher(o.sinks, o.logger)
	defer func() {
		o.end(session, report, err)
		sinks.OnComplete()
		sinks.close()
	}()

	report = model.Report{
		SessionID: session.ID,
		StartedAt: session.StartedAt,
		Location:  optional.None[model.ClientLocation](),
		Server:    optional.None[model.SelectedServer](),
		Download:  optional.None[model.AverageResult](),
		Failure:   optional.None[string](),
		Gateway:   optional.None[string](),
	}
	o.logger.Infof("speedtest: session %s", session.ID)
	err = o.measure(ctx, session, hint, sinks, &report)
	report.Runtime = o.timeNow().Sub(session.StartedAt).Seconds()
	report.Cancelled = session.Stopped()
	if err != nil {
		o.tracer.OnStageChange(model.StageError)
		report.Failure = optional.Some(err.Error())
		return report, err
	}
	o.tracer.OnStageChange(model.StageDone)
	return report, nil
}

// fatal reports err to the sinks and wraps it for the caller.
func fatal(sinks model.Sinks, what string, err error) error {
	sinks.OnError(fmt.Sprintf("ERROR: Cannot %s: %s", what, err.Error()))
	return fmt.Errorf("cannot %s: %w", what, err)
}

func (o *Orchestrator) measure(ctx context.Context, session *model.TestSession,
	hint optional.Value[model.ClientLocation], sinks model.Sinks, report *model.Report) error {
	settings := o.cfg.Settings()

	if session.Stopped() {
		return nil
	}
	o.tracer.OnStageChange(model.StageToken)
	token, err := o.deps.Directory.FetchToken(ctx)
	if err != nil {
		return fatal(sinks, "download token", err)
	}
	session.Token = token

	if session.Stopped() {
		return nil
	}
	o.tracer.OnStageChange(model.StageIPInfo)
	info, err := o.deps.Directory.FetchIPInfo(ctx)
	if err != nil {
		return fatal(sinks, "identify IP address", err)
	}

	if session.Stopped() {
		return nil
	}
	o.tracer.OnStageChange(model.StageServers)
	servers, err := o.deps.Directory.FetchServers(ctx, token)
	if err != nil {
		return fatal(sinks, "download server list", err)
	}

	location, err := effectiveLocation(hint, info)
	if err != nil {
		return fatal(sinks, "locate client", err)
	}
	report.Location = optional.Some(location)
	o.logger.Infof("speedtest: client at %.4f,%.4f (%s)", location.Latitude, location.Longitude, location.Source)

	o.tracer.OnStageChange(model.StageRanking)
	ranked := georank.Rank(servers, location)
	o.logger.Infof("speedtest: %d of %d servers ranked", len(ranked), len(servers))

	o.tracer.OnStageChange(model.StageSelection)
	probe := latency.New(o.deps.Prober, o.logger)
	sel := selector.New(probe, sinks, o.tracer, o.logger, settings.ProbeTimeout.Std())
	selected := sel.Select(ctx, ranked, settings.MaxProbedServers, session)
	if selected.IsNone() {
		// not a failure: the run ends without a download and the report
		// carries no server
		if !session.Stopped() {
			o.logger.Warnf("speedtest: %s: skipping the download", model.ErrSelectionExhausted.Error())
		}
		return nil
	}
	server := selected.Unwrap()
	session.SelectedServer = optional.Some(server.HostWithPort)
	report.Server = selected

	if session.Stopped() {
		return nil
	}
	o.tracer.OnStageChange(model.StageThroughput)
	runner := o.deps.NewRunner(sinks, o.tracer, o.logger)
	avg, err := runner.Run(ctx, server.HostWithPort, token, settings.TestDuration.Std(),
		settings.PayloadSize, session)
	switch {
	case errors.Is(err, model.ErrNoAverage):
		if session.Stopped() {
			return nil
		}
		return err
	case err != nil:
		return fatal(sinks, "measure download speed", err)
	}
	report.Download = optional.Some(avg)
	return nil
}

// effectiveLocation prefers a hint with both components set over the
// location of the IP record.
func effectiveLocation(hint optional.Value[model.ClientLocation], info *model.IPInfo) (model.ClientLocation, error) {
	if !hint.IsNone() && hint.Unwrap().IsSet() {
		return hint.Unwrap(), nil
	}
	if loc, ok := info.Location(); ok {
		return loc, nil
	}
	return model.ClientLocation{}, model.ErrNoLocation
}
