// Package ndt7 measures download throughput against an M-Lab ndt7 server,
// as an alternative to timed HTTP downloads.
package ndt7

/*
   Adapted from m-lab's ndt7-client reference code.
   Upstream: https://github.com/m-lab/ndt7-client-go/

   SPDX-License-Identifier: Apache-2.0

   (c) Stephen Soltesz
   (c) Peter Boothe
   (c) Simone Basso
   (c) Ain Ghazal
*/

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	ndt7client "github.com/m-lab/ndt7-client-go"
	"github.com/m-lab/ndt7-client-go/spec"
	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/throughput"
)

const (
	clientName    = "minispeed-ndt7-client"
	clientVersion = "0.7.0"

	// handshakeTimeout bounds the websocket handshake.
	handshakeTimeout = 10 * time.Second

	// slack is how long past the budget we wait for the server to close.
	slack = 5 * time.Second
)

// startFunc starts a download and returns the measurements channel along
// with the FQDN of the server in use.
type startFunc func(ctx context.Context) (<-chan spec.Measurement, string, error)

// Runner implements [model.ThroughputRunner] on top of ndt7. The zero value
// is invalid; use [New].
type Runner struct {
	// Server is the ndt7 server to use. When empty, the M-Lab locate
	// service picks one.
	Server string

	// InsecureTLS disables certificate verification. Only use with test
	// servers.
	InsecureTLS bool

	sinks  model.Sinks
	tracer model.Tracer
	logger model.Logger
	start  startFunc
}

var _ model.ThroughputRunner = &Runner{}

// New creates a [Runner].
func New(server string, sinks model.Sinks, tracer model.Tracer, logger model.Logger) *Runner {
	r := &Runner{
		Server: server,
		sinks:  sinks,
		tracer: tracer,
		logger: logger,
	}
	r.start = r.startDownload
	return r
}

func (r *Runner) startDownload(ctx context.Context) (<-chan spec.Measurement, string, error) {
	client := ndt7client.NewClient(clientName, clientVersion)
	client.Server = r.Server
	client.Dialer = websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: r.InsecureTLS,
		},
	} //#nosec G402
	ch, err := client.StartDownload(ctx)
	if err != nil {
		return nil, "", err
	}
	return ch, client.FQDN, nil
}

// Run performs an ndt7 download. The server and token arguments belong
// to the directory service and are not used by ndt7. Each client-side
// measurement becomes a sample until duration has elapsed or cancel is
// signaled. The transfer in progress is not interrupted: it runs to the
// end of its measurement window, bounded by duration plus a short slack.
func (r *Runner) Run(ctx context.Context, server, token string, duration time.Duration,
	payloadSize int64, cancel model.CancelSignal) (model.AverageResult, error) {
	if cancel.Stopped() {
		return model.AverageResult{}, model.ErrNoAverage
	}
	r.logger.Debugf("ndt7: ignoring selected server %s", server)

	ctx, stop := context.WithTimeout(ctx, duration+slack)
	defer stop()
	ch, fqdn, err := r.start(ctx)
	if err != nil {
		return model.AverageResult{}, fmt.Errorf("%w: ndt7: %s", model.ErrTransport, err)
	}
	r.logger.Infof("ndt7: connected to %s", fqdn)

	acc := &accumulator{}
	for m := range ch {
		if cancel.Stopped() || acc.elapsed() >= duration {
			// drain until the client closes the channel
			continue
		}
		sample, ok := acc.add(&m)
		if !ok {
			continue
		}
		r.tracer.OnSample(sample)
		r.sinks.OnSpeed(sample.SpeedMBps)
	}

	avg := acc.average()
	if !avg.HasData() {
		return avg, model.ErrNoAverage
	}
	r.logger.Infof("ndt7: average %.3f MB/s over %d samples", avg.AverageMBps, avg.SampleCount)
	r.sinks.OnSpeed(avg.AverageMBps)
	return avg, nil
}

// accumulator turns cumulative client-side counters into per-interval
// samples.
type accumulator struct {
	lastBytes   int64
	lastElapsed int64
	sum         float64
	count       int
}

func (a *accumulator) elapsed() time.Duration {
	return time.Duration(a.lastElapsed) * time.Microsecond
}

func (a *accumulator) add(m *spec.Measurement) (model.SampleMeasurement, bool) {
	if m.Origin != spec.OriginClient || m.AppInfo == nil {
		return model.SampleMeasurement{}, false
	}
	deltaBytes := m.AppInfo.NumBytes - a.lastBytes
	deltaElapsed := m.AppInfo.ElapsedTime - a.lastElapsed
	if deltaElapsed <= 0 || deltaBytes < 0 {
		return model.SampleMeasurement{}, false
	}
	a.lastBytes, a.lastElapsed = m.AppInfo.NumBytes, m.AppInfo.ElapsedTime
	seconds := float64(deltaElapsed) / 1e6
	sample := model.SampleMeasurement{
		BytesTransferred: deltaBytes,
		ElapsedSeconds:   seconds,
		SpeedMBps:        throughput.SpeedMBps(deltaBytes, seconds),
	}
	a.sum += sample.SpeedMBps
	a.count++
	return sample, true
}

func (a *accumulator) average() model.AverageResult {
	if a.count <= 0 {
		return model.AverageResult{}
	}
	return model.AverageResult{
		AverageMBps: math.Round(a.sum/float64(a.count)*1000) / 1000,
		SampleCount: a.count,
	}
}
