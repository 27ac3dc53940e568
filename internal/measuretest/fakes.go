package measuretest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ooni/minispeed/internal/model"
)

// Directory is a [model.Directory] returning canned values.
type Directory struct {
	Token      string
	TokenErr   error
	IPInfo     *model.IPInfo
	IPErr      error
	Servers    []model.ServerCandidate
	ServersErr error

	// OnCall, if set, runs at the start of each method with its name.
	OnCall func(call string)

	mu    sync.Mutex
	calls []string
}

var _ model.Directory = &Directory{}

func (d *Directory) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	if d.OnCall != nil {
		d.OnCall(call)
	}
}

// Calls returns the names of the methods called so far.
func (d *Directory) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.calls...)
}

// FetchToken implements [model.Directory].
func (d *Directory) FetchToken(ctx context.Context) (string, error) {
	d.record("token")
	return d.Token, d.TokenErr
}

// FetchIPInfo implements [model.Directory].
func (d *Directory) FetchIPInfo(ctx context.Context) (*model.IPInfo, error) {
	d.record("ip")
	return d.IPInfo, d.IPErr
}

// FetchServers implements [model.Directory].
func (d *Directory) FetchServers(ctx context.Context, token string) ([]model.ServerCandidate, error) {
	d.record("servers")
	return d.Servers, d.ServersErr
}

// Downloader is a [model.Downloader] that advances Clock by the next
// duration on each call. The last duration repeats once exhausted.
type Downloader struct {
	Clock     *Clock
	Durations []time.Duration
	Bytes     int64

	// FailAt makes the call with this zero-based index fail with Err.
	FailAt int
	Err    error

	// OnDownload, if set, runs at the start of each call.
	OnDownload func(call int)

	mu   sync.Mutex
	urls []string
}

var _ model.Downloader = &Downloader{}

// NewDownloader creates a [Downloader] that never fails.
func NewDownloader(clock *Clock, bytes int64, durations ...time.Duration) *Downloader {
	return &Downloader{Clock: clock, Durations: durations, Bytes: bytes, FailAt: -1}
}

// Download implements [model.Downloader].
func (d *Downloader) Download(ctx context.Context, url, token string) (int64, error) {
	d.mu.Lock()
	call := len(d.urls)
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	if d.OnDownload != nil {
		d.OnDownload(call)
	}
	if call == d.FailAt {
		return 0, fmt.Errorf("%w: %s", model.ErrTransport, d.Err)
	}
	if len(d.Durations) > 0 {
		i := call
		if i >= len(d.Durations) {
			i = len(d.Durations) - 1
		}
		d.Clock.Advance(d.Durations[i])
	}
	return d.Bytes, nil
}

// URLs returns the requested URLs.
func (d *Downloader) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.urls...)
}

// Sinks records every call as a line of text.
type Sinks struct {
	// OnSpeedHook, if set, runs after each OnSpeed call.
	OnSpeedHook func(mbps float64)

	// OnCompleteHook, if set, runs after each OnComplete call.
	OnCompleteHook func()

	mu     sync.Mutex
	lines  []string
	pings  int
	speeds []float64
	errors []string
	done   int
}

var _ model.Sinks = &Sinks{}

func (s *Sinks) OnPing(rttMillis float64, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	s.lines = append(s.lines, fmt.Sprintf("ping %.3f %s", rttMillis, provider))
}

func (s *Sinks) OnSpeed(mbps float64) {
	s.mu.Lock()
	s.speeds = append(s.speeds, mbps)
	s.lines = append(s.lines, fmt.Sprintf("speed %.3f", mbps))
	hook := s.OnSpeedHook
	s.mu.Unlock()
	if hook != nil {
		hook(mbps)
	}
}

func (s *Sinks) OnError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
	s.lines = append(s.lines, "error "+message)
}

func (s *Sinks) OnComplete() {
	s.mu.Lock()
	s.done++
	s.lines = append(s.lines, "complete")
	hook := s.OnCompleteHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Lines returns every recorded call.
func (s *Sinks) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.lines...)
}

// Speeds returns the values passed to OnSpeed.
func (s *Sinks) Speeds() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64{}, s.speeds...)
}

// Errors returns the values passed to OnError.
func (s *Sinks) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.errors...)
}

// Pings returns how many times OnPing was called.
func (s *Sinks) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Completions returns how many times OnComplete was called.
func (s *Sinks) Completions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// CancelFlag is a [model.CancelSignal] flipped by hand.
type CancelFlag struct {
	mu      sync.Mutex
	stopped bool
}

// Cancel signals the flag.
func (f *CancelFlag) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// Stopped implements [model.CancelSignal].
func (f *CancelFlag) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Tracer is a [model.Tracer] reading time from a [Clock] and recording
// the stages it sees.
type Tracer struct {
	Clock *Clock

	mu      sync.Mutex
	stages  []model.Stage
	probes  []model.ProbeResult
	samples []model.SampleMeasurement
}

var _ model.Tracer = &Tracer{}

// NewTracer creates a [Tracer] using clock.
func NewTracer(clock *Clock) *Tracer {
	return &Tracer{Clock: clock}
}

// TimeNow implements [model.Tracer].
func (t *Tracer) TimeNow() time.Time {
	return t.Clock.Now()
}

// OnStageChange implements [model.Tracer].
func (t *Tracer) OnStageChange(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = append(t.stages, stage)
}

// OnProbe implements [model.Tracer].
func (t *Tracer) OnProbe(result model.ProbeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes = append(t.probes, result)
}

// OnServerSelected implements [model.Tracer].
func (t *Tracer) OnServerSelected(model.SelectedServer) {}

// OnSample implements [model.Tracer].
func (t *Tracer) OnSample(sample model.SampleMeasurement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample)
}

// Stages returns the recorded stages.
func (t *Tracer) Stages() []model.Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Stage{}, t.stages...)
}

// Probes returns the recorded probe results.
func (t *Tracer) Probes() []model.ProbeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.ProbeResult{}, t.probes...)
}

// Samples returns the recorded samples.
func (t *Tracer) Samples() []model.SampleMeasurement {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.SampleMeasurement{}, t.samples...)
}
