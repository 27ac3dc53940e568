package speedtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ooni/minispeed/internal/measuretest"
	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
	"github.com/ooni/minispeed/pkg/config"
)

func float(v float64) *float64 {
	return &v
}

// env is a fully faked measurement environment. The client is in Milan,
// the closest server does not answer and the second one is the fastest.
type env struct {
	clock      *measuretest.Clock
	tracer     *measuretest.Tracer
	directory  *measuretest.Directory
	prober     *measuretest.Prober
	downloader *measuretest.Downloader
	sinks      *measuretest.Sinks
}

func newEnv() *env {
	clock := measuretest.NewClock()
	return &env{
		clock:  clock,
		tracer: measuretest.NewTracer(clock),
		directory: &measuretest.Directory{
			Token:  "tok",
			IPInfo: &model.IPInfo{IP: "192.0.2.7", Lat: float(45.46), Lon: float(9.19)},
			Servers: []model.ServerCandidate{
				{URL: "https://far.example.org:8080", Provider: "Far", Latitude: 52.52, Longitude: 13.40},
				{URL: "https://near.example.org:8080", Provider: "Near", Latitude: 45.47, Longitude: 9.19},
				{URL: "https://mid.example.org:8080", Provider: "Mid", Latitude: 45.07, Longitude: 7.69},
			},
		},
		prober: measuretest.NewProber(map[string]measuretest.Script{
			"near.example.org": measuretest.HangScript("192.0.2.1"),
			"mid.example.org":  measuretest.EchoScript("192.0.2.2", 10*time.Millisecond),
			"far.example.org":  measuretest.EchoScript("192.0.2.3", 30*time.Millisecond),
		}),
		downloader: measuretest.NewDownloader(clock, 10_000_000,
			time.Second, 500*time.Millisecond, time.Second/3),
		sinks: &measuretest.Sinks{},
	}
}

func (e *env) orchestrator(opts ...config.Option) *Orchestrator {
	opts = append([]config.Option{
		config.WithLogger(model.NewTestLogger()),
		config.WithTracer(e.tracer),
		config.WithPayloadSize(10_000_000),
		config.WithTestDuration(1800 * time.Millisecond),
		config.WithProbeTimeout(50 * time.Millisecond),
	}, opts...)
	o := New(config.NewConfig(opts...), e.sinks, Dependencies{
		Directory:  e.directory,
		Downloader: e.downloader,
		Prober:     e.prober,
	})
	o.timeNow = e.clock.Now
	o.newID = func() string { return "session-1" }
	return o
}

func TestRunSunnyPath(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()

	report, err := o.Run(context.Background(), optional.None[model.ClientLocation]())
	if err != nil {
		t.Fatal(err)
	}

	wantLines := []string{
		"ping 10.000 Mid",
		"speed 10.000",
		"speed 20.000",
		"speed 30.000",
		"speed 20.000",
		"complete",
	}
	if diff := cmp.Diff(wantLines, e.sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}

	if report.SessionID != "session-1" || report.Cancelled || !report.Failure.IsNone() {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Location.Unwrap().Source != model.LocationIPGeolocation {
		t.Error("expected the IP location to be used")
	}
	wantServer := model.SelectedServer{HostWithPort: "mid.example.org:8080", Provider: "Mid", RTTMillis: 10}
	if diff := cmp.Diff(wantServer, report.Server.Unwrap()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(model.AverageResult{AverageMBps: 20, SampleCount: 3}, report.Download.Unwrap()); diff != "" {
		t.Error(diff)
	}
	if report.Runtime <= 0 {
		t.Errorf("unexpected runtime %v", report.Runtime)
	}

	if diff := cmp.Diff([]string{"near.example.org", "mid.example.org", "far.example.org"}, e.prober.Probed()); diff != "" {
		t.Errorf("probes not in distance order: %s", diff)
	}
	if !e.prober.AllStopped() {
		t.Error("probe sessions leaked")
	}
	for _, u := range e.downloader.URLs() {
		if !strings.HasPrefix(u, "https://mid.example.org:8080/download?") {
			t.Errorf("unexpected download url %s", u)
		}
	}

	wantStages := []model.Stage{
		model.StageToken, model.StageIPInfo, model.StageServers, model.StageRanking,
		model.StageSelection, model.StageThroughput, model.StageDone,
	}
	if diff := cmp.Diff(wantStages, e.tracer.Stages()); diff != "" {
		t.Error(diff)
	}
	if len(e.tracer.Samples()) != 3 || len(e.tracer.Probes()) != 3 {
		t.Error("expected samples and probes to be traced")
	}
}

func TestRunTokenFailure(t *testing.T) {
	e := newEnv()
	e.directory.TokenErr = fmt.Errorf("%w: boom", model.ErrTransport)
	o := e.orchestrator()

	report, err := o.Run(context.Background(), optional.None[model.ClientLocation]())
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected a transport error, got %v", err)
	}
	wantLines := []string{
		"error ERROR: Cannot download token: transport error: boom",
		"complete",
	}
	if diff := cmp.Diff(wantLines, e.sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}
	if len(e.prober.Probed()) != 0 || len(e.downloader.URLs()) != 0 {
		t.Fatal("no probe or download should happen")
	}
	if diff := cmp.Diff([]string{"token"}, e.directory.Calls()); diff != "" {
		t.Fatal(diff)
	}
	if report.Failure.IsNone() {
		t.Fatal("the failure should be in the report")
	}
}

func TestRunSetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *env)
		wantErr error
		wantMsg string
	}{
		{
			name:    "ip lookup",
			setup:   func(e *env) { e.directory.IPErr = model.ErrTransport },
			wantErr: model.ErrTransport,
			wantMsg: "ERROR: Cannot identify IP address: transport error",
		},
		{
			name:    "server list",
			setup:   func(e *env) { e.directory.ServersErr = model.ErrTransport },
			wantErr: model.ErrTransport,
			wantMsg: "ERROR: Cannot download server list: transport error",
		},
		{
			name:    "no location",
			setup:   func(e *env) { e.directory.IPInfo = &model.IPInfo{IP: "192.0.2.7"} },
			wantErr: model.ErrNoLocation,
			wantMsg: "ERROR: Cannot locate client: cannot determine client location",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			tt.setup(e)
			_, err := e.orchestrator().Run(context.Background(), optional.None[model.ClientLocation]())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if diff := cmp.Diff([]string{tt.wantMsg}, e.sinks.Errors()); diff != "" {
				t.Fatal(diff)
			}
			if e.sinks.Completions() != 1 {
				t.Fatalf("expected one completion, got %d", e.sinks.Completions())
			}
			if len(e.sinks.Speeds()) != 0 || len(e.downloader.URLs()) != 0 {
				t.Fatal("no download should happen")
			}
			stages := e.tracer.Stages()
			if stages[len(stages)-1] != model.StageError {
				t.Fatalf("expected the error stage last, got %v", stages)
			}
		})
	}
}

func TestRunSelectionExhausted(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env)
	}{
		{"no server answers", func(e *env) { e.prober.Scripts = nil }},
		{"empty server list", func(e *env) { e.directory.Servers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			tt.setup(e)
			report, err := e.orchestrator().Run(context.Background(), optional.None[model.ClientLocation]())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if diff := cmp.Diff([]string{"complete"}, e.sinks.Lines()); diff != "" {
				t.Fatal(diff)
			}
			if !report.Server.IsNone() || !report.Download.IsNone() || !report.Failure.IsNone() {
				t.Fatalf("unexpected report %+v", report)
			}
			if len(e.downloader.URLs()) != 0 {
				t.Fatal("no download should happen")
			}
			stages := e.tracer.Stages()
			if stages[len(stages)-1] != model.StageDone {
				t.Fatalf("expected the done stage last, got %v", stages)
			}
		})
	}
}

func TestRunUsesLocationHint(t *testing.T) {
	t.Run("hint with both components", func(t *testing.T) {
		e := newEnv()
		// Berlin: far becomes the closest and gets probed first.
		hint := optional.Some(model.ClientLocation{Latitude: 52.5, Longitude: 13.4, Source: model.LocationDeviceGPS})
		report, err := e.orchestrator().Run(context.Background(), hint)
		if err != nil {
			t.Fatal(err)
		}
		if report.Location.Unwrap().Source != model.LocationDeviceGPS {
			t.Error("expected the hint to be used")
		}
		if got := e.prober.Probed(); got[0] != "far.example.org" {
			t.Errorf("unexpected probe order %v", got)
		}
	})
	t.Run("hint with a zero component", func(t *testing.T) {
		e := newEnv()
		hint := optional.Some(model.ClientLocation{Latitude: 52.5, Longitude: 0, Source: model.LocationDeviceGPS})
		report, err := e.orchestrator().Run(context.Background(), hint)
		if err != nil {
			t.Fatal(err)
		}
		if report.Location.Unwrap().Source != model.LocationIPGeolocation {
			t.Error("expected the IP location to be used")
		}
	})
}

func TestRunMaxProbedServers(t *testing.T) {
	e := newEnv()
	_, err := e.orchestrator(config.WithMaxProbedServers(2)).Run(context.Background(), optional.None[model.ClientLocation]())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"near.example.org", "mid.example.org"}, e.prober.Probed()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunStopBeforeAnyProbe(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()
	e.directory.OnCall = func(call string) {
		if call == "token" {
			o.RequestStop()
		}
	}
	report, err := o.Run(context.Background(), optional.None[model.ClientLocation]())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Cancelled {
		t.Fatal("expected the report to be marked as cancelled")
	}
	if diff := cmp.Diff([]string{"complete"}, e.sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}
	if len(e.prober.Probed()) != 0 || len(e.downloader.URLs()) != 0 {
		t.Fatal("no probe or download should happen")
	}
}

func TestRunStopDuringDownloads(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()
	e.downloader.OnDownload = func(call int) {
		if call == 1 {
			o.RequestStop()
		}
	}
	report, err := o.Run(context.Background(), optional.None[model.ClientLocation]())
	if err != nil {
		t.Fatal(err)
	}
	// the download in flight completes, no new one starts
	if got := len(e.downloader.URLs()); got != 2 {
		t.Fatalf("expected 2 downloads, got %d", got)
	}
	if !report.Cancelled || report.Download.Unwrap().SampleCount != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if diff := cmp.Diff([]float64{10, 20, 15}, e.sinks.Speeds()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunDownloadFailure(t *testing.T) {
	e := newEnv()
	e.downloader.FailAt = 0
	e.downloader.Err = errors.New("connection reset")
	_, err := e.orchestrator().Run(context.Background(), optional.None[model.ClientLocation]())
	if !errors.Is(err, model.ErrNoAverage) {
		t.Fatalf("expected ErrNoAverage, got %v", err)
	}
	want := []string{
		"ping 10.000 Mid",
		"error ERROR: Cannot download test file: transport error: connection reset",
		"complete",
	}
	if diff := cmp.Diff(want, e.sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}
}

func TestStartStopWait(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()
	release := make(chan struct{})
	e.directory.OnCall = func(call string) {
		if call == "token" {
			<-release
		}
	}

	if err := o.Start(45.46, 9.19); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background(), optional.None[model.ClientLocation]()); !errors.Is(err, model.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := o.Start(0, 0); !errors.Is(err, model.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	o.Stop()
	close(release)

	report, err := o.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Cancelled {
		t.Fatal("expected a cancelled report")
	}
	if diff := cmp.Diff([]string{"complete"}, e.sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}

	// once over, a new run is accepted
	e.directory.OnCall = nil
	if _, err := o.Run(context.Background(), optional.None[model.ClientLocation]()); err != nil {
		t.Fatal(err)
	}
	if e.sinks.Completions() != 2 {
		t.Fatalf("expected two completions, got %d", e.sinks.Completions())
	}
}

func TestRestartFromOnComplete(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()
	var startErr error
	e.sinks.OnCompleteHook = func() {
		if e.sinks.Completions() == 1 {
			startErr = o.Start(45.46, 9.19)
		}
	}

	if _, err := o.Run(context.Background(), optional.None[model.ClientLocation]()); err != nil {
		t.Fatal(err)
	}
	if startErr != nil {
		t.Fatalf("Start from OnComplete: %v", startErr)
	}
	report, err := o.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if report.Location.Unwrap().Source != model.LocationDeviceGPS {
		t.Fatal("expected the outcome of the restarted run")
	}
	if e.sinks.Completions() != 2 {
		t.Fatalf("expected two completions, got %d", e.sinks.Completions())
	}
}

func TestRequestStopWithoutActiveRun(t *testing.T) {
	e := newEnv()
	o := e.orchestrator()
	o.RequestStop()
	report, err := o.Run(context.Background(), optional.None[model.ClientLocation]())
	if err != nil {
		t.Fatal(err)
	}
	if report.Cancelled {
		t.Fatal("a stop request without an active run must not affect the next run")
	}
}

func TestDispatcherPreservesOrder(t *testing.T) {
	sinks := &measuretest.Sinks{}
	d := newDispatcher(sinks, model.NewTestLogger())
	var want []string
	for i := 0; i < 100; i++ {
		d.OnSpeed(float64(i))
		want = append(want, fmt.Sprintf("speed %.3f", float64(i)))
	}
	d.OnError("ERROR: x")
	d.OnComplete()
	d.close()
	want = append(want, "error ERROR: x", "complete")
	if diff := cmp.Diff(want, sinks.Lines()); diff != "" {
		t.Fatal(diff)
	}
}

func TestEffectiveLocation(t *testing.T) {
	info := &model.IPInfo{Lat: float(1), Lon: float(2)}
	got, err := effectiveLocation(optional.None[model.ClientLocation](), info)
	if err != nil || got.Latitude != 1 || got.Source != model.LocationIPGeolocation {
		t.Fatalf("unexpected %+v %v", got, err)
	}
	if _, err := effectiveLocation(optional.None[model.ClientLocation](), &model.IPInfo{}); !errors.Is(err, model.ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
}
