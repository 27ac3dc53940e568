package throughput

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/ooni/minispeed/internal/measuretest"
	"github.com/ooni/minispeed/internal/model"
)

func newTestSampler(d *measuretest.Downloader, sinks model.Sinks) *Sampler {
	return New(d, sinks, measuretest.NewTracer(d.Clock), log.Log)
}

func TestRunAverage(t *testing.T) {
	clock := measuretest.NewClock()
	// 10 MB at 10, 20 and 30 MB/s.
	d := measuretest.NewDownloader(clock, 10_000_000,
		time.Second, 500*time.Millisecond, time.Second/3)
	sinks := &measuretest.Sinks{}
	s := newTestSampler(d, sinks)

	got, err := s.Run(context.Background(), "s1.example.org:8080", "tok", 1800*time.Millisecond,
		10_000_000, model.NeverCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(model.AverageResult{AverageMBps: 20, SampleCount: 3}, got); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]float64{10, 20, 30, 20}, sinks.Speeds()); diff != "" {
		t.Fatal(diff)
	}
	if len(d.URLs()) != 3 {
		t.Fatalf("expected 3 downloads, got %d", len(d.URLs()))
	}
}

func TestRunTerminatesAfterDuration(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 1000, 400*time.Millisecond)
	s := newTestSampler(d, model.NopSinks{})
	start := clock.Now()

	got, err := s.Run(context.Background(), "s1.example.org", "tok", time.Second, 1000, model.NeverCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if got.SampleCount != 3 {
		t.Fatalf("expected 3 samples, got %d", got.SampleCount)
	}
	// at most one download past the budget
	if elapsed := clock.Now().Sub(start); elapsed >= time.Second+400*time.Millisecond {
		t.Fatalf("ran for %s", elapsed)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 1000, time.Millisecond)
	sinks := &measuretest.Sinks{}
	flag := &measuretest.CancelFlag{}
	flag.Cancel()

	got, err := newTestSampler(d, sinks).Run(context.Background(), "s1.example.org", "tok", time.Second, 1000, flag)
	if !errors.Is(err, model.ErrNoAverage) {
		t.Fatalf("expected ErrNoAverage, got %v", err)
	}
	if got.HasData() {
		t.Fatal("expected no data")
	}
	if len(d.URLs()) != 0 || len(sinks.Lines()) != 0 {
		t.Fatalf("expected no activity, got %v", sinks.Lines())
	}
}

func TestRunCancelledMidway(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 1_000_000, 100*time.Millisecond)
	flag := &measuretest.CancelFlag{}
	sinks := &measuretest.Sinks{}
	sinks.OnSpeedHook = func(float64) { flag.Cancel() }

	got, err := newTestSampler(d, sinks).Run(context.Background(), "s1.example.org", "tok", time.Hour, 1_000_000, flag)
	if err != nil {
		t.Fatal(err)
	}
	if got.SampleCount != 1 || got.AverageMBps != 10 {
		t.Fatalf("unexpected result %+v", got)
	}
	if diff := cmp.Diff([]float64{10, 10}, sinks.Speeds()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunFailureMidLoop(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 5_000_000, time.Second)
	d.FailAt = 2
	d.Err = errors.New("connection reset")
	sinks := &measuretest.Sinks{}

	got, err := newTestSampler(d, sinks).Run(context.Background(), "s1.example.org", "tok", time.Hour, 5_000_000, model.NeverCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if got.SampleCount != 2 || got.AverageMBps != 5 {
		t.Fatalf("unexpected result %+v", got)
	}
	lines := sinks.Lines()
	want := []string{
		"speed 5.000",
		"speed 5.000",
		"error ERROR: Cannot download test file: transport error: connection reset",
		"speed 5.000",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunFailureFirstDownload(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 5_000_000, time.Second)
	d.FailAt = 0
	d.Err = errors.New("refused")
	sinks := &measuretest.Sinks{}

	_, err := newTestSampler(d, sinks).Run(context.Background(), "s1.example.org", "tok", time.Hour, 5_000_000, model.NeverCancel{})
	if !errors.Is(err, model.ErrNoAverage) {
		t.Fatalf("expected ErrNoAverage, got %v", err)
	}
	if len(sinks.Speeds()) != 0 {
		t.Fatalf("no speed should be reported, got %v", sinks.Speeds())
	}
	if len(sinks.Errors()) != 1 {
		t.Fatalf("expected one error, got %v", sinks.Errors())
	}
}

func TestRunStopsWhenTheClockDoesNotAdvance(t *testing.T) {
	clock := measuretest.NewClock()
	// the first download takes 1s, every later one takes no time
	d := measuretest.NewDownloader(clock, 10_000_000, time.Second, 0)
	sinks := &measuretest.Sinks{}
	got, err := newTestSampler(d, sinks).Run(context.Background(), "s1.example.org", "tok", time.Hour, 10_000_000, model.NeverCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(model.AverageResult{AverageMBps: 10, SampleCount: 1}, got); diff != "" {
		t.Fatal(diff)
	}
	if len(d.URLs()) != 2 {
		t.Fatalf("expected 2 downloads, got %d", len(d.URLs()))
	}

	frozen := measuretest.NewDownloader(measuretest.NewClock(), 1000)
	if _, err := newTestSampler(frozen, model.NopSinks{}).Run(context.Background(), "s1.example.org", "tok", time.Hour, 1000, model.NeverCancel{}); !errors.Is(err, model.ErrNoAverage) {
		t.Fatalf("expected ErrNoAverage, got %v", err)
	}
}

func TestRunUsesOneNoncePerRun(t *testing.T) {
	clock := measuretest.NewClock()
	d := measuretest.NewDownloader(clock, 1000, 300*time.Millisecond)
	_, err := newTestSampler(d, model.NopSinks{}).Run(context.Background(), "s1.example.org:8080", "t0k", time.Second, 1000, model.NeverCancel{})
	if err != nil {
		t.Fatal(err)
	}
	urls := d.URLs()
	if len(urls) < 2 {
		t.Fatalf("expected several downloads, got %d", len(urls))
	}
	for _, u := range urls[1:] {
		if u != urls[0] {
			t.Fatalf("nonce changed within a run: %s vs %s", u, urls[0])
		}
	}
	parsed, err := url.Parse(urls[0])
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Scheme != "https" || parsed.Host != "s1.example.org:8080" || parsed.Path != "/download" {
		t.Fatalf("unexpected url %s", urls[0])
	}
	q := parsed.Query()
	if q.Get("size") != "1000" || q.Get("token") != "t0k" || len(q.Get("nc")) != nonceLength {
		t.Fatalf("unexpected query %s", parsed.RawQuery)
	}
}

func TestNewNonce(t *testing.T) {
	re := regexp.MustCompile(`^[a-zA-Z0-9]{7}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		nonce, err := newNonce()
		if err != nil {
			t.Fatal(err)
		}
		if !re.MatchString(nonce) {
			t.Fatalf("bad nonce %q", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) < 90 {
		t.Fatalf("nonces are not random enough: %d distinct", len(seen))
	}
}

func TestSpeedMBps(t *testing.T) {
	tests := []struct {
		size    int64
		elapsed float64
		want    float64
	}{
		{50_000_000, 5, 10},
		{50_000_000, 3, 16.667},
		{1_048_576, 1, 1.049},
	}
	for _, tt := range tests {
		if got := SpeedMBps(tt.size, tt.elapsed); got != tt.want {
			t.Errorf("SpeedMBps(%d, %v) = %v, want %v", tt.size, tt.elapsed, got, tt.want)
		}
	}
}
