package latency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/ooni/minispeed/internal/measuretest"
	"github.com/ooni/minispeed/internal/model"
)

func TestProbeRun(t *testing.T) {
	type test struct {
		name        string
		script      measuretest.Script
		wantOK      bool
		wantRTT     float64
		wantFailure string
	}
	tests := []test{
		{
			name:    "reply measures rtt",
			script:  measuretest.EchoScript("192.0.2.1", 12500*time.Microsecond),
			wantOK:  true,
			wantRTT: 12.5,
		},
		{
			name:    "ipv6 peer is accepted",
			script:  measuretest.EchoScript("2001:db8::1", 3*time.Millisecond),
			wantOK:  true,
			wantRTT: 3,
		},
		{
			name:        "hostname peer is rejected",
			script:      measuretest.EchoScript("not-an-ip", 3*time.Millisecond),
			wantFailure: "unvalidated peer",
		},
		{
			name:        "send failure",
			script:      measuretest.FailScript("192.0.2.1", model.ProbeSendFailed),
			wantFailure: "send_failed",
		},
		{
			name:        "unexpected packet",
			script:      measuretest.FailScript("192.0.2.1", model.ProbeUnexpectedPacket),
			wantFailure: "unexpected_packet",
		},
		{
			name:        "generic failure",
			script:      measuretest.FailScript("192.0.2.1", model.ProbeFailed),
			wantFailure: "failed",
		},
		{
			name: "stream closes without reply",
			script: measuretest.Script{Events: []model.ProbeEvent{
				{Kind: model.ProbeStarted, PeerAddress: "192.0.2.1"},
			}},
			wantFailure: "without a reply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := measuretest.NewProber(map[string]measuretest.Script{"host.example.org": tt.script})
			p := New(prober, log.Log)
			got := p.Run(context.Background(), "host.example.org", "8080", time.Second)
			if got.Hostname != "host.example.org" || got.Port != "8080" {
				t.Errorf("unexpected identity %s:%s", got.Hostname, got.Port)
			}
			if got.OK != tt.wantOK {
				t.Fatalf("got OK=%v, want %v (failure: %v)", got.OK, tt.wantOK, got.FailureReason.UnwrapOr(""))
			}
			if tt.wantOK {
				if got.RTTMillis != tt.wantRTT {
					t.Errorf("got rtt %v, want %v", got.RTTMillis, tt.wantRTT)
				}
				if !got.FailureReason.IsNone() {
					t.Errorf("unexpected failure reason %q", got.FailureReason.Unwrap())
				}
			} else if !strings.Contains(got.FailureReason.UnwrapOr(""), tt.wantFailure) {
				t.Errorf("failure %q does not mention %q", got.FailureReason.UnwrapOr(""), tt.wantFailure)
			}
			if !prober.AllStopped() {
				t.Error("session was not stopped")
			}
		})
	}
}

func TestProbeRunTimeout(t *testing.T) {
	prober := measuretest.NewProber(map[string]measuretest.Script{
		"slow.example.org": measuretest.HangScript("192.0.2.9"),
	})
	p := New(prober, log.Log)
	got := p.Run(context.Background(), "slow.example.org", "", 20*time.Millisecond)
	if got.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(got.FailureReason.Unwrap(), "timed out") {
		t.Errorf("unexpected failure %q", got.FailureReason.Unwrap())
	}
	if !prober.AllStopped() {
		t.Error("session was not stopped after the timeout")
	}
}

func TestProbeRunContextCancelled(t *testing.T) {
	prober := measuretest.NewProber(map[string]measuretest.Script{
		"slow.example.org": measuretest.HangScript("192.0.2.9"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := New(prober, log.Log).Run(ctx, "slow.example.org", "", time.Minute)
	if got.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(got.FailureReason.Unwrap(), context.Canceled.Error()) {
		t.Errorf("unexpected failure %q", got.FailureReason.Unwrap())
	}
}

func TestProbeStartFailure(t *testing.T) {
	prober := measuretest.NewProber(nil)
	p := New(prober, log.Log)
	_, err := p.measure(context.Background(), "nowhere.example.org", time.Second)
	if !errors.Is(err, model.ErrProbe) {
		t.Fatalf("expected ErrProbe, got %v", err)
	}
}

func TestValidPeer(t *testing.T) {
	for addr, want := range map[string]bool{
		"192.0.2.1":   true,
		"2001:db8::1": true,
		"":            false,
		"example.org": false,
		"192.0.2.1:0": false,
	} {
		if got := validPeer(addr); got != want {
			t.Errorf("validPeer(%q) = %v, want %v", addr, got, want)
		}
	}
}
