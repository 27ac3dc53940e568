// Package latency turns the event stream of an ICMP probe into a single
// round-trip measurement.
package latency

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
)

var (
	errTimeout      = errors.New("timed out waiting for echo reply")
	errStreamClosed = errors.New("probe ended without a reply")
	errBadPeer      = errors.New("reply from unvalidated peer")
)

// Probe measures the RTT to one host at a time. The zero value is not
// valid; use [New].
type Probe struct {
	prober model.ICMPProber
	logger model.Logger
}

// New creates a [Probe] driving the given ICMP capability.
func New(prober model.ICMPProber, logger model.Logger) *Probe {
	return &Probe{prober: prober, logger: logger}
}

// Run probes hostname and blocks until a terminal event arrives, the
// timeout elapses or ctx is done. The underlying session is always
// stopped before returning.
func (p *Probe) Run(ctx context.Context, hostname, port string, timeout time.Duration) model.ProbeResult {
	result := model.ProbeResult{
		Hostname:      hostname,
		Port:          port,
		FailureReason: optional.None[string](),
	}
	rtt, err := p.measure(ctx, hostname, timeout)
	if err != nil {
		p.logger.Debugf("latency: %s: %s", hostname, err.Error())
		result.FailureReason = optional.Some(err.Error())
		return result
	}
	result.OK = true
	result.RTTMillis = float64(rtt) / float64(time.Millisecond)
	return result
}

func (p *Probe) measure(ctx context.Context, hostname string, timeout time.Duration) (time.Duration, error) {
	session, err := p.prober.StartProbe(ctx, hostname)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", model.ErrProbe, err)
	}
	defer session.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		peer   string
		sentAt time.Time
	)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return 0, fmt.Errorf("%w: %s", model.ErrProbe, errStreamClosed)
			}
			switch ev.Kind {
			case model.ProbeStarted:
				peer = ev.PeerAddress
			case model.ProbeSent:
				if validPeer(peer) {
					sentAt = ev.At
				}
			case model.ProbeReceived:
				if !validPeer(peer) || sentAt.IsZero() {
					return 0, fmt.Errorf("%w: %s %q", model.ErrProbe, errBadPeer, peer)
				}
				return ev.At.Sub(sentAt), nil
			default:
				return 0, fmt.Errorf("%w: %s: %v", model.ErrProbe, ev.Kind, ev.Err)
			}
		case <-timer.C:
			return 0, fmt.Errorf("%w: %s after %s", model.ErrProbe, errTimeout, timeout)
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %s", model.ErrProbe, ctx.Err())
		}
	}
}

// validPeer reports whether addr is an IPv4 or IPv6 literal.
func validPeer(addr string) bool {
	_, err := netip.ParseAddr(addr)
	return err == nil
}
