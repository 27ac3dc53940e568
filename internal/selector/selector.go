// Package selector probes the closest candidates one at a time and picks
// the one with the lowest round trip.
package selector

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
)

// Prober measures the RTT to a single host.
type Prober interface {
	Run(ctx context.Context, hostname, port string, timeout time.Duration) model.ProbeResult
}

// Selector picks a test server. The zero value is not valid; use [New].
type Selector struct {
	probe   Prober
	sinks   model.Sinks
	tracer  model.Tracer
	logger  model.Logger
	timeout time.Duration
}

// New creates a [Selector]. Each probe is bounded by timeout.
func New(probe Prober, sinks model.Sinks, tracer model.Tracer, logger model.Logger, timeout time.Duration) *Selector {
	return &Selector{
		probe:   probe,
		sinks:   sinks,
		tracer:  tracer,
		logger:  logger,
		timeout: timeout,
	}
}

// Select probes up to maxProbed candidates in ranked order and returns the
// one with the minimum RTT. It returns None when no probe succeeded or
// when cancel was signaled. On success the winner is also published to
// the sinks.
func (s *Selector) Select(ctx context.Context, ranked []model.RankedCandidate,
	maxProbed int, cancel model.CancelSignal) optional.Value[model.SelectedServer] {
	var (
		best  model.ProbeResult
		found bool
	)
	for idx, rc := range ranked {
		if idx >= maxProbed {
			break
		}
		if cancel.Stopped() {
			s.logger.Info("selector: stop requested")
			return optional.None[model.SelectedServer]()
		}
		result := s.probeCandidate(ctx, rc.Candidate)
		s.tracer.OnProbe(result)
		if !result.OK {
			s.logger.Debugf("selector: %s: %s", rc.Candidate.URL, result.FailureReason.UnwrapOr("unknown"))
			continue
		}
		s.logger.Debugf("selector: %s: %.3f ms", rc.Candidate.URL, result.RTTMillis)
		if !found || result.RTTMillis < best.RTTMillis {
			best, found = result, true
		}
	}
	if cancel.Stopped() {
		s.logger.Info("selector: stop requested")
		return optional.None[model.SelectedServer]()
	}
	if !found {
		s.logger.Warnf("selector: %s", model.ErrSelectionExhausted.Error())
		return optional.None[model.SelectedServer]()
	}

	hostWithPort := joinHostPort(best.Hostname, best.Port)
	selected := model.SelectedServer{
		HostWithPort: hostWithPort,
		Provider:     providerOf(ranked, hostWithPort),
		RTTMillis:    math.Round(best.RTTMillis*1000) / 1000,
	}
	s.logger.Infof("selector: using %s (%s) at %.3f ms", selected.HostWithPort, selected.Provider, selected.RTTMillis)
	s.tracer.OnServerSelected(selected)
	s.sinks.OnPing(selected.RTTMillis, selected.Provider)
	return optional.Some(selected)
}

func (s *Selector) probeCandidate(ctx context.Context, candidate model.ServerCandidate) model.ProbeResult {
	hostname, port, err := splitServerURL(candidate.URL)
	if err != nil {
		return model.ProbeResult{
			Hostname:      candidate.URL,
			FailureReason: optional.Some(err.Error()),
		}
	}
	return s.probe.Run(ctx, hostname, port, s.timeout)
}

// splitServerURL extracts hostname and port from a candidate URL.
func splitServerURL(raw string) (string, string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", model.ErrProbe, err)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("%w: no host in %q", model.ErrProbe, raw)
	}
	return u.Hostname(), u.Port(), nil
}

func joinHostPort(hostname, port string) string {
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname
	}
	return hostname + ":" + port
}

// providerOf finds the provider of the candidate whose URL is exactly
// "https://" + hostWithPort, or returns the empty string.
func providerOf(ranked []model.RankedCandidate, hostWithPort string) string {
	want := "https://" + hostWithPort
	for _, rc := range ranked {
		if rc.Candidate.URL == want {
			return rc.Candidate.Provider
		}
	}
	return ""
}
