// Package measuretest contains test doubles for the measurement engine:
// a scripted ICMP prober, a fake directory, a fake downloader driven by a
// manual clock and recording sinks.
package measuretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ooni/minispeed/internal/model"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Script is the list of events a scripted session emits. When Hang is
// true the stream stays open after the events until Stop is called.
type Script struct {
	Events []model.ProbeEvent
	Hang   bool
}

// EchoScript is a successful probe whose reply arrives rtt after the send.
func EchoScript(peer string, rtt time.Duration) Script {
	t0 := time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)
	return Script{Events: []model.ProbeEvent{
		{Kind: model.ProbeStarted, PeerAddress: peer, At: t0},
		{Kind: model.ProbeSent, At: t0},
		{Kind: model.ProbeReceived, At: t0.Add(rtt)},
	}}
}

// FailScript is a probe that starts and then fails with kind.
func FailScript(peer string, kind model.ProbeEventKind) Script {
	t0 := time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)
	return Script{Events: []model.ProbeEvent{
		{Kind: model.ProbeStarted, PeerAddress: peer, At: t0},
		{Kind: kind, At: t0, Err: errors.New("scripted failure")},
	}}
}

// HangScript is a probe that sends and never hears back.
func HangScript(peer string) Script {
	t0 := time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)
	return Script{
		Events: []model.ProbeEvent{
			{Kind: model.ProbeStarted, PeerAddress: peer, At: t0},
			{Kind: model.ProbeSent, At: t0},
		},
		Hang: true,
	}
}

// Prober is a [model.ICMPProber] replaying scripts by hostname. Unknown
// hostnames fail to start.
type Prober struct {
	Scripts map[string]Script

	// OnStart, if set, runs before each session starts.
	OnStart func(hostname string)

	mu       sync.Mutex
	probed   []string
	sessions []*Session
}

var _ model.ICMPProber = &Prober{}

// NewProber creates a [Prober] with the given scripts.
func NewProber(scripts map[string]Script) *Prober {
	return &Prober{Scripts: scripts}
}

// StartProbe implements [model.ICMPProber].
func (p *Prober) StartProbe(ctx context.Context, hostname string) (model.ICMPSession, error) {
	if p.OnStart != nil {
		p.OnStart(hostname)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, hostname)
	script, found := p.Scripts[hostname]
	if !found {
		return nil, fmt.Errorf("no script for %s", hostname)
	}
	s := &Session{events: make(chan model.ProbeEvent, len(script.Events))}
	for _, ev := range script.Events {
		s.events <- ev
	}
	if !script.Hang {
		s.closeEvents()
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Probed returns the hostnames probed so far, in order.
func (p *Prober) Probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.probed...)
}

// AllStopped returns whether every session has been stopped.
func (p *Prober) AllStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if !s.Stopped() {
			return false
		}
	}
	return true
}

// Session is a scripted [model.ICMPSession].
type Session struct {
	events    chan model.ProbeEvent
	closeOnce sync.Once

	mu      sync.Mutex
	stopped bool
}

var _ model.ICMPSession = &Session{}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Events implements [model.ICMPSession].
func (s *Session) Events() <-chan model.ProbeEvent {
	return s.events
}

// Stop implements [model.ICMPSession].
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.closeEvents()
}

// Stopped returns whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
