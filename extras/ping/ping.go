// Package ping sends a single ICMP echo to a host and reports the probe
// lifecycle as a stream of [model.ProbeEvent]s. It is a modification of one
// of the elements in the go-ping library.
package ping

/*
 * SPDX-License-Identifier: MIT
 *
 * Copyright (c) 2016 Cameron Sparr and contributors.
 * Copyright (C) 2022 Ain Ghazal.
 */

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/net/icmp"
	"golang.org/x/sync/errgroup"

	"github.com/ooni/minispeed/internal/bytesx"
	"github.com/ooni/minispeed/internal/model"
)

var (
	ipv4Proto = map[bool]string{true: "ip4:icmp", false: "udp4"}
	ipv6Proto = map[bool]string{true: "ip6:ipv6-icmp", false: "udp6"}

	errCannotResolve         = errors.New("cannot resolve")
	errCannotListen          = errors.New("cannot listen")
	errCannotWrite           = errors.New("cannot write")
	errCannotRead            = errors.New("cannot read")
	errCannotSetReadDeadline = errors.New("cannot set read deadline")
)

// eventsBufferSize is large enough to hold every event a single echo can
// produce, so emitting never waits for a slow consumer.
const eventsBufferSize = 8

// Resolver resolves hostnames. [net.Resolver] implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ListenFunc opens the packet connection used by a probe.
type ListenFunc func(network, address string) (net.PacketConn, error)

// Pinger implements [model.ICMPProber]. The zero value is not valid; use [New].
type Pinger struct {
	// Privileged selects raw ICMP sockets instead of the unprivileged
	// datagram ones.
	Privileged bool

	// ForceIPv4 restricts resolution to IPv4 addresses.
	ForceIPv4 bool

	// ForceIPv6 restricts resolution to IPv6 addresses.
	ForceIPv6 bool

	// Size of the echo payload. It cannot be smaller than the timestamp
	// plus the tracker.
	Size int

	// TTL for outgoing IPv4 echoes; zero keeps the system default.
	TTL int

	// Resolver is used to resolve hostnames.
	Resolver Resolver

	// Listen opens packet connections.
	Listen ListenFunc

	logger model.Logger
}

var _ model.ICMPProber = &Pinger{}

// New returns a Pinger using unprivileged sockets.
func New(logger model.Logger) *Pinger {
	if logger == nil {
		logger = log.Log
	}
	return &Pinger{
		Size:     timeSliceLength + trackerLength,
		TTL:      64,
		Resolver: net.DefaultResolver,
		Listen: func(network, address string) (net.PacketConn, error) {
			return icmp.ListenPacket(network, address)
		},
		logger: logger,
	}
}

// StartProbe implements [model.ICMPProber]. The probe runs in a background
// goroutine; the first event is either started or failed.
func (p *Pinger) StartProbe(ctx context.Context, hostname string) (model.ICMPSession, error) {
	if p.Size < timeSliceLength+trackerLength {
		return nil, fmt.Errorf("size %d is less than minimum required size %d", p.Size, timeSliceLength+trackerLength)
	}
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	s := &session{
		pinger:   p,
		hostname: hostname,
		events:   make(chan model.ProbeEvent, eventsBufferSize),
		done:     make(chan any),
		id:       id,
		tracker:  uuid.New(),
	}
	go s.run(ctx)
	return s, nil
}

func (p *Pinger) resolve(ctx context.Context, hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip, nil
	}
	addrs, err := p.Resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errCannotResolve, err)
	}
	for _, addr := range addrs {
		isV4 := addr.IP.To4() != nil
		if (p.ForceIPv4 && !isV4) || (p.ForceIPv6 && isV4) {
			continue
		}
		return addr.IP, nil
	}
	return nil, fmt.Errorf("%w: no suitable address for %s", errCannotResolve, hostname)
}

// session is one running echo.
type session struct {
	pinger   *Pinger
	hostname string

	// events is closed when run returns.
	events chan model.ProbeEvent

	// done is closed by Stop.
	done     chan any
	stopOnce sync.Once

	// mu guards conn.
	mu   sync.Mutex
	conn net.PacketConn

	id      int
	seq     int
	tracker uuid.UUID
}

var _ model.ICMPSession = &session{}

// Events implements [model.ICMPSession].
func (s *session) Events() <-chan model.ProbeEvent {
	return s.events
}

// Stop implements [model.ICMPSession].
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *session) emit(kind model.ProbeEventKind, peer string, err error) {
	ev := model.ProbeEvent{Kind: kind, PeerAddress: peer, At: time.Now(), Err: err}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) run(ctx context.Context) {
	defer close(s.events)
	logger := s.pinger.logger

	ip, err := s.pinger.resolve(ctx, s.hostname)
	if err != nil {
		s.emit(model.ProbeFailed, "", err)
		return
	}
	s.emit(model.ProbeStarted, ip.String(), nil)

	isV4 := ip.To4() != nil
	network := ipv6Proto[s.pinger.Privileged]
	address := "::"
	if isV4 {
		network = ipv4Proto[s.pinger.Privileged]
		address = "0.0.0.0"
	}
	conn, err := s.pinger.Listen(network, address)
	if err != nil {
		s.emit(model.ProbeFailed, "", fmt.Errorf("%w: %s", errCannotListen, err))
		return
	}
	if !s.setConn(conn) {
		return
	}
	defer s.Stop()
	s.maybeSetTTL(conn, isV4)

	req := &echoRequest{
		ipv4:    isV4,
		id:      s.id,
		seq:     s.seq,
		tracker: s.tracker,
		size:    s.pinger.Size,
	}
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if s.pinger.Privileged {
		dst = &net.IPAddr{IP: ip}
	}

	if err := s.send(conn, req, dst); err != nil {
		return
	}

	// The reply waits in the socket buffer, so reading only after the send
	// keeps sent ordered before received.
	finished := make(chan any)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		return s.recvLoop(conn, req)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Stop()
			return gctx.Err()
		case <-finished:
			return nil
		case <-s.done:
			return nil
		}
	})
	if err := g.Wait(); err != nil && !s.stopped() {
		logger.Debugf("ping: %s: %s", s.hostname, err.Error())
	}
}

// setConn publishes conn so that Stop can close it. It returns false
// when the session was stopped while we were listening.
func (s *session) setConn(conn net.PacketConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *session) maybeSetTTL(conn net.PacketConn, isV4 bool) {
	pc, ok := conn.(*icmp.PacketConn)
	if !ok || s.pinger.TTL <= 0 {
		return
	}
	if isV4 {
		if p4 := pc.IPv4PacketConn(); p4 != nil {
			_ = p4.SetTTL(s.pinger.TTL)
		}
		return
	}
	if p6 := pc.IPv6PacketConn(); p6 != nil {
		_ = p6.SetHopLimit(s.pinger.TTL)
	}
}

func (s *session) send(conn net.PacketConn, req *echoRequest, dst net.Addr) error {
	data, err := req.marshal(time.Now())
	if err != nil {
		s.emit(model.ProbeSendFailed, "", err)
		return err
	}
	if _, err := conn.WriteTo(data, dst); err != nil {
		err = fmt.Errorf("%w: %s", errCannotWrite, err)
		s.emit(model.ProbeSendFailed, "", err)
		return err
	}
	s.emit(model.ProbeSent, "", nil)
	return nil
}

func (s *session) recvLoop(conn net.PacketConn, req *echoRequest) error {
	// Start by waiting for 100 µs, and increment until a 10e3 multiplier
	backoff := newExpBackoff(100*time.Microsecond, 10)
	delay := backoff.Get()
	buf := make([]byte, 1500)

	for {
		if s.stopped() {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(delay)); err != nil {
			return s.fail(fmt.Errorf("%w: %s", errCannotSetReadDeadline, err))
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				delay = backoff.Get()
				continue
			}
			if s.stopped() {
				return nil
			}
			return s.fail(fmt.Errorf("%w: %s", errCannotRead, err))
		}
		sentAt, err := req.matchReply(buf[:n], s.pinger.Privileged)
		switch {
		case err == nil:
			s.pinger.logger.Debugf("ping: reply from %s: icmp_seq=%d time=%.3f ms",
				s.hostname, req.seq, time.Since(sentAt).Seconds()*1e3)
			s.emit(model.ProbeReceived, "", nil)
			return nil
		case errors.Is(err, errNotOurs):
			continue
		default:
			s.emit(model.ProbeUnexpectedPacket, "", err)
			return err
		}
	}
}

func (s *session) fail(err error) error {
	s.emit(model.ProbeFailed, "", err)
	return err
}

type expBackoff struct {
	baseDelay time.Duration
	maxExp    int64
	c         int64
}

func (b *expBackoff) Get() time.Duration {
	if b.c < b.maxExp {
		b.c++
	}
	r, err := rand.Int(rand.Reader, big.NewInt(1<<b.c))
	if err != nil {
		r = big.NewInt(b.c)
	}

	return b.baseDelay * time.Duration(r.Uint64()+1)
}

func newExpBackoff(baseDelay time.Duration, maxExp int64) expBackoff {
	return expBackoff{baseDelay: baseDelay, maxExp: maxExp}
}

func randomID() (int, error) {
	b, err := bytesx.GenRandomBytes(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}
