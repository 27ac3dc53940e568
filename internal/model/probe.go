package model

import (
	"context"
	"fmt"
	"time"

	"github.com/ooni/minispeed/internal/optional"
)

// ProbeResult is the outcome of probing one candidate.
type ProbeResult struct {
	Hostname      string                 `json:"hostname"`
	Port          string                 `json:"port"`
	RTTMillis     float64                `json:"rtt_ms"`
	OK            bool                   `json:"ok"`
	FailureReason optional.Value[string] `json:"failure"`
}

// ProbeEventKind enumerates the lifecycle events of an ICMP probe.
type ProbeEventKind int

const (
	// ProbeStarted carries the resolved peer address.
	ProbeStarted = ProbeEventKind(iota)

	// ProbeSent means the echo request left the host.
	ProbeSent

	// ProbeReceived means the matching echo reply arrived.
	ProbeReceived

	// ProbeSendFailed means the echo request could not be written.
	ProbeSendFailed

	// ProbeUnexpectedPacket means we read something that is not our reply.
	ProbeUnexpectedPacket

	// ProbeFailed means the probe could not proceed (resolve, socket, read).
	ProbeFailed
)

var _ fmt.Stringer = ProbeEventKind(0)

// String implements fmt.Stringer.
func (k ProbeEventKind) String() string {
	switch k {
	case ProbeStarted:
		return "started"
	case ProbeSent:
		return "sent"
	case ProbeReceived:
		return "received"
	case ProbeSendFailed:
		return "send_failed"
	case ProbeUnexpectedPacket:
		return "unexpected_packet"
	case ProbeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns whether no further events are meaningful after k.
func (k ProbeEventKind) IsTerminal() bool {
	switch k {
	case ProbeReceived, ProbeSendFailed, ProbeUnexpectedPacket, ProbeFailed:
		return true
	default:
		return false
	}
}

// ProbeEvent is one event emitted by an [ICMPSession].
type ProbeEvent struct {
	Kind ProbeEventKind

	// PeerAddress is only set for [ProbeStarted].
	PeerAddress string

	// At is when the event happened.
	At time.Time

	// Err explains failures.
	Err error
}

// ICMPSession is a running single-echo probe.
type ICMPSession interface {
	// Events returns the event stream. The channel is closed once the
	// session is torn down.
	Events() <-chan ProbeEvent

	// Stop tears down the session. It is safe to call more than once.
	Stop()
}

// ICMPProber starts ICMP probes.
type ICMPProber interface {
	StartProbe(ctx context.Context, hostname string) (ICMPSession, error)
}
