package model

import (
	"sync/atomic"
	"time"

	"github.com/ooni/minispeed/internal/optional"
)

// Stage is the stage of a measurement run.
type Stage int

const (
	// StageError means the run hit a fatal error.
	StageError = Stage(iota) - 1

	// StageUndef is the undefined stage.
	StageUndef

	// StageToken means we're acquiring the test token.
	StageToken

	// StageIPInfo means we're looking up the client IP record.
	StageIPInfo

	// StageServers means we're fetching the candidate list.
	StageServers

	// StageRanking means we're ordering candidates by distance.
	StageRanking

	// StageSelection means we're probing candidates.
	StageSelection

	// StageThroughput means we're downloading samples.
	StageThroughput

	// StageDone means the run is over.
	StageDone
)

// String maps a [Stage] to a string.
func (s Stage) String() string {
	switch s {
	case StageUndef:
		return "undef"
	case StageToken:
		return "token"
	case StageIPInfo:
		return "ip_info"
	case StageServers:
		return "servers"
	case StageRanking:
		return "ranking"
	case StageSelection:
		return "selection"
	case StageThroughput:
		return "throughput"
	case StageDone:
		return "done"
	case StageError:
		return "error"
	default:
		return "invalid"
	}
}

// CancelSignal is a cooperative cancellation token. Implementations must
// be safe to read from any goroutine.
type CancelSignal interface {
	Stopped() bool
}

// NeverCancel is a [CancelSignal] that is never signaled.
type NeverCancel struct{}

func (NeverCancel) Stopped() bool { return false }

// TestSession owns the lifetime of one run. Only the cancelled flag may be
// touched from outside the run.
type TestSession struct {
	ID             string
	Token          string
	SelectedServer optional.Value[string]
	StartedAt      time.Time

	cancelled atomic.Bool
}

var _ CancelSignal = &TestSession{}

// NewTestSession creates a session started at the given time.
func NewTestSession(id string, startedAt time.Time) *TestSession {
	return &TestSession{
		ID:             id,
		SelectedServer: optional.None[string](),
		StartedAt:      startedAt,
	}
}

// Cancel requests the run to stop starting new work.
func (s *TestSession) Cancel() {
	s.cancelled.Store(true)
}

// Stopped implements [CancelSignal].
func (s *TestSession) Stopped() bool {
	return s.cancelled.Load()
}
