package model

// Sinks receives the progress of a run. Methods are called from a
// background goroutine, in order, and must not block for long.
type Sinks interface {
	// OnPing is called once a server has been selected.
	OnPing(rttMillis float64, provider string)

	// OnSpeed is called for every sample and, last, with the average.
	OnSpeed(mbps float64)

	// OnError is called with an "ERROR: ..." message.
	OnError(message string)

	// OnComplete is called exactly once when a run is over.
	OnComplete()
}

// NopSinks ignores everything.
type NopSinks struct{}

var _ Sinks = NopSinks{}

func (NopSinks) OnPing(float64, string) {}
func (NopSinks) OnSpeed(float64)        {}
func (NopSinks) OnError(string)         {}
func (NopSinks) OnComplete()            {}
