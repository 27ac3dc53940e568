package model

import "errors"

var (
	// ErrTransport wraps network and parse failures of any fetch.
	ErrTransport = errors.New("transport error")

	// ErrProbe wraps a failed latency probe. It is never fatal.
	ErrProbe = errors.New("probe error")

	// ErrSelectionExhausted means no probed candidate answered.
	ErrSelectionExhausted = errors.New("no server responded to ping")

	// ErrNoAverage means no download sample completed.
	ErrNoAverage = errors.New("no data")

	// ErrNoLocation means neither a hint nor the IP record carried coordinates.
	ErrNoLocation = errors.New("cannot determine client location")

	// ErrAlreadyRunning is returned when a run is requested while another
	// one is active on the same orchestrator.
	ErrAlreadyRunning = errors.New("a test is already running")
)
