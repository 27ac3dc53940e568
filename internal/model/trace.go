package model

import "time"

// Tracer collects a timeline of a run. A Tracer can be passed through
// the configuration and is propagated to every component that has an
// event to register.
type Tracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStageChange is called for each stage transition.
	OnStageChange(stage Stage)

	// OnProbe is called after each latency probe.
	OnProbe(result ProbeResult)

	// OnServerSelected is called when selection produced a winner.
	OnServerSelected(server SelectedServer)

	// OnSample is called after each completed download.
	OnSample(sample SampleMeasurement)
}

// DummyTracer is a no-op implementation of [Tracer] that does nothing
// but can be safely passed as a default implementation.
type DummyTracer struct{}

// TimeNow allows to manipulate time for deterministic tests.
func (dt DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStageChange is called for each stage transition.
func (dt DummyTracer) OnStageChange(Stage) {}

// OnProbe is called after each latency probe.
func (dt DummyTracer) OnProbe(ProbeResult) {}

// OnServerSelected is called when selection produced a winner.
func (dt DummyTracer) OnServerSelected(SelectedServer) {}

// OnSample is called after each completed download.
func (dt DummyTracer) OnSample(SampleMeasurement) {}

// Assert that DummyTracer implements [Tracer].
var _ Tracer = DummyTracer{}
