// Package tracex implements a measurement tracer that can be passed to the
// orchestrator to observe the timeline of a run.
package tracex

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/optional"
)

const (
	measurementEventStageChange = iota
	measurementEventProbe
	measurementEventServerSelected
	measurementEventSample
)

// MeasurementEventType indicates which event we logged.
type MeasurementEventType int

// Ensure that it implements the Stringer interface.
var _ fmt.Stringer = MeasurementEventType(0)

// String implements fmt.Stringer
func (e MeasurementEventType) String() string {
	switch e {
	case measurementEventStageChange:
		return "stage"
	case measurementEventProbe:
		return "probe"
	case measurementEventServerSelected:
		return "server_selected"
	case measurementEventSample:
		return "sample"
	default:
		return "unknown"
	}
}

// Event is a measurement event collected by this [model.Tracer].
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// Stage is the stage of the run we're in.
	Stage string `json:"stage"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// Probe is set for probe events.
	Probe optional.Value[model.ProbeResult] `json:"probe"`

	// Server is set when the server has been selected.
	Server optional.Value[model.SelectedServer] `json:"server"`

	// Sample is set for download samples.
	Sample optional.Value[model.SampleMeasurement] `json:"sample"`

	// TransactionID is an optional index identifying one particular run.
	TransactionID int64 `json:"transaction_id,omitempty"`
}

func newEvent(etype MeasurementEventType, st model.Stage, t time.Time, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype.String(),
		Stage:         st.String(),
		AtTime:        t.Sub(t0).Seconds(),
		Probe:         optional.None[model.ProbeResult](),
		Server:        optional.None[model.SelectedServer](),
		Sample:        optional.None[model.SampleMeasurement](),
		TransactionID: txid,
	}
}

// Tracer implements [model.Tracer].
type Tracer struct {
	// events is the array of measurement events.
	events []*Event

	// mu guards access to the events and the stage.
	mu sync.Mutex

	// stage is the last stage we were told about.
	stage model.Stage

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started a trace.
	zeroTime time.Time

	// timeNow is time.Now unless overridden by tests.
	timeNow func() time.Time
}

var _ model.Tracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
		timeNow:  time.Now,
	}
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier for a transaction, useful to tell apart repeated runs.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	return &Tracer{
		transactionID: txid,
		zeroTime:      start,
		timeNow:       time.Now,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return t.timeNow()
}

// OnStageChange is called for each stage transition.
func (t *Tracer) OnStageChange(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stage = stage
	e := newEvent(measurementEventStageChange, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	t.events = append(t.events, e)
}

// OnProbe is called after each latency probe.
func (t *Tracer) OnProbe(result model.ProbeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(measurementEventProbe, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Probe = optional.Some(result)
	t.events = append(t.events, e)
}

// OnServerSelected is called when selection produced a winner.
func (t *Tracer) OnServerSelected(server model.SelectedServer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(measurementEventServerSelected, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Server = optional.Some(server)
	t.events = append(t.events, e)
}

// OnSample is called after each completed download.
func (t *Tracer) OnSample(sample model.SampleMeasurement) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(measurementEventSample, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Sample = optional.Some(sample)
	t.events = append(t.events, e)
}

// Trace returns a structured log containing a copy of the array of [Event].
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event{}, t.events...)
}

// WriteJSON writes the trace as an indented JSON array.
func (t *Tracer) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Trace())
}
