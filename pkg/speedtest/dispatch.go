package speedtest

import (
	"sync"

	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/workers"
)

// dispatcher delivers sink calls in order from a dedicated goroutine so
// that a slow sink never stalls the measurement.
type dispatcher struct {
	sinks   model.Sinks
	manager *workers.Manager

	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

var _ model.Sinks = &dispatcher{}

func newDispatcher(sinks model.Sinks, logger model.Logger) *dispatcher {
	d := &dispatcher{
		sinks:   sinks,
		manager: workers.NewManager(logger),
		notify:  make(chan struct{}, 1),
	}
	d.manager.StartWorker("speedtest: sinks", d.loop)
	return d
}

func (d *dispatcher) post(fx func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fx)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.notify:
			d.flush()
		case <-d.manager.ShouldShutdown():
			d.flush()
			return
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		pending := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(pending) <= 0 {
			return
		}
		for _, fx := range pending {
			fx()
		}
	}
}

// close delivers whatever is still queued and joins the goroutine.
func (d *dispatcher) close() {
	d.manager.StartShutdown()
	d.manager.WaitWorkersShutdown()
}

func (d *dispatcher) OnPing(rttMillis float64, provider string) {
	d.post(func() { d.sinks.OnPing(rttMillis, provider) })
}

func (d *dispatcher) OnSpeed(mbps float64) {
	d.post(func() { d.sinks.OnSpeed(mbps) })
}

func (d *dispatcher) OnError(message string) {
	d.post(func() { d.sinks.OnError(message) })
}

func (d *dispatcher) OnComplete() {
	d.post(d.sinks.OnComplete)
}
