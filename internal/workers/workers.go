// Package workers contains code to manage background goroutines.
package workers

import (
	"sync"

	"github.com/ooni/minispeed/internal/model"
)

// Manager coordinates the lifecycles of the goroutines running a
// measurement. The zero value is invalid; use [NewManager].
type Manager struct {
	// logger is used to trace workers starting and stopping.
	logger model.Logger

	// shouldShutdown is closed to signal all workers to shut down.
	shouldShutdown chan any

	// shutdownOnce ensures we close shouldShutdown once.
	shutdownOnce sync.Once

	// wg tracks the running workers.
	wg *sync.WaitGroup
}

// NewManager creates a new manager.
func NewManager(logger model.Logger) *Manager {
	return &Manager{
		logger:         logger,
		shouldShutdown: make(chan any),
		shutdownOnce:   sync.Once{},
		wg:             &sync.WaitGroup{},
	}
}

// StartWorker starts a named worker in a background goroutine. The
// manager takes care of marking the worker as done when fx returns.
func (m *Manager) StartWorker(name string, fx func()) {
	m.wg.Add(1)
	go func() {
		defer m.onWorkerDone(name)
		m.logger.Debugf("%s: started", name)
		fx()
	}()
}

func (m *Manager) onWorkerDone(name string) {
	m.logger.Debugf("%s: done", name)
	m.wg.Done()
}

// StartShutdown initiates the shutdown of all workers.
func (m *Manager) StartShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shouldShutdown)
	})
}

// ShouldShutdown returns the channel closed when workers should shut down.
func (m *Manager) ShouldShutdown() <-chan any {
	return m.shouldShutdown
}

// WaitWorkersShutdown blocks until all workers have shut down.
func (m *Manager) WaitWorkersShutdown() {
	m.wg.Wait()
}
