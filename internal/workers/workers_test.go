package workers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ooni/minispeed/internal/model"
)

func TestManagerLifecycle(t *testing.T) {
	logger := model.NewTestLogger()
	m := NewManager(logger)
	var exited atomic.Int32
	for i := 0; i < 3; i++ {
		m.StartWorker("worker", func() {
			<-m.ShouldShutdown()
			exited.Add(1)
		})
	}

	select {
	case <-m.ShouldShutdown():
		t.Fatal("shutdown should not be signaled yet")
	case <-time.After(10 * time.Millisecond):
	}

	m.StartShutdown()
	m.StartShutdown() // idempotent
	m.WaitWorkersShutdown()
	if exited.Load() != 3 {
		t.Fatalf("expected 3 workers to exit, got %d", exited.Load())
	}
	if !logger.Contains("worker: done") {
		t.Error("expected done to be logged")
	}
}

func TestWaitWithoutWorkers(t *testing.T) {
	m := NewManager(model.NewTestLogger())
	m.WaitWorkersShutdown()
}
