package pool

import (
	"sync"
	"time"

	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/golly/lifecycle"
)

// MaintenanceRunner is implemented by anything the shared evictor
// scheduler (C8) can drive periodically: a single ObjectPool or a whole
// KeyedObjectPool.
type MaintenanceRunner interface {
	Evict()
	EnsureMinIdle()
}

type schedulerTask struct {
	runner   MaintenanceRunner
	interval time.Duration
	stop     chan struct{}
}

// evictorScheduler is the single process-wide background scheduler from
// §4.8/§9: the first registered task starts it, the last cancelled task
// stops it. It is modeled as an oss.nandlabs.io/golly/lifecycle.Component
// so a host application that manages its other services through a
// lifecycle.ComponentManager can observe/start/stop pool maintenance the
// same way.
type evictorScheduler struct {
	mu        sync.Mutex
	tasks     map[interface{}]*schedulerTask
	component *lifecycle.SimpleComponent
}

func newEvictorScheduler() *evictorScheduler {
	s := &evictorScheduler{tasks: make(map[interface{}]*schedulerTask)}
	s.component = &lifecycle.SimpleComponent{
		CompId: "gopool.shared-evictor",
		StartFunc: func() error {
			l3.Get().Debug("gopool: shared evictor scheduler started")
			return nil
		},
		StopFunc: func() error {
			l3.Get().Debug("gopool: shared evictor scheduler stopped")
			return nil
		},
	}
	return s
}

// sharedEvictorScheduler is the one scheduler instance for the process.
var sharedEvictorScheduler = newEvictorScheduler()

// Register (re-)registers a periodic maintenance task for key, running
// runner.Evict() then runner.EnsureMinIdle() every interval. Passing a
// non-positive interval is equivalent to Deregister. Re-registering an
// existing key cancels the old ticker before starting the new one, per
// §4.8's "changing timeBetweenEvictionRuns cancels and re-registers".
func (s *evictorScheduler) Register(key interface{}, runner MaintenanceRunner, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok {
		close(existing.stop)
		delete(s.tasks, key)
		s.stopIfEmptyLocked()
	}

	if interval <= 0 {
		return
	}

	if len(s.tasks) == 0 {
		if err := s.component.Start(); err != nil {
			l3.Get().ErrorF("gopool: failed to start shared evictor scheduler: %v", err)
		}
	}

	task := &schedulerTask{runner: runner, interval: interval, stop: make(chan struct{})}
	s.tasks[key] = task
	go s.run(task)
}

// Deregister cancels key's periodic task, if any.
func (s *evictorScheduler) Deregister(key interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[key]; ok {
		close(existing.stop)
		delete(s.tasks, key)
	}
	s.stopIfEmptyLocked()
}

func (s *evictorScheduler) stopIfEmptyLocked() {
	if len(s.tasks) == 0 {
		if err := s.component.Stop(); err != nil {
			l3.Get().ErrorF("gopool: failed to stop shared evictor scheduler: %v", err)
		}
	}
}

func (s *evictorScheduler) run(task *schedulerTask) {
	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()
	for {
		select {
		case <-task.stop:
			return
		case <-ticker.C:
			s.runOnce(task.runner)
		}
	}
}

// runOnce runs one maintenance tick, swallowing and logging any panic
// from a misbehaving user-supplied eviction policy or factory so it can
// never kill the scheduler goroutine (§4.8: "protect against such an
// exception killing the eviction thread").
func (s *evictorScheduler) runOnce(runner MaintenanceRunner) {
	defer func() {
		if r := recover(); r != nil {
			l3.Get().ErrorF("gopool: maintenance task panicked: %v", r)
		}
	}()
	runner.Evict()
	runner.EnsureMinIdle()
}
