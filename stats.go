package pool

import "sync"

// statsWindowSize matches §3's "rolling windows (size 100)".
const statsWindowSize = 100

// rollingWindow is a fixed-size ring buffer of recent millisecond
// measurements, used for the active/idle/wait-time statistics.
type rollingWindow struct {
	mu     sync.Mutex
	values [statsWindowSize]int64
	count  int
	next   int
	sum    int64
}

func (w *rollingWindow) add(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == statsWindowSize {
		w.sum -= w.values[w.next]
	} else {
		w.count++
	}
	w.values[w.next] = v
	w.sum += v
	w.next = (w.next + 1) % statsWindowSize
}

func (w *rollingWindow) mean() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	return w.sum / int64(w.count)
}

// poolStats aggregates the observability surface described in §6:
// counters, rolling means, and the all-time max borrow wait.
type poolStats struct {
	createdTotal             intCounter
	destroyedTotal           intCounter
	destroyedByEvictor       intCounter
	destroyedByValidation    intCounter
	borrowedTotal            intCounter
	returnedTotal            intCounter
	maxBorrowWaitMillis      int64
	maxBorrowWaitMu          sync.Mutex
	activeTimes              rollingWindow
	idleTimes                rollingWindow
	waitTimes                rollingWindow
}

type intCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *intCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *intCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (s *poolStats) recordBorrow(waitMillis int64) {
	s.borrowedTotal.inc()
	s.waitTimes.add(waitMillis)
	s.maxBorrowWaitMu.Lock()
	if waitMillis > s.maxBorrowWaitMillis {
		s.maxBorrowWaitMillis = waitMillis
	}
	s.maxBorrowWaitMu.Unlock()
}

func (s *poolStats) recordReturn(activeTimeMillis int64) {
	s.returnedTotal.inc()
	s.activeTimes.add(activeTimeMillis)
}

func (s *poolStats) recordCreated() {
	s.createdTotal.inc()
}

func (s *poolStats) recordDestroyed() {
	s.destroyedTotal.inc()
}

func (s *poolStats) recordDestroyedByEvictor() {
	s.destroyedByEvictor.inc()
}

func (s *poolStats) recordDestroyedByValidation() {
	s.destroyedByValidation.inc()
}

// MaxBorrowWaitMillis returns the largest wait time ever recorded by a
// borrow on this pool.
func (s *poolStats) MaxBorrowWaitMillis() int64 {
	s.maxBorrowWaitMu.Lock()
	defer s.maxBorrowWaitMu.Unlock()
	return s.maxBorrowWaitMillis
}

// PoolStatsSnapshot is the read-only view of poolStats exposed through
// ObjectPool.Stats()/KeyedObjectPool.Stats().
type PoolStatsSnapshot struct {
	CreatedTotal          int64
	DestroyedTotal        int64
	DestroyedByEvictor    int64
	DestroyedByValidation int64
	BorrowedTotal         int64
	ReturnedTotal         int64
	MeanActiveTimeMillis  int64
	MeanIdleTimeMillis    int64
	MeanWaitTimeMillis    int64
	MaxBorrowWaitMillis   int64
}

func (s *poolStats) snapshot() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		CreatedTotal:          s.createdTotal.get(),
		DestroyedTotal:        s.destroyedTotal.get(),
		DestroyedByEvictor:    s.destroyedByEvictor.get(),
		DestroyedByValidation: s.destroyedByValidation.get(),
		BorrowedTotal:         s.borrowedTotal.get(),
		ReturnedTotal:         s.returnedTotal.get(),
		MeanActiveTimeMillis:  s.activeTimes.mean(),
		MeanIdleTimeMillis:    s.idleTimes.mean(),
		MeanWaitTimeMillis:    s.waitTimes.mean(),
		MaxBorrowWaitMillis:   s.MaxBorrowWaitMillis(),
	}
}
