package pool

import "sync"

// erosionState tracks the per-pool (or per-key) bookkeeping the eroding
// formula in §4.7 needs: the historical peak idle count and the
// timestamp of the next scheduled shrink.
type erosionState struct {
	idleHighWaterMark int
	nextShrink        int64
}

// nextShrinkDelayMillis implements §4.7's formula:
//
//	nextShrink = now + minutes(15 + ((1-15)/idleHighWaterMark) * currentIdle) * factor * 60_000
//
// so a pool sitting at its historical peak idle count is due to shrink
// again in about a minute (scaled by factor), while a pool with nothing
// currently idle waits a full 15 minutes before reconsidering - there is
// nothing to erode in the meantime.
func nextShrinkDelayMillis(idleHighWaterMark, currentIdle int, factor float64) int64 {
	if idleHighWaterMark < 1 {
		idleHighWaterMark = 1
	}
	minutes := 15.0 + ((1.0-15.0)/float64(idleHighWaterMark))*float64(currentIdle)
	if minutes < 0 {
		minutes = 0
	}
	return int64(minutes * factor * 60000.0)
}

// ErodingObjectPool decorates an ObjectPool so that, under declining
// demand, returned instances are invalidated instead of re-pooled,
// shrinking the idle count adaptively (C7, §4.7). Factor < 1 shrinks
// more aggressively; factor > 1 shrinks more slowly.
type ErodingObjectPool struct {
	pool   *ObjectPool
	factor float64

	mu    sync.Mutex
	state erosionState
}

// NewErodingObjectPool wraps pool with eroding behavior at the given
// factor. factor must be > 0.
func NewErodingObjectPool(pool *ObjectPool, factor float64) *ErodingObjectPool {
	if factor <= 0 {
		factor = 1
	}
	return &ErodingObjectPool{pool: pool, factor: factor}
}

func (e *ErodingObjectPool) BorrowObject() (interface{}, error) {
	return e.pool.BorrowObject()
}

func (e *ErodingObjectPool) InvalidateObject(object interface{}) error {
	return e.pool.InvalidateObject(object)
}

func (e *ErodingObjectPool) GetNumIdle() int   { return e.pool.GetNumIdle() }
func (e *ErodingObjectPool) GetNumActive() int { return e.pool.GetNumActive() }
func (e *ErodingObjectPool) Close()            { e.pool.Close() }

// ReturnObject implements §4.7: under the pool's own lock discipline
// (ErodingObjectPool's own mutex stands in for "the pool's lock" here,
// since the decision only needs to be consistent with itself), if the
// shrink deadline has passed and at least one instance is already idle,
// the returned instance is invalidated rather than returned; the
// high-water mark and next deadline are then refreshed either way.
func (e *ErodingObjectPool) ReturnObject(object interface{}) error {
	now := currentTimeMillis()

	e.mu.Lock()
	idle := e.pool.GetNumIdle()
	if idle > e.state.idleHighWaterMark {
		e.state.idleHighWaterMark = idle
	}
	if e.state.nextShrink == 0 {
		e.state.nextShrink = now + nextShrinkDelayMillis(e.state.idleHighWaterMark, idle, e.factor)
	}
	shouldErode := now >= e.state.nextShrink && idle > 0
	e.mu.Unlock()

	var err error
	if shouldErode {
		err = e.pool.InvalidateObject(object)
	} else {
		err = e.pool.ReturnObject(object)
	}

	e.mu.Lock()
	idleAfter := e.pool.GetNumIdle()
	if idleAfter > e.state.idleHighWaterMark {
		e.state.idleHighWaterMark = idleAfter
	}
	e.state.nextShrink = currentTimeMillis() + nextShrinkDelayMillis(e.state.idleHighWaterMark, idleAfter, e.factor)
	e.mu.Unlock()

	return err
}

// ErodingKeyedObjectPool is the per-key counterpart of
// ErodingObjectPool, maintaining one erosionState per key.
type ErodingKeyedObjectPool struct {
	pool   *KeyedObjectPool
	factor float64

	mu     sync.Mutex
	states map[interface{}]*erosionState
}

// NewErodingKeyedObjectPool wraps pool with per-key eroding behavior.
func NewErodingKeyedObjectPool(pool *KeyedObjectPool, factor float64) *ErodingKeyedObjectPool {
	if factor <= 0 {
		factor = 1
	}
	return &ErodingKeyedObjectPool{pool: pool, factor: factor, states: make(map[interface{}]*erosionState)}
}

func (e *ErodingKeyedObjectPool) BorrowObject(key interface{}) (interface{}, error) {
	return e.pool.BorrowObject(key)
}

func (e *ErodingKeyedObjectPool) InvalidateObject(key, object interface{}) error {
	return e.pool.InvalidateObject(key, object)
}

func (e *ErodingKeyedObjectPool) GetNumIdle(key interface{}) int   { return e.pool.GetNumIdle(key) }
func (e *ErodingKeyedObjectPool) GetNumActive(key interface{}) int { return e.pool.GetNumActive(key) }
func (e *ErodingKeyedObjectPool) Close()                           { e.pool.Close() }

func (e *ErodingKeyedObjectPool) stateFor(key interface{}) *erosionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[key]
	if !ok {
		s = &erosionState{}
		e.states[key] = s
	}
	return s
}

// ReturnObject applies §4.7's erosion decision independently per key.
func (e *ErodingKeyedObjectPool) ReturnObject(key, object interface{}) error {
	now := currentTimeMillis()
	s := e.stateFor(key)

	e.mu.Lock()
	idle := e.pool.GetNumIdle(key)
	if idle > s.idleHighWaterMark {
		s.idleHighWaterMark = idle
	}
	if s.nextShrink == 0 {
		s.nextShrink = now + nextShrinkDelayMillis(s.idleHighWaterMark, idle, e.factor)
	}
	shouldErode := now >= s.nextShrink && idle > 0
	e.mu.Unlock()

	var err error
	if shouldErode {
		err = e.pool.InvalidateObject(key, object)
	} else {
		err = e.pool.ReturnObject(key, object)
	}

	e.mu.Lock()
	idleAfter := e.pool.GetNumIdle(key)
	if idleAfter > s.idleHighWaterMark {
		s.idleHighWaterMark = idleAfter
	}
	s.nextShrink = currentTimeMillis() + nextShrinkDelayMillis(s.idleHighWaterMark, idleAfter, e.factor)
	e.mu.Unlock()

	return err
}
