package pool

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/arcbound/gopool/collections"
)

// PooledObjectState is the state tag of a PooledObject, per §3/§4.2.
type PooledObjectState int

const (
	// Idle: the entry is sitting in the idle deque, available to borrow.
	Idle PooledObjectState = iota
	// Allocated: the entry is currently checked out by a client.
	Allocated
	// Evicting: the evictor has pulled this entry out for inspection.
	Evicting
	// EvictingReturnToHead: a concurrent Allocate raced an eviction test;
	// the evictor must re-insert the entry at the head of the idle deque
	// on completion instead of discarding it.
	EvictingReturnToHead
	// Validating: a validate() call is in flight for this entry.
	Validating
	// Invalid: terminal; the entry is being (or has been) destroyed.
	Invalid
	// Abandoned: terminal; the entry outlived its last-use timeout while
	// Allocated and was reclaimed by the abandoned-object tracker.
	Abandoned
	// Returning: the entry is mid-return (passivate/validate in flight)
	// so it cannot be flagged abandoned by a concurrent maintenance pass.
	Returning
)

func (s PooledObjectState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Allocated:
		return "ALLOCATED"
	case Evicting:
		return "EVICTION"
	case EvictingReturnToHead:
		return "EVICTION_RETURN_TO_HEAD"
	case Validating:
		return "VALIDATION"
	case Invalid:
		return "INVALID"
	case Abandoned:
		return "ABANDONED"
	case Returning:
		return "RETURNING"
	default:
		return "UNKNOWN"
	}
}

// TrackedUse is an optional capability a pooled instance can expose so
// the abandoned-object tracker reads usage straight from the instance
// instead of relying solely on the entry's own bookkeeping (§6).
type TrackedUse interface {
	// GetLastUsed returns the instance's own notion of its last-used
	// time, in epoch milliseconds.
	GetLastUsed() int64
}

// PooledObject wraps one instance produced by a factory, tracking its
// state and timestamps. All transitions are serialized under lock (§3).
type PooledObject struct {
	Object interface{}

	lock  sync.Mutex
	state PooledObjectState

	createTime     int64
	lastBorrowTime int64
	lastUseTime    int64
	lastReturnTime int64
	borrowCount    int64

	logAbandoned    bool
	requireFullTrace bool
	borrowedByTrace string
	usedByTrace     string
}

// NewPooledObject wraps obj fresh out of the factory's MakeObject, in
// the Idle state with all timestamps set to now.
func NewPooledObject(obj interface{}) *PooledObject {
	now := currentTimeMillis()
	return &PooledObject{
		Object:         obj,
		state:          Idle,
		createTime:     now,
		lastBorrowTime: now,
		lastUseTime:    now,
		lastReturnTime: now,
	}
}

// Allocate transitions Idle -> Allocated (or Evicting -> EvictingReturnToHead),
// stamping borrow/use time and incrementing the borrow count. It returns
// true only if the entry was Idle; any other starting state signals the
// caller to try a different candidate (§4.2).
func (p *PooledObject) Allocate() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch p.state {
	case Idle:
		p.state = Allocated
		now := currentTimeMillis()
		p.lastBorrowTime = now
		p.lastUseTime = now
		p.borrowCount++
		if p.logAbandoned {
			p.borrowedByTrace = captureCallSite(p.requireFullTrace)
		}
		return true
	case Evicting:
		p.state = EvictingReturnToHead
		return false
	default:
		return false
	}
}

// Deallocate transitions Allocated/Returning -> Idle, stamping the
// return time. It returns false if the entry was not in a returnable
// state (already idle, invalid, or abandoned - a double return).
func (p *PooledObject) Deallocate() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch p.state {
	case Allocated, Returning:
		p.state = Idle
		p.lastReturnTime = currentTimeMillis()
		return true
	default:
		return false
	}
}

// MarkReturning flags the entry Returning, keeping a concurrent
// maintenance sweep from marking it abandoned mid-return.
func (p *PooledObject) MarkReturning() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.state = Returning
}

// Invalidate transitions the entry to the terminal Invalid state.
func (p *PooledObject) Invalidate() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.state = Invalid
}

// invalidate is the lock-free variant, used when the caller already
// holds p.lock (Go has no recursive mutex).
func (p *PooledObject) invalidate() {
	p.state = Invalid
}

// markAbandoned transitions Allocated -> Abandoned. Caller must hold
// p.lock.
func (p *PooledObject) markAbandoned() {
	p.state = Abandoned
}

// StartEvictionTest transitions Idle -> Evicting, returning true only if
// the entry was Idle (i.e. not concurrently borrowed).
func (p *PooledObject) StartEvictionTest() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state == Idle {
		p.state = Evicting
		return true
	}
	return false
}

// EndEvictionTest transitions Evicting -> Idle, or
// EvictingReturnToHead -> Idle with re-insertion at the head of idle,
// per §4.2. It returns true unless the entry ended up in an unexpected
// state (which the caller should treat as already handled elsewhere).
func (p *PooledObject) EndEvictionTest(idle *collections.LinkedBlockingDeque) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch p.state {
	case Evicting:
		p.state = Idle
		return true
	case EvictingReturnToHead:
		p.state = Idle
		idle.AddFirst(p)
		return true
	default:
		return false
	}
}

// Use records a client-reported use of the instance, refreshing
// lastUseTime without otherwise changing state. Optional - clients that
// never call it still get coarse-grained coverage from Allocate/Deallocate.
func (p *PooledObject) Use() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.lastUseTime = currentTimeMillis()
	if p.logAbandoned {
		p.usedByTrace = captureCallSite(p.requireFullTrace)
	}
}

// UsedCallSite returns the captured call-site string for the most
// recent Use() call, if abandoned-object tracing is enabled. Distinct
// from BorrowedCallSite: it names where the instance was last reported
// used, not where it was checked out.
func (p *PooledObject) UsedCallSite() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.usedByTrace
}

// EnableAbandonedTracking configures borrow call-site capture, invoked
// by the pool when an AbandonedConfig with LogAbandoned is active.
func (p *PooledObject) EnableAbandonedTracking(requireFullTrace bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.logAbandoned = true
	p.requireFullTrace = requireFullTrace
}

// GetLastUsedTime returns the later of the entry's own lastUseTime and,
// if the wrapped instance implements TrackedUse, the instance's own
// report (§6).
func (p *PooledObject) GetLastUsedTime() int64 {
	p.lock.Lock()
	last := p.lastUseTime
	p.lock.Unlock()
	return p.maxWithTrackedUse(last)
}

// getLastUsedTimeLocked is the same computation for a caller that
// already holds p.lock (Go's sync.Mutex is not reentrant).
func (p *PooledObject) getLastUsedTimeLocked() int64 {
	return p.maxWithTrackedUse(p.lastUseTime)
}

func (p *PooledObject) maxWithTrackedUse(last int64) int64 {
	if tu, ok := p.Object.(TrackedUse); ok {
		if instanceLast := tu.GetLastUsed(); instanceLast > last {
			return instanceLast
		}
	}
	return last
}

// GetActiveTimeMillis returns how long the entry has been checked out:
// from the last borrow to the last return once returned, or from the
// last borrow to now while it is still out.
func (p *PooledObject) GetActiveTimeMillis() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.lastReturnTime > p.lastBorrowTime {
		return p.lastReturnTime - p.lastBorrowTime
	}
	return elapsedSinceMillis(p.lastBorrowTime)
}

// GetIdleTimeMillis returns how long the entry has been sitting idle,
// clamped to zero if the clock went backward (§4.4).
func (p *PooledObject) GetIdleTimeMillis() int64 {
	p.lock.Lock()
	ret := p.lastReturnTime
	p.lock.Unlock()
	return elapsedSinceMillis(ret)
}

// GetCreateTime returns the entry's creation timestamp in epoch millis.
func (p *PooledObject) GetCreateTime() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.createTime
}

// GetBorrowedCount returns the number of times this entry has been
// allocated over its lifetime.
func (p *PooledObject) GetBorrowedCount() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.borrowCount
}

// GetState returns the current state under lock.
func (p *PooledObject) GetState() PooledObjectState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// BorrowedCallSite returns the captured call-site string for the
// current/most-recent borrow, if abandoned-object tracing is enabled.
func (p *PooledObject) BorrowedCallSite() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.borrowedByTrace
}

func (p *PooledObject) String() string {
	return fmt.Sprintf("PooledObject{object=%v, state=%s}", p.Object, p.GetState())
}

// captureCallSite walks the stack to find the first frame outside this
// package, approximating the borrower's call site for abandoned-object
// diagnostics.
func captureCallSite(fullTrace bool) string {
	if fullTrace {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		return string(buf[:n])
	}
	pc := make([]uintptr, 16)
	n := runtime.Callers(2, pc)
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if !isPoolFrame(frame.Function) {
			return fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return "unknown call site"
}

func isPoolFrame(fn string) bool {
	return len(fn) >= len("github.com/arcbound/gopool") &&
		fn[:len("github.com/arcbound/gopool")] == "github.com/arcbound/gopool"
}
