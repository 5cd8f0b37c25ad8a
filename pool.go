// Package pool implements a general-purpose object pool: a bounded
// container of expensive-to-create instances that client code borrows,
// uses, and returns (§1/§2). ObjectPool is the single-shape pool (C4);
// KeyedObjectPool (keyed_pool.go) generalizes it to one logical
// sub-pool per client-chosen key (C5).
package pool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcbound/gopool/collections"
	"github.com/arcbound/gopool/concurrent"
	"oss.nandlabs.io/golly/l3"
)

var poolSeq int64

// ObjectPool is the single-type pool shape described in §2/§4.4. All
// exported methods are safe for concurrent use by many goroutines.
type ObjectPool struct {
	AbandonedConfig *AbandonedConfig
	Config          *ObjectPoolConfig

	name          string
	closed        bool
	closeLock     sync.Mutex
	evictionLock  sync.Mutex

	idleObjects *collections.LinkedBlockingDeque
	allObjects  *collections.SyncIdentityMap
	factory     PooledObjectFactory

	createCount                      concurrent.AtomicInteger
	destroyedByEvictorCount          concurrent.AtomicInteger
	destroyedCount                   concurrent.AtomicInteger
	destroyedByBorrowValidationCount concurrent.AtomicInteger

	stats     poolStats
	swallowed swallowedErrors

	evictionIterator collections.Iterator
}

// NewObjectPool constructs a pool backed by factory, tuned by config.
// The evictor is started immediately if config.TimeBetweenEvictionRunsMillis
// is positive.
func NewObjectPool(factory PooledObjectFactory, config *ObjectPoolConfig) *ObjectPool {
	if config == nil {
		config = NewDefaultPoolConfig()
	}
	p := &ObjectPool{
		factory:     factory,
		Config:      config,
		idleObjects: collections.NewDeque(math.MaxInt32),
		allObjects:  collections.NewSyncMap(),
		name:        fmt.Sprintf("pool-%d", atomic.AddInt64(&poolSeq, 1)),
	}
	p.StartEvictor()
	return p
}

// NewObjectPoolWithDefaultConfig is a convenience constructor using
// NewDefaultPoolConfig.
func NewObjectPoolWithDefaultConfig(factory PooledObjectFactory) *ObjectPool {
	return NewObjectPool(factory, NewDefaultPoolConfig())
}

// Name returns the pool's registered name, used for observability
// (§6). Defaults to a generated "pool-N".
func (p *ObjectPool) Name() string { return p.name }

// SetName overrides the generated registered name.
func (p *ObjectPool) SetName(name string) { p.name = name }

// AddObject creates an instance, passivates it, and places it in the
// idle pool without handing it to any caller - useful for pre-loading
// (§4.4).
func (p *ObjectPool) AddObject() error {
	if p.IsClosed() {
		return NewPoolClosedErr("pool not open")
	}
	if p.factory == nil {
		return NewIllegalStatusErr("cannot add objects without a factory")
	}
	p.addIdleObject(p.create())
	return nil
}

func (p *ObjectPool) addIdleObject(entry *PooledObject) {
	if entry == nil {
		return
	}
	if err := p.factory.PassivateObject(entry); err != nil {
		p.swallowed.swallow("passivate", err)
		p.destroy(entry)
		return
	}
	if p.Config.Lifo {
		p.idleObjects.AddFirst(entry)
	} else {
		p.idleObjects.AddLast(entry)
	}
}

// BorrowObject obtains an instance from the pool, per §4.4. Instances
// returned here have been activated and, if TestOnBorrow/TestOnCreate
// require it, validated.
func (p *ObjectPool) BorrowObject() (interface{}, error) {
	return p.borrowObject(p.Config.MaxWaitMillis)
}

// BorrowObjectWithTimeout borrows with an explicit wait bound,
// overriding Config.MaxWaitMillis for this one call.
func (p *ObjectPool) BorrowObjectWithTimeout(maxWaitMillis int64) (interface{}, error) {
	return p.borrowObject(maxWaitMillis)
}

// GetNumIdle returns the number of instances currently idle.
func (p *ObjectPool) GetNumIdle() int {
	return p.idleObjects.Size()
}

// GetNumActive returns the number of instances currently borrowed.
func (p *ObjectPool) GetNumActive() int {
	return p.allObjects.Size() - p.idleObjects.Size()
}

// GetCreatedCount returns the lifetime count of instances created.
func (p *ObjectPool) GetCreatedCount() int { return int(p.stats.createdTotal.get()) }

// GetDestroyedCount returns the lifetime count of instances destroyed.
func (p *ObjectPool) GetDestroyedCount() int {
	return int(p.destroyedCount.Get())
}

// GetDestroyedByEvictorCount returns how many instances the evictor
// destroyed as stale idle entries.
func (p *ObjectPool) GetDestroyedByEvictorCount() int {
	return int(p.destroyedByEvictorCount.Get())
}

// GetDestroyedByBorrowValidationCount returns how many instances were
// destroyed because TestOnBorrow/TestOnCreate validation failed.
func (p *ObjectPool) GetDestroyedByBorrowValidationCount() int {
	return int(p.destroyedByBorrowValidationCount.Get())
}

// Stats returns a point-in-time snapshot of the pool's rolling
// statistics and counters (§6).
func (p *ObjectPool) Stats() PoolStatsSnapshot {
	return p.stats.snapshot()
}

// SwallowedErrors returns the factory errors §7 requires be suppressed
// rather than raised to the caller (destroy/passivate failures during
// Return/Close/Clear/eviction), most recent last.
func (p *ObjectPool) SwallowedErrors() []error {
	return p.swallowed.Errors()
}

func (p *ObjectPool) isAbandonedConfig() bool {
	return p.AbandonedConfig != nil
}

// removeAbandoned sweeps allObjects for Allocated entries whose last use
// predates the configured timeout, marking and destroying them (C6,
// §4.6).
func (p *ObjectPool) removeAbandoned(config *AbandonedConfig) {
	now := currentTimeMillis()
	timeout := now - int64(config.RemoveAbandonedTimeout)*1000
	var remove []*PooledObject
	for _, o := range p.allObjects.Values() {
		entry := o.(*PooledObject)
		entry.lock.Lock()
		if entry.state == Allocated && entry.getLastUsedTimeLocked() <= timeout {
			entry.markAbandoned()
			remove = append(remove, entry)
		}
		entry.lock.Unlock()
	}

	for _, entry := range remove {
		if config.LogAbandoned {
			l3.Get().WarnF("gopool: reclaiming abandoned object in pool %q, borrowed at: %s", p.name, entry.BorrowedCallSite())
		}
		p.doDestroyReason(entry, false, AbandonedReason)
	}
}

func (p *ObjectPool) create() *PooledObject {
	maxTotal := p.Config.MaxTotal
	newCreateCount := p.createCount.IncrementAndGet()
	if maxTotal > 0 && int(newCreateCount) > maxTotal || newCreateCount >= math.MaxInt32 {
		p.createCount.DecrementAndGet()
		return nil
	}

	entry, err := p.factory.MakeObject()
	if err != nil {
		p.createCount.DecrementAndGet()
		return nil
	}
	if p.isAbandonedConfig() && p.AbandonedConfig.LogAbandoned {
		entry.EnableAbandonedTracking(p.AbandonedConfig.RequireFullStackTrace)
	}
	p.allObjects.Put(entry.Object, entry)
	p.stats.recordCreated()
	return entry
}

func (p *ObjectPool) destroy(toDestroy *PooledObject) {
	p.doDestroyReason(toDestroy, false, Normal)
}

func (p *ObjectPool) doDestroyReason(toDestroy *PooledObject, inLock bool, reason DestroyReason) {
	if inLock {
		toDestroy.invalidate()
	} else {
		toDestroy.Invalidate()
	}
	p.idleObjects.RemoveFirstOccurrence(toDestroy)
	p.allObjects.Remove(toDestroy.Object)
	if err := p.factory.DestroyObject(toDestroy, reason); err != nil {
		p.swallowed.swallow("destroy", err)
	}
	p.destroyedCount.IncrementAndGet()
	p.stats.recordDestroyed()
	p.createCount.DecrementAndGet()
}

func (p *ObjectPool) borrowObject(borrowMaxWaitMillis int64) (interface{}, error) {
	if p.IsClosed() {
		return nil, NewPoolClosedErr("pool not open")
	}

	ac := p.AbandonedConfig
	if ac != nil && ac.RemoveAbandonedOnBorrow &&
		(p.GetNumIdle() < 2) &&
		(p.GetNumActive() > p.Config.MaxTotal-3) {
		p.removeAbandoned(ac)
	}

	var entry *PooledObject
	blockWhenExhausted := p.Config.BlockWhenExhausted
	waitStart := currentTimeMillis()
	var created bool

	for entry == nil {
		created = false
		entry, _ = p.idleObjects.PollFirst().(*PooledObject)
		if entry == nil {
			entry = p.create()
			if entry != nil {
				created = true
			}
		}

		if entry == nil {
			if !blockWhenExhausted {
				return nil, NewPoolExhaustedErr("pool exhausted")
			}
			var obj interface{}
			var err error
			if borrowMaxWaitMillis < 0 {
				obj, err = p.idleObjects.TakeFirst()
			} else {
				obj, err = p.idleObjects.PollFirstWithTimeout(time.Duration(borrowMaxWaitMillis) * time.Millisecond)
			}
			if err == collections.ErrTimeout {
				return nil, NewPoolExhaustedErr("timeout waiting for idle object")
			}
			if err == collections.ErrInterrupted {
				return nil, NewInterruptedErr("interrupted waiting for idle object")
			}
			if err != nil {
				return nil, err
			}
			var ok bool
			entry, ok = obj.(*PooledObject)
			if !ok {
				return nil, NewPoolExhaustedErr("timeout waiting for idle object")
			}
		}

		if !created {
			p.stats.idleTimes.add(entry.GetIdleTimeMillis())
		}

		if !entry.Allocate() {
			entry = nil
			continue
		}

		if err := p.factory.ActivateObject(entry); err != nil {
			p.destroy(entry)
			entry = nil
			if created {
				return nil, NewFactoryFailureErr("activate", err)
			}
			continue
		}

		if p.Config.TestOnBorrow || (created && p.Config.TestOnCreate) {
			if !p.factory.ValidateObject(entry) {
				p.destroy(entry)
				p.destroyedByBorrowValidationCount.IncrementAndGet()
				p.stats.recordDestroyedByValidation()
				entry = nil
				// A fresh instance failing TestOnBorrow is retried like an
				// idle one; only a TestOnCreate-only failure is surfaced.
				if created && !p.Config.TestOnBorrow {
					return nil, NewFactoryFailureErr("validate", fmt.Errorf("newly created object failed validation"))
				}
				continue
			}
		}
	}

	p.stats.recordBorrow(currentTimeMillis() - waitStart)
	return entry.Object, nil
}

// IsClosed reports whether Close has been called.
func (p *ObjectPool) IsClosed() bool {
	p.closeLock.Lock()
	defer p.closeLock.Unlock()
	return p.closed
}

// ReturnObject returns a previously borrowed instance to the pool
// (§4.4). Returning after Close destroys the instance silently, per
// §9's Open Question 1. Returning an instance this pool doesn't own, or
// one already idle, is reported as ForeignObjectErr/DoubleReturnErr;
// when an AbandonedConfig is set, an instance not in the pool is treated
// as already reclaimed and the call returns nil instead.
func (p *ObjectPool) ReturnObject(object interface{}) error {
	if object == nil {
		return NewForeignObjectErr("cannot return a nil object")
	}
	v := p.allObjects.Get(object)
	entry, ok := v.(*PooledObject)
	if !ok {
		if p.isAbandonedConfig() {
			return nil // already reclaimed as abandoned
		}
		return NewForeignObjectErr("returned object is not currently part of this pool")
	}

	entry.lock.Lock()
	if entry.state != Allocated {
		entry.lock.Unlock()
		return NewDoubleReturnErr("object has already been returned to this pool or is invalid")
	}
	entry.state = Returning
	entry.lock.Unlock()

	activeTime := entry.GetActiveTimeMillis()

	if p.Config.TestOnReturn {
		if !p.factory.ValidateObject(entry) {
			p.destroy(entry)
			p.ensureIdle(1, false)
			p.stats.recordReturn(activeTime)
			return nil
		}
	}

	if err := p.factory.PassivateObject(entry); err != nil {
		p.swallowed.swallow("passivate", err)
		p.destroy(entry)
		p.ensureIdle(1, false)
		p.stats.recordReturn(activeTime)
		return nil
	}

	if !entry.Deallocate() {
		return NewDoubleReturnErr("object has already been returned to this pool or is invalid")
	}

	maxIdle := p.Config.MaxIdle
	if p.IsClosed() || (maxIdle > -1 && maxIdle <= p.idleObjects.Size()) {
		p.destroy(entry)
	} else {
		if p.Config.Lifo {
			p.idleObjects.AddFirst(entry)
		} else {
			p.idleObjects.AddLast(entry)
		}
		if p.IsClosed() {
			// Pool closed while the object was being added to idle;
			// make sure it still gets destroyed instead of leaking.
			p.Clear()
		}
	}
	p.stats.recordReturn(activeTime)
	return nil
}

// Clear drains and destroys every idle instance. In-use instances are
// unaffected; a concurrently running Return still sees this pool as
// owning whatever it hasn't cleared yet (§9 Open Question 2).
func (p *ObjectPool) Clear() {
	for {
		entry, ok := p.idleObjects.PollFirst().(*PooledObject)
		if !ok {
			return
		}
		p.destroy(entry)
	}
}

// InvalidateObject marks a borrowed instance invalid and destroys it
// unconditionally - used when a caller determines (via an error, or
// otherwise) that the instance is no longer usable (§4.4).
func (p *ObjectPool) InvalidateObject(object interface{}) error {
	v := p.allObjects.Get(object)
	entry, ok := v.(*PooledObject)
	if !ok {
		if p.isAbandonedConfig() {
			return nil
		}
		return NewForeignObjectErr("invalidated object is not currently part of this pool")
	}
	entry.lock.Lock()
	if entry.state != Invalid {
		p.doDestroyReason(entry, true, Normal)
	}
	entry.lock.Unlock()
	p.ensureIdle(1, false)
	return nil
}

// Close idempotently shuts the pool down: stops the evictor, clears
// idle instances, and interrupts every blocked borrower. Subsequent
// Borrow/AddObject calls fail with PoolClosedErr; Return/Invalidate
// keep working (destroying rather than re-pooling), per §4.4.
func (p *ObjectPool) Close() {
	p.closeLock.Lock()
	if p.closed {
		p.closeLock.Unlock()
		return
	}
	p.closed = true
	p.closeLock.Unlock()

	sharedEvictorScheduler.Deregister(p)

	p.Clear()
	p.idleObjects.InterruptTakeWaiters()
}

// StartEvictor (re-)registers this pool's periodic maintenance with the
// shared evictor scheduler (C8) using the current
// Config.TimeBetweenEvictionRunsMillis. Call again after mutating that
// field to make the change take effect (§4.8).
func (p *ObjectPool) StartEvictor() {
	sharedEvictorScheduler.Register(p, p, time.Duration(p.Config.TimeBetweenEvictionRunsMillis)*time.Millisecond)
}

func (p *ObjectPool) getEvictionPolicy() EvictionPolicy {
	if p.Config.EvictionPolicy != nil {
		return p.Config.EvictionPolicy
	}
	if ep := GetEvictionPolicy(p.Config.EvictionPolicyName); ep != nil {
		return ep
	}
	return GetEvictionPolicy(DEFAULT_EVICTION_POLICY_NAME)
}

func (p *ObjectPool) getNumTests() int {
	n := p.Config.NumTestsPerEvictionRun
	idleSize := p.idleObjects.Size()
	if n >= 0 {
		if n < idleSize {
			return n
		}
		return idleSize
	}
	return int(math.Ceil(float64(idleSize) / math.Abs(float64(n))))
}

// EvictionIterator returns an iterator over the idle deque in the walk
// order §4.4 prescribes: LIFO walks old-to-new, FIFO walks head-to-tail.
func (p *ObjectPool) EvictionIterator() collections.Iterator {
	if p.Config.Lifo {
		return p.idleObjects.DescendingIterator()
	}
	return p.idleObjects.Iterator()
}

func (p *ObjectPool) getMinIdle() int {
	if p.Config.MinIdle > p.Config.MaxIdle && p.Config.MaxIdle >= 0 {
		return p.Config.MaxIdle
	}
	return p.Config.MinIdle
}

// Evict runs one maintenance pass: tests up to getNumTests() idle
// entries against the configured EvictionPolicy, destroying or
// revalidating them, then sweeps abandoned objects if configured to do
// so on maintenance (C3/C6, §4.4/§4.6). It implements MaintenanceRunner
// for the shared scheduler.
func (p *ObjectPool) Evict() {
	defer func() {
		if ac := p.AbandonedConfig; ac != nil && ac.RemoveAbandonedOnMaintenance {
			p.removeAbandoned(ac)
		}
	}()

	if p.idleObjects.Size() == 0 {
		return
	}

	evictionPolicy := p.getEvictionPolicy()
	p.evictionLock.Lock()
	defer p.evictionLock.Unlock()

	evictionConfig := EvictionConfig{
		IdleEvictTime:     p.Config.MinEvictableIdleTimeMillis,
		IdleSoftEvictTime: p.Config.SoftMinEvictableIdleTimeMillis,
		MinIdle:           p.Config.MinIdle,
	}

	testWhileIdle := p.Config.TestWhileIdle
	for i, m := 0, p.getNumTests(); i < m; i++ {
		if p.evictionIterator == nil || !p.evictionIterator.HasNext() {
			p.evictionIterator = p.EvictionIterator()
		}
		if !p.evictionIterator.HasNext() {
			return
		}

		underTest, _ := p.evictionIterator.Next().(*PooledObject)
		if underTest == nil {
			i--
			p.evictionIterator = nil
			continue
		}

		if !underTest.StartEvictionTest() {
			// Borrowed by another goroutine mid-walk; doesn't count.
			i--
			continue
		}

		if evictionPolicy.Evict(&evictionConfig, underTest, p.idleObjects.Size()) {
			p.destroy(underTest)
			p.destroyedByEvictorCount.IncrementAndGet()
			p.stats.recordDestroyedByEvictor()
			continue
		}

		if testWhileIdle {
			active := false
			if err := p.factory.ActivateObject(underTest); err == nil {
				active = true
			} else {
				p.destroy(underTest)
				p.destroyedByEvictorCount.IncrementAndGet()
				p.stats.recordDestroyedByEvictor()
			}
			if active {
				if !p.factory.ValidateObject(underTest) {
					p.destroy(underTest)
					p.destroyedByEvictorCount.IncrementAndGet()
					p.stats.recordDestroyedByEvictor()
				} else if err := p.factory.PassivateObject(underTest); err != nil {
					p.swallowed.swallow("passivate", err)
					p.destroy(underTest)
					p.destroyedByEvictorCount.IncrementAndGet()
					p.stats.recordDestroyedByEvictor()
				}
			}
		}
		underTest.EndEvictionTest(p.idleObjects)
	}
}

func (p *ObjectPool) ensureIdle(idleCount int, always bool) {
	if idleCount < 1 || p.IsClosed() || (!always && !p.idleObjects.HasTakeWaiters()) {
		return
	}

	for p.idleObjects.Size() < idleCount {
		entry := p.create()
		if entry == nil {
			break
		}
		if p.Config.Lifo {
			p.idleObjects.AddFirst(entry)
		} else {
			p.idleObjects.AddLast(entry)
		}
	}
	if p.IsClosed() {
		p.Clear()
	}
}

// EnsureMinIdle tops the idle deque up to Config.MinIdle, capped at
// MaxIdle, implementing MaintenanceRunner for the shared scheduler.
func (p *ObjectPool) EnsureMinIdle() {
	p.ensureIdle(p.getMinIdle(), true)
}

func (p *ObjectPool) preparePool() {
	if p.getMinIdle() < 1 {
		return
	}
	p.EnsureMinIdle()
}

// Prefill synchronously calls AddObject count times, useful to warm a
// freshly constructed pool before traffic arrives.
func Prefill(p *ObjectPool, count int) {
	for i := 0; i < count; i++ {
		_ = p.AddObject()
	}
}
