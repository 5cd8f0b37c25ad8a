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

var keyedPoolSeq int64

// keyedSubPool is the per-key record described in §3: its own idle
// deque (and therefore its own FIFO-fair taker queue per §4.1/§4.5 -
// fairness within a key falls directly out of reusing C1 per key,
// rather than hand-rolling a separate sequence-token scheme), its own
// allObjects registry, and its own in-flight creation counter.
type keyedSubPool struct {
	idle        *collections.LinkedBlockingDeque
	allObjects  *collections.SyncIdentityMap
	createCount concurrent.AtomicInteger

	evictionMu       sync.Mutex
	evictionIterator collections.Iterator
}

func newKeyedSubPool() *keyedSubPool {
	return &keyedSubPool{
		idle:       collections.NewDeque(math.MaxInt32),
		allObjects: collections.NewSyncMap(),
	}
}

// KeyedObjectPool maintains one logically separate sub-pool per
// client-chosen key, sharing a global instance cap and a round-robin
// key cursor used to free capacity across keys (C5, §4.5).
type KeyedObjectPool struct {
	AbandonedConfig *AbandonedConfig
	Config          *KeyedObjectPoolConfig

	name      string
	factory   KeyedPooledObjectFactory
	closed    bool
	closeLock sync.Mutex

	poolsMu  sync.RWMutex
	pools    map[interface{}]*keyedSubPool
	keyOrder []interface{}
	cursor   int

	total concurrent.AtomicInteger // allObjects count, summed across every key

	destroyedCount                   concurrent.AtomicInteger
	destroyedByEvictorCount          concurrent.AtomicInteger
	destroyedByBorrowValidationCount concurrent.AtomicInteger

	stats     poolStats
	swallowed swallowedErrors
}

// NewKeyedObjectPool constructs a keyed pool backed by factory, tuned by
// config.
func NewKeyedObjectPool(factory KeyedPooledObjectFactory, config *KeyedObjectPoolConfig) *KeyedObjectPool {
	if config == nil {
		config = NewDefaultKeyedPoolConfig()
	}
	kp := &KeyedObjectPool{
		factory: factory,
		Config:  config,
		pools:   make(map[interface{}]*keyedSubPool),
		name:    fmt.Sprintf("keyed-pool-%d", atomic.AddInt64(&keyedPoolSeq, 1)),
	}
	kp.StartEvictor()
	return kp
}

func (kp *KeyedObjectPool) Name() string      { return kp.name }
func (kp *KeyedObjectPool) SetName(n string)  { kp.name = n }

// subPool returns the sub-pool for key, lazily creating and registering
// it in keyOrder (for the round-robin cursor) if this is the first time
// key has been seen.
func (kp *KeyedObjectPool) subPool(key interface{}) *keyedSubPool {
	kp.poolsMu.RLock()
	sp, ok := kp.pools[key]
	kp.poolsMu.RUnlock()
	if ok {
		return sp
	}

	kp.poolsMu.Lock()
	defer kp.poolsMu.Unlock()
	if sp, ok = kp.pools[key]; ok {
		return sp
	}
	sp = newKeyedSubPool()
	kp.pools[key] = sp
	kp.keyOrder = append(kp.keyOrder, key)
	return sp
}

func (kp *KeyedObjectPool) subPoolIfExists(key interface{}) *keyedSubPool {
	kp.poolsMu.RLock()
	defer kp.poolsMu.RUnlock()
	return kp.pools[key]
}

// destroyIdleFromOtherKey advances the round-robin cursor looking for a
// key other than exclude with at least one idle entry, destroys that
// entry, and reports success. Used to free global capacity for a new
// key's creation per §4.5/scenario 4.
func (kp *KeyedObjectPool) destroyIdleFromOtherKey(exclude interface{}) bool {
	kp.poolsMu.Lock()
	n := len(kp.keyOrder)
	if n == 0 {
		kp.poolsMu.Unlock()
		return false
	}
	order := make([]interface{}, n)
	copy(order, kp.keyOrder)
	start := kp.cursor
	kp.poolsMu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		k := order[idx]
		if k == exclude {
			continue
		}
		sp := kp.subPoolIfExists(k)
		if sp == nil {
			continue
		}
		if entry, ok := sp.idle.PollFirst().(*PooledObject); ok {
			kp.poolsMu.Lock()
			kp.cursor = (idx + 1) % n
			kp.poolsMu.Unlock()
			kp.destroyEntry(k, sp, entry, Normal)
			return true
		}
	}
	return false
}

func (kp *KeyedObjectPool) createObject(key interface{}, sp *keyedSubPool) *PooledObject {
	maxPerKey := kp.Config.MaxTotalPerKey
	newPerKey := sp.createCount.IncrementAndGet()
	if maxPerKey > 0 && int(newPerKey) > maxPerKey {
		sp.createCount.DecrementAndGet()
		return nil
	}

	maxTotal := kp.Config.MaxTotal
	if maxTotal > 0 {
		for int(kp.total.Get()) >= maxTotal {
			if !kp.destroyIdleFromOtherKey(key) {
				sp.createCount.DecrementAndGet()
				return nil
			}
		}
	}

	entry, err := kp.factory.MakeObject(key)
	if err != nil {
		sp.createCount.DecrementAndGet()
		return nil
	}
	if kp.isAbandonedConfig() && kp.AbandonedConfig.LogAbandoned {
		entry.EnableAbandonedTracking(kp.AbandonedConfig.RequireFullStackTrace)
	}
	sp.allObjects.Put(entry.Object, entry)
	kp.total.IncrementAndGet()
	kp.stats.recordCreated()
	return entry
}

func (kp *KeyedObjectPool) destroyEntry(key interface{}, sp *keyedSubPool, entry *PooledObject, reason DestroyReason) {
	entry.Invalidate()
	sp.idle.RemoveFirstOccurrence(entry)
	sp.allObjects.Remove(entry.Object)
	if err := kp.factory.DestroyObject(key, entry, reason); err != nil {
		kp.swallowed.swallow("destroy", err)
	}
	sp.createCount.DecrementAndGet()
	kp.total.DecrementAndGet()
	kp.destroyedCount.IncrementAndGet()
	kp.stats.recordDestroyed()
}

func (kp *KeyedObjectPool) isAbandonedConfig() bool { return kp.AbandonedConfig != nil }

// BorrowObject obtains an instance for key, creating one if the
// sub-pool's idle deque is empty and headroom (per-key and global)
// permits, otherwise blocking per Config.BlockWhenExhausted (§4.5).
func (kp *KeyedObjectPool) BorrowObject(key interface{}) (interface{}, error) {
	return kp.borrowObject(key, kp.Config.MaxWaitMillis)
}

// BorrowObjectWithTimeout borrows for key with an explicit wait bound.
func (kp *KeyedObjectPool) BorrowObjectWithTimeout(key interface{}, maxWaitMillis int64) (interface{}, error) {
	return kp.borrowObject(key, maxWaitMillis)
}

func (kp *KeyedObjectPool) borrowObject(key interface{}, maxWaitMillis int64) (interface{}, error) {
	if kp.IsClosed() {
		return nil, NewPoolClosedErr("keyed pool not open")
	}
	sp := kp.subPool(key)

	if ac := kp.AbandonedConfig; ac != nil && ac.RemoveAbandonedOnBorrow {
		kp.removeAbandoned(key, sp, ac)
	}

	blockWhenExhausted := kp.Config.BlockWhenExhausted
	waitStart := currentTimeMillis()
	var entry *PooledObject
	var created bool

	for entry == nil {
		created = false
		entry, _ = sp.idle.PollFirst().(*PooledObject)
		if entry == nil {
			entry = kp.createObject(key, sp)
			if entry != nil {
				created = true
			}
		}

		if entry == nil {
			if !blockWhenExhausted {
				return nil, NewPoolExhaustedErr("keyed pool exhausted for key")
			}
			var obj interface{}
			var err error
			if maxWaitMillis < 0 {
				obj, err = sp.idle.TakeFirst()
			} else {
				obj, err = sp.idle.PollFirstWithTimeout(time.Duration(maxWaitMillis) * time.Millisecond)
			}
			switch err {
			case collections.ErrTimeout:
				return nil, NewPoolExhaustedErr("timeout waiting for idle object for key")
			case collections.ErrInterrupted:
				return nil, NewInterruptedErr("interrupted waiting for idle object for key")
			}
			if err != nil {
				return nil, err
			}
			var ok bool
			entry, ok = obj.(*PooledObject)
			if !ok {
				return nil, NewPoolExhaustedErr("timeout waiting for idle object for key")
			}
		}

		if !created {
			kp.stats.idleTimes.add(entry.GetIdleTimeMillis())
		}

		if !entry.Allocate() {
			entry = nil
			continue
		}

		if err := kp.factory.ActivateObject(key, entry); err != nil {
			kp.destroyEntry(key, sp, entry, Normal)
			entry = nil
			if created {
				return nil, NewFactoryFailureErr("activate", err)
			}
			continue
		}

		if kp.Config.TestOnBorrow || (created && kp.Config.TestOnCreate) {
			if !kp.factory.ValidateObject(key, entry) {
				kp.destroyEntry(key, sp, entry, Normal)
				kp.destroyedByBorrowValidationCount.IncrementAndGet()
				kp.stats.recordDestroyedByValidation()
				entry = nil
				// A fresh instance failing TestOnBorrow is retried like an
				// idle one; only a TestOnCreate-only failure is surfaced.
				if created && !kp.Config.TestOnBorrow {
					return nil, NewFactoryFailureErr("validate", fmt.Errorf("newly created object failed validation"))
				}
				continue
			}
		}
	}

	kp.stats.recordBorrow(currentTimeMillis() - waitStart)
	return entry.Object, nil
}

// ReturnObject returns a previously borrowed instance for key.
func (kp *KeyedObjectPool) ReturnObject(key, object interface{}) error {
	if object == nil {
		return NewForeignObjectErr("cannot return a nil object")
	}
	sp := kp.subPoolIfExists(key)
	if sp == nil {
		return NewForeignObjectErr("returned object's key is not known to this pool")
	}
	entry, ok := sp.allObjects.Get(object).(*PooledObject)
	if !ok {
		if kp.isAbandonedConfig() {
			return nil
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

	if kp.Config.TestOnReturn {
		if !kp.factory.ValidateObject(key, entry) {
			kp.destroyEntry(key, sp, entry, Normal)
			kp.stats.recordReturn(activeTime)
			return nil
		}
	}

	if err := kp.factory.PassivateObject(key, entry); err != nil {
		kp.swallowed.swallow("passivate", err)
		kp.destroyEntry(key, sp, entry, Normal)
		kp.stats.recordReturn(activeTime)
		return nil
	}

	if !entry.Deallocate() {
		return NewDoubleReturnErr("object has already been returned to this pool or is invalid")
	}

	maxIdle := kp.Config.MaxIdle
	if kp.IsClosed() || (maxIdle > -1 && maxIdle <= sp.idle.Size()) {
		kp.destroyEntry(key, sp, entry, Normal)
	} else {
		if kp.Config.Lifo {
			sp.idle.AddFirst(entry)
		} else {
			sp.idle.AddLast(entry)
		}
		if kp.IsClosed() {
			kp.ClearAll()
		}
	}
	kp.stats.recordReturn(activeTime)
	return nil
}

// InvalidateObject marks a borrowed instance for key invalid and
// destroys it unconditionally.
func (kp *KeyedObjectPool) InvalidateObject(key, object interface{}) error {
	sp := kp.subPoolIfExists(key)
	if sp == nil {
		if kp.isAbandonedConfig() {
			return nil
		}
		return NewForeignObjectErr("invalidated object's key is not known to this pool")
	}
	entry, ok := sp.allObjects.Get(object).(*PooledObject)
	if !ok {
		if kp.isAbandonedConfig() {
			return nil
		}
		return NewForeignObjectErr("invalidated object is not currently part of this pool")
	}
	if entry.GetState() != Invalid {
		kp.destroyEntry(key, sp, entry, Normal)
	}
	return nil
}

// Clear drains and destroys the idle instances for key. If key has
// never been borrowed, Clear is a no-op.
func (kp *KeyedObjectPool) Clear(key interface{}) {
	sp := kp.subPoolIfExists(key)
	if sp == nil {
		return
	}
	for {
		entry, ok := sp.idle.PollFirst().(*PooledObject)
		if !ok {
			return
		}
		kp.destroyEntry(key, sp, entry, Normal)
	}
}

// ClearAll drains and destroys idle instances across every key.
func (kp *KeyedObjectPool) ClearAll() {
	kp.poolsMu.RLock()
	keys := make([]interface{}, len(kp.keyOrder))
	copy(keys, kp.keyOrder)
	kp.poolsMu.RUnlock()
	for _, k := range keys {
		kp.Clear(k)
	}
}

// IsClosed reports whether Close has been called.
func (kp *KeyedObjectPool) IsClosed() bool {
	kp.closeLock.Lock()
	defer kp.closeLock.Unlock()
	return kp.closed
}

// Close idempotently shuts the pool down across all keys.
func (kp *KeyedObjectPool) Close() {
	kp.closeLock.Lock()
	if kp.closed {
		kp.closeLock.Unlock()
		return
	}
	kp.closed = true
	kp.closeLock.Unlock()

	sharedEvictorScheduler.Deregister(kp)

	kp.ClearAll()

	kp.poolsMu.RLock()
	keys := make([]interface{}, len(kp.keyOrder))
	copy(keys, kp.keyOrder)
	kp.poolsMu.RUnlock()
	for _, k := range keys {
		if sp := kp.subPoolIfExists(k); sp != nil {
			sp.idle.InterruptTakeWaiters()
		}
	}
}

// GetNumIdle returns the idle count for key.
func (kp *KeyedObjectPool) GetNumIdle(key interface{}) int {
	sp := kp.subPoolIfExists(key)
	if sp == nil {
		return 0
	}
	return sp.idle.Size()
}

// GetNumActive returns the active (borrowed) count for key.
func (kp *KeyedObjectPool) GetNumActive(key interface{}) int {
	sp := kp.subPoolIfExists(key)
	if sp == nil {
		return 0
	}
	return sp.allObjects.Size() - sp.idle.Size()
}

// GetNumIdleAll returns the idle count summed across every key.
func (kp *KeyedObjectPool) GetNumIdleAll() int {
	kp.poolsMu.RLock()
	keys := make([]interface{}, len(kp.keyOrder))
	copy(keys, kp.keyOrder)
	kp.poolsMu.RUnlock()
	total := 0
	for _, k := range keys {
		total += kp.GetNumIdle(k)
	}
	return total
}

// GetNumActiveAll returns the active count summed across every key.
func (kp *KeyedObjectPool) GetNumActiveAll() int {
	return int(kp.total.Get()) - kp.GetNumIdleAll()
}

// GetCreatedCount returns the lifetime count of instances created across
// every key.
func (kp *KeyedObjectPool) GetCreatedCount() int { return int(kp.stats.createdTotal.get()) }

// GetDestroyedCount returns the lifetime count of instances destroyed
// across every key.
func (kp *KeyedObjectPool) GetDestroyedCount() int { return int(kp.destroyedCount.Get()) }

// GetDestroyedByEvictorCount returns how many instances the evictor
// destroyed as stale idle entries, across every key.
func (kp *KeyedObjectPool) GetDestroyedByEvictorCount() int {
	return int(kp.destroyedByEvictorCount.Get())
}

// GetDestroyedByBorrowValidationCount returns how many instances were
// destroyed because TestOnBorrow/TestOnCreate validation failed, across
// every key.
func (kp *KeyedObjectPool) GetDestroyedByBorrowValidationCount() int {
	return int(kp.destroyedByBorrowValidationCount.Get())
}

// Stats returns a point-in-time snapshot of pool-wide statistics.
func (kp *KeyedObjectPool) Stats() PoolStatsSnapshot { return kp.stats.snapshot() }

// SwallowedErrors returns suppressed factory failures, per §7.
func (kp *KeyedObjectPool) SwallowedErrors() []error { return kp.swallowed.Errors() }

func (kp *KeyedObjectPool) removeAbandoned(key interface{}, sp *keyedSubPool, config *AbandonedConfig) {
	now := currentTimeMillis()
	timeout := now - int64(config.RemoveAbandonedTimeout)*1000
	var remove []*PooledObject
	for _, o := range sp.allObjects.Values() {
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
			l3.Get().WarnF("gopool: reclaiming abandoned object in keyed pool %q key %v, borrowed at: %s", kp.name, key, entry.BorrowedCallSite())
		}
		kp.destroyEntry(key, sp, entry, AbandonedReason)
	}
}

// StartEvictor (re-)registers this pool's periodic maintenance with the
// shared evictor scheduler using the current
// Config.TimeBetweenEvictionRunsMillis.
func (kp *KeyedObjectPool) StartEvictor() {
	sharedEvictorScheduler.Register(kp, kp, time.Duration(kp.Config.TimeBetweenEvictionRunsMillis)*time.Millisecond)
}

func (kp *KeyedObjectPool) getEvictionPolicy() EvictionPolicy {
	if kp.Config.EvictionPolicy != nil {
		return kp.Config.EvictionPolicy
	}
	if ep := GetEvictionPolicy(kp.Config.EvictionPolicyName); ep != nil {
		return ep
	}
	return GetEvictionPolicy(DEFAULT_EVICTION_POLICY_NAME)
}

func (kp *KeyedObjectPool) getNumTests(sp *keyedSubPool) int {
	n := kp.Config.NumTestsPerEvictionRun
	idleSize := sp.idle.Size()
	if n >= 0 {
		if n < idleSize {
			return n
		}
		return idleSize
	}
	return int(math.Ceil(float64(idleSize) / math.Abs(float64(n))))
}

func (kp *KeyedObjectPool) evictionIterator(sp *keyedSubPool) collections.Iterator {
	if kp.Config.Lifo {
		return sp.idle.DescendingIterator()
	}
	return sp.idle.Iterator()
}

// Evict runs one maintenance pass over every known key's idle entries,
// implementing MaintenanceRunner for the shared scheduler (§4.5/§4.8).
func (kp *KeyedObjectPool) Evict() {
	kp.poolsMu.RLock()
	keys := make([]interface{}, len(kp.keyOrder))
	copy(keys, kp.keyOrder)
	kp.poolsMu.RUnlock()

	for _, k := range keys {
		kp.evictKey(k, kp.subPoolIfExists(k))
	}

	if ac := kp.AbandonedConfig; ac != nil && ac.RemoveAbandonedOnMaintenance {
		for _, k := range keys {
			if sp := kp.subPoolIfExists(k); sp != nil {
				kp.removeAbandoned(k, sp, ac)
			}
		}
	}
}

func (kp *KeyedObjectPool) evictKey(key interface{}, sp *keyedSubPool) {
	if sp == nil || sp.idle.Size() == 0 {
		return
	}

	evictionPolicy := kp.getEvictionPolicy()
	sp.evictionMu.Lock()
	defer sp.evictionMu.Unlock()

	evictionConfig := EvictionConfig{
		IdleEvictTime:     kp.Config.MinEvictableIdleTimeMillis,
		IdleSoftEvictTime: kp.Config.SoftMinEvictableIdleTimeMillis,
		MinIdle:           kp.Config.MinIdlePerKey,
	}

	testWhileIdle := kp.Config.TestWhileIdle
	for i, m := 0, kp.getNumTests(sp); i < m; i++ {
		if sp.evictionIterator == nil || !sp.evictionIterator.HasNext() {
			sp.evictionIterator = kp.evictionIterator(sp)
		}
		if !sp.evictionIterator.HasNext() {
			return
		}

		underTest, _ := sp.evictionIterator.Next().(*PooledObject)
		if underTest == nil {
			i--
			sp.evictionIterator = nil
			continue
		}
		if !underTest.StartEvictionTest() {
			i--
			continue
		}

		if evictionPolicy.Evict(&evictionConfig, underTest, sp.idle.Size()) {
			kp.destroyEntry(key, sp, underTest, Normal)
			kp.destroyedByEvictorCount.IncrementAndGet()
			kp.stats.recordDestroyedByEvictor()
			continue
		}

		if testWhileIdle {
			active := false
			if err := kp.factory.ActivateObject(key, underTest); err == nil {
				active = true
			} else {
				kp.destroyEntry(key, sp, underTest, Normal)
				kp.destroyedByEvictorCount.IncrementAndGet()
				kp.stats.recordDestroyedByEvictor()
			}
			if active {
				if !kp.factory.ValidateObject(key, underTest) {
					kp.destroyEntry(key, sp, underTest, Normal)
					kp.destroyedByEvictorCount.IncrementAndGet()
					kp.stats.recordDestroyedByEvictor()
				} else if err := kp.factory.PassivateObject(key, underTest); err != nil {
					kp.swallowed.swallow("passivate", err)
					kp.destroyEntry(key, sp, underTest, Normal)
					kp.destroyedByEvictorCount.IncrementAndGet()
					kp.stats.recordDestroyedByEvictor()
				}
			}
		}
		underTest.EndEvictionTest(sp.idle)
	}
}

func (kp *KeyedObjectPool) ensureIdleForKey(key interface{}, sp *keyedSubPool, idleCount int) {
	if idleCount < 1 || kp.IsClosed() {
		return
	}
	for sp.idle.Size() < idleCount {
		entry := kp.createObject(key, sp)
		if entry == nil {
			break
		}
		if kp.Config.Lifo {
			sp.idle.AddFirst(entry)
		} else {
			sp.idle.AddLast(entry)
		}
	}
}

// EnsureMinIdle tops up every already-known key's idle deque to
// Config.MinIdlePerKey, implementing MaintenanceRunner for the shared
// scheduler. Keys never borrowed are not proactively created.
func (kp *KeyedObjectPool) EnsureMinIdle() {
	if kp.Config.MinIdlePerKey < 1 {
		return
	}
	kp.poolsMu.RLock()
	keys := make([]interface{}, len(kp.keyOrder))
	copy(keys, kp.keyOrder)
	kp.poolsMu.RUnlock()
	for _, k := range keys {
		if sp := kp.subPoolIfExists(k); sp != nil {
			kp.ensureIdleForKey(k, sp, kp.Config.MinIdlePerKey)
		}
	}
}
