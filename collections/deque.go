// Package collections implements the fair, interruptible double-ended
// queue (C1) and the identity-keyed registry map used by the pool core.
// Neither has an off-the-shelf third-party equivalent in the retrieval
// pack: a FIFO-fair handoff deque is bespoke synchronization, not a data
// structure an ecosystem library packages on its own.
package collections

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by a timed poll that found neither an item nor a
// handoff before its deadline elapsed.
var ErrTimeout = errors.New("collections: timed out waiting for element")

// ErrInterrupted is returned to a waiter whose wait was cancelled, either
// by an explicit interrupt or because the deque was closed out from
// under it.
var ErrInterrupted = errors.New("collections: wait was interrupted")

// Iterator walks a snapshot of a deque taken at the moment the iterator
// was created; concurrent mutation of the deque after that point never
// invalidates an in-progress walk.
type Iterator interface {
	HasNext() bool
	Next() interface{}
}

type sliceIterator struct {
	items []interface{}
	pos   int
}

func (it *sliceIterator) HasNext() bool {
	return it.pos < len(it.items)
}

func (it *sliceIterator) Next() interface{} {
	if !it.HasNext() {
		return nil
	}
	v := it.items[it.pos]
	it.pos++
	return v
}

// waiter is a suspended taker. seq is its global enrollment order,
// assigned regardless of which end it waits on, so the deque can pick
// the longest-waiting taker across both end-queues (§4.1's fairness
// guarantee). handoff is a buffered channel of capacity 1 so a producer
// can deliver without blocking even if the waiter has just timed out
// and stopped reading.
type waiter struct {
	handoff chan interface{}
	cancel  chan struct{}
	seq     int64
}

func newWaiter(seq int64) *waiter {
	return &waiter{handoff: make(chan interface{}, 1), cancel: make(chan struct{}), seq: seq}
}

// LinkedBlockingDeque is a deque combined with two FIFO queues of
// suspended takers, one per end, per spec §3/§4.1. Its capacity is
// recorded but not enforced: AddFirst/AddLast never reject or block on a
// full deque. An entry
// offered at either end is eligible to satisfy whichever enrolled taker
// - head or tail - has been waiting longest overall, because an idle
// pooled instance is interchangeable from the perspective of a blocked
// borrower; fairness is about global enrollment order, not which end a
// taker waits on or which end an item is offered at.
type LinkedBlockingDeque struct {
	mu         sync.Mutex
	items      *list.List
	takers     *list.List // of *waiter, enrolled via TakeFirst/PollFirstWithTimeout
	tailTakers *list.List // of *waiter, enrolled via PollLastWithTimeout
	nextSeq    int64
	capacity   int
}

// NewDeque constructs an empty deque, recording the given capacity. The
// capacity is not enforced; the deque grows without bound for any value.
func NewDeque(capacity int) *LinkedBlockingDeque {
	return &LinkedBlockingDeque{
		items:      list.New(),
		takers:     list.New(),
		tailTakers: list.New(),
		capacity:   capacity,
	}
}

// popWaiterLocked pops and returns the longest-waiting (lowest seq)
// non-cancelled taker across both end-queues, or nil if none are
// enrolled. Must be called with mu held; the caller still holds mu only
// long enough to pop the node, releasing before the channel send.
func (d *LinkedBlockingDeque) popWaiterLocked() *waiter {
	for {
		headFront := d.takers.Front()
		tailFront := d.tailTakers.Front()
		if headFront == nil && tailFront == nil {
			return nil
		}

		var elem *list.Element
		var fromHead bool
		switch {
		case headFront == nil:
			elem, fromHead = tailFront, false
		case tailFront == nil:
			elem, fromHead = headFront, true
		default:
			hw := headFront.Value.(*waiter)
			tw := tailFront.Value.(*waiter)
			fromHead = hw.seq <= tw.seq
			if fromHead {
				elem = headFront
			} else {
				elem = tailFront
			}
		}

		if fromHead {
			d.takers.Remove(elem)
		} else {
			d.tailTakers.Remove(elem)
		}
		w := elem.Value.(*waiter)
		select {
		case <-w.cancel:
			// Already cancelled (timeout/interrupt raced us); try the next one.
			continue
		default:
			return w
		}
	}
}

func (d *LinkedBlockingDeque) offer(v interface{}, front bool) {
	d.mu.Lock()
	if w := d.popWaiterLocked(); w != nil {
		d.mu.Unlock()
		w.handoff <- v
		return
	}
	if front {
		d.items.PushFront(v)
	} else {
		d.items.PushBack(v)
	}
	d.mu.Unlock()
}

// AddFirst inserts v at the head of the deque, or hands it directly to
// the longest-waiting taker if one is enrolled.
func (d *LinkedBlockingDeque) AddFirst(v interface{}) {
	d.offer(v, true)
}

// AddLast inserts v at the tail of the deque, or hands it directly to
// the longest-waiting taker if one is enrolled.
func (d *LinkedBlockingDeque) AddLast(v interface{}) {
	d.offer(v, false)
}

// PollFirst removes and returns the head element, or nil if the deque is
// empty. It never blocks.
func (d *LinkedBlockingDeque) PollFirst() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	front := d.items.Front()
	if front == nil {
		return nil
	}
	d.items.Remove(front)
	return front.Value
}

// PollLast removes and returns the tail element, or nil if the deque is
// empty. It never blocks.
func (d *LinkedBlockingDeque) PollLast() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	back := d.items.Back()
	if back == nil {
		return nil
	}
	d.items.Remove(back)
	return back.Value
}

// enrollAndWait enrolls a new taker at the back of takers (the waiter
// queue for the requested end) and waits up to timeout (ignored if
// block is true) for a handoff, a cancellation, or the deadline. pick
// selects which end of items to re-check under lock before enrolling.
func (d *LinkedBlockingDeque) enrollAndWait(takers *list.List, pick func() *list.Element, timeout time.Duration, block bool) (interface{}, error) {
	d.mu.Lock()
	// Re-check under lock: an item may have arrived between our lock-free
	// poll attempt and enrollment.
	if elem := pick(); elem != nil {
		d.items.Remove(elem)
		d.mu.Unlock()
		return elem.Value, nil
	}
	d.nextSeq++
	w := newWaiter(d.nextSeq)
	elem := takers.PushBack(w)
	d.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !block {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case v := <-w.handoff:
		return v, nil
	case <-w.cancel:
		d.removeWaiter(takers, elem)
		return nil, ErrInterrupted
	case <-timeoutCh:
		if d.removeWaiter(takers, elem) {
			return nil, ErrTimeout
		}
		// Lost the race: offer() already popped this waiter under lock
		// before our timeout fired, so a send on the buffered channel is
		// guaranteed, just not yet observed. Wait for it instead of
		// risking a default branch that would drop the handed-off value.
		return <-w.handoff, nil
	}
}

func (d *LinkedBlockingDeque) removeWaiter(takers *list.List, elem *list.Element) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for e := takers.Front(); e != nil; e = e.Next() {
		if e == elem {
			takers.Remove(e)
			return true
		}
	}
	return false
}

// TakeFirst blocks indefinitely for an element, until one arrives or the
// deque is interrupted via InterruptTakeWaiters.
func (d *LinkedBlockingDeque) TakeFirst() (interface{}, error) {
	return d.enrollAndWait(d.takers, d.items.Front, 0, true)
}

// PollFirstWithTimeout blocks up to timeout for an element, enrolling at
// the head-side waiter queue.
func (d *LinkedBlockingDeque) PollFirstWithTimeout(timeout time.Duration) (interface{}, error) {
	return d.enrollAndWait(d.takers, d.items.Front, timeout, false)
}

// PollLastWithTimeout blocks up to timeout for an element, enrolling at
// the tail-side waiter queue (§3's pollLast(timeout)). A taker enrolled
// here competes for handoff on equal, enrollment-order footing with
// PollFirstWithTimeout/TakeFirst takers, per §4.1's fairness guarantee.
func (d *LinkedBlockingDeque) PollLastWithTimeout(timeout time.Duration) (interface{}, error) {
	return d.enrollAndWait(d.tailTakers, d.items.Back, timeout, false)
}

// RemoveFirstOccurrence removes the first element equal (by ==) to v,
// scanning head to tail, and reports whether one was found.
func (d *LinkedBlockingDeque) RemoveFirstOccurrence(v interface{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for e := d.items.Front(); e != nil; e = e.Next() {
		if e.Value == v {
			d.items.Remove(e)
			return true
		}
	}
	return false
}

// Size returns the number of elements currently sitting in the deque
// (not counting suspended takers).
func (d *LinkedBlockingDeque) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}

// HasTakeWaiters reports whether at least one goroutine is currently
// suspended waiting for an element, at either end.
func (d *LinkedBlockingDeque) HasTakeWaiters() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takers.Len() > 0 || d.tailTakers.Len() > 0
}

// InterruptTakeWaiters cancels every currently suspended taker at both
// ends, which will each return ErrInterrupted from
// TakeFirst/PollFirstWithTimeout/PollLastWithTimeout. Called on pool
// Close().
func (d *LinkedBlockingDeque) InterruptTakeWaiters() {
	d.mu.Lock()
	var waiters []*waiter
	for e := d.takers.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*waiter))
	}
	for e := d.tailTakers.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*waiter))
	}
	d.takers.Init()
	d.tailTakers.Init()
	d.mu.Unlock()
	for _, w := range waiters {
		close(w.cancel)
	}
}

// Iterator returns a forward (head-to-tail) snapshot iterator.
func (d *LinkedBlockingDeque) Iterator() Iterator {
	return d.snapshot(true)
}

// DescendingIterator returns a reverse (tail-to-head) snapshot iterator,
// used for LIFO eviction walks so the oldest idle entries are visited
// first per §4.4.
func (d *LinkedBlockingDeque) DescendingIterator() Iterator {
	return d.snapshot(false)
}

func (d *LinkedBlockingDeque) snapshot(forward bool) Iterator {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := make([]interface{}, 0, d.items.Len())
	if forward {
		for e := d.items.Front(); e != nil; e = e.Next() {
			items = append(items, e.Value)
		}
	} else {
		for e := d.items.Back(); e != nil; e = e.Prev() {
			items = append(items, e.Value)
		}
	}
	return &sliceIterator{items: items}
}
