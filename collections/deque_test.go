package collections

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollFirstLastNonBlocking(t *testing.T) {
	d := NewDeque(10)
	assert.Nil(t, d.PollFirst())
	assert.Nil(t, d.PollLast())

	d.AddLast(1)
	d.AddLast(2)
	d.AddFirst(0)
	assert.Equal(t, 3, d.Size())
	assert.Equal(t, 0, d.PollFirst())
	assert.Equal(t, 2, d.PollLast())
	assert.Equal(t, 1, d.PollFirst())
	assert.Equal(t, 0, d.Size())
}

func TestTakeFirstBlocksUntilOffered(t *testing.T) {
	d := NewDeque(10)
	result := make(chan interface{}, 1)
	go func() {
		v, err := d.TakeFirst()
		require.NoError(t, err)
		result <- v
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.Size() > 0, "no item should be sitting in the deque while a taker is suspended")
	assert.True(t, d.HasTakeWaiters())

	d.AddLast("hello")

	select {
	case v := <-result:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("taker never received the handoff")
	}
	assert.False(t, d.HasTakeWaiters())
}

func TestPollFirstWithTimeoutExpires(t *testing.T) {
	d := NewDeque(10)
	start := time.Now()
	_, err := d.PollFirstWithTimeout(30 * time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start).Milliseconds(), int64(25))
	assert.False(t, d.HasTakeWaiters(), "a timed-out waiter must deregister itself")
}

// TestTakersAreServedInFIFOEnrollmentOrder exercises the C1 fairness
// guarantee: among several suspended takers, the one that enrolled first
// receives the first offered element, regardless of which end it was
// added to.
func TestTakersAreServedInFIFOEnrollmentOrder(t *testing.T) {
	d := NewDeque(10)
	const n = 5
	order := make(chan int, n)
	var ready sync.WaitGroup
	ready.Add(n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			// Stagger enrollment so arrival order is deterministic.
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			ready.Done()
			v, err := d.TakeFirst()
			require.NoError(t, err)
			order <- v.(int)
		}()
		time.Sleep(12 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		d.AddLast(i)
	}

	got := make([]int, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-order:
			got[i] = v
		case <-time.After(2 * time.Second):
			t.Fatal("not all takers were served")
		}
	}
	for i, v := range got {
		assert.Equal(t, i, v, "takers must be served in the order they enrolled")
	}
}

func TestInterruptTakeWaitersCancelsAllSuspendedTakers(t *testing.T) {
	d := NewDeque(10)
	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.TakeFirst()
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	d.InterruptTakeWaiters()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.Equal(t, ErrInterrupted, err)
		case <-time.After(time.Second):
			t.Fatal("a taker never observed the interrupt")
		}
	}
}

func TestRemoveFirstOccurrence(t *testing.T) {
	d := NewDeque(10)
	d.AddLast("a")
	d.AddLast("b")
	d.AddLast("c")

	assert.True(t, d.RemoveFirstOccurrence("b"))
	assert.False(t, d.RemoveFirstOccurrence("b"))
	assert.Equal(t, 2, d.Size())
}

func TestSnapshotIteratorsSurviveConcurrentMutation(t *testing.T) {
	d := NewDeque(10)
	d.AddLast(1)
	d.AddLast(2)
	d.AddLast(3)

	forward := d.Iterator()
	backward := d.DescendingIterator()

	// Mutating the deque after taking the snapshot must not affect the
	// iterator already in flight.
	d.PollFirst()
	d.AddLast(4)

	var fwd []interface{}
	for forward.HasNext() {
		fwd = append(fwd, forward.Next())
	}
	assert.Equal(t, []interface{}{1, 2, 3}, fwd)

	var bwd []interface{}
	for backward.HasNext() {
		bwd = append(bwd, backward.Next())
	}
	assert.Equal(t, []interface{}{3, 2, 1}, bwd)
}

func TestPollLastWithTimeoutExpires(t *testing.T) {
	d := NewDeque(10)
	start := time.Now()
	_, err := d.PollLastWithTimeout(30 * time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start).Milliseconds(), int64(25))
	assert.False(t, d.HasTakeWaiters(), "a timed-out tail waiter must deregister itself")
}

// TestHeadAndTailWaitersServedInGlobalEnrollmentOrder exercises the C1
// fairness guarantee across both ends: a tail-side waiter that enrolled
// before a head-side waiter must be served first, regardless of which
// end the element is ultimately offered at.
func TestHeadAndTailWaitersServedInGlobalEnrollmentOrder(t *testing.T) {
	d := NewDeque(10)
	tailResult := make(chan interface{}, 1)
	headResult := make(chan interface{}, 1)

	go func() {
		v, err := d.PollLastWithTimeout(time.Second)
		require.NoError(t, err)
		tailResult <- v
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		v, err := d.PollFirstWithTimeout(time.Second)
		require.NoError(t, err)
		headResult <- v
	}()
	time.Sleep(20 * time.Millisecond)

	d.AddFirst("only")

	select {
	case v := <-tailResult:
		assert.Equal(t, "only", v, "the tail waiter enrolled first and must win the handoff")
	case <-time.After(time.Second):
		t.Fatal("tail waiter never received the handoff")
	}

	select {
	case <-headResult:
		t.Fatal("head waiter should still be suspended")
	case <-time.After(50 * time.Millisecond):
	}

	d.AddLast("second")
	select {
	case v := <-headResult:
		assert.Equal(t, "second", v)
	case <-time.After(time.Second):
		t.Fatal("head waiter never received the handoff")
	}
}

func TestInterruptTakeWaitersCancelsBothEnds(t *testing.T) {
	d := NewDeque(10)
	headErr := make(chan error, 1)
	tailErr := make(chan error, 1)
	go func() {
		_, err := d.TakeFirst()
		headErr <- err
	}()
	go func() {
		_, err := d.PollLastWithTimeout(time.Second)
		tailErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	d.InterruptTakeWaiters()

	select {
	case err := <-headErr:
		assert.Equal(t, ErrInterrupted, err)
	case <-time.After(time.Second):
		t.Fatal("head waiter never observed the interrupt")
	}
	select {
	case err := <-tailErr:
		assert.Equal(t, ErrInterrupted, err)
	case <-time.After(time.Second):
		t.Fatal("tail waiter never observed the interrupt")
	}
}

func TestAddOffersDirectlyToWaiterBeforeQueueing(t *testing.T) {
	d := NewDeque(10)
	result := make(chan interface{}, 1)
	go func() {
		v, _ := d.TakeFirst()
		result <- v
	}()
	time.Sleep(20 * time.Millisecond)

	d.AddFirst("direct")

	select {
	case v := <-result:
		assert.Equal(t, "direct", v)
	case <-time.After(time.Second):
		t.Fatal("handoff never happened")
	}
	// The item went straight to the waiter, never touching the backing list.
	assert.Equal(t, 0, d.Size())
}
