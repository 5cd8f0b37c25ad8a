package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextShrinkDelayMillisShrinksSoonerAtIdleHighWaterMark(t *testing.T) {
	atPeak := nextShrinkDelayMillis(10, 10, 1.0)
	atZero := nextShrinkDelayMillis(10, 0, 1.0)
	assert.Less(t, atPeak, atZero, "a pool sitting at its idle high-water mark is due to shrink sooner than one with nothing idle")
	assert.InDelta(t, 1*60000, atPeak, 1)
	assert.InDelta(t, 15*60000, atZero, 1)
}

func TestNextShrinkDelayMillisScalesWithFactor(t *testing.T) {
	base := nextShrinkDelayMillis(10, 5, 1.0)
	slower := nextShrinkDelayMillis(10, 5, 2.0)
	assert.Equal(t, base*2, slower)
}

// TestErodingPoolInvalidatesOnSustainedIdle exercises scenario 6: with an
// aggressively small erosion factor, a returned instance past the shrink
// deadline is invalidated (destroyed) instead of being re-added to idle.
func TestErodingPoolInvalidatesOnSustainedIdle(t *testing.T) {
	cfg := NewDefaultPoolConfig()
	cfg.MaxTotal = 3
	p, _ := newTestPool(cfg)
	defer p.Close()
	eroding := NewErodingObjectPool(p, 0.00001)

	a, err := eroding.BorrowObject()
	require.NoError(t, err)
	b, err := eroding.BorrowObject()
	require.NoError(t, err)

	// First return establishes the high-water mark with idle==0, so the
	// shrink deadline is scheduled almost immediately.
	require.NoError(t, eroding.ReturnObject(a))

	// The second return should now be past the (near-zero) deadline and
	// get invalidated rather than pooled.
	require.NoError(t, eroding.ReturnObject(b))

	assert.LessOrEqual(t, eroding.GetNumIdle(), 1)
}

func TestErodingKeyedPoolTracksStatePerKey(t *testing.T) {
	cfg := NewDefaultKeyedPoolConfig()
	kp, _ := newTestKeyedPool(cfg)
	defer kp.Close()
	eroding := NewErodingKeyedObjectPool(kp, 1.0)

	a, err := eroding.BorrowObject("a")
	require.NoError(t, err)
	require.NoError(t, eroding.ReturnObject("a", a))

	assert.Equal(t, 1, eroding.GetNumIdle("a"))
	assert.Equal(t, 0, eroding.GetNumIdle("b"), "an untouched key has no erosion state and no idle entries")
}
