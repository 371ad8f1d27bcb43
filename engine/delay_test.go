package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayStaysInBounds(t *testing.T) {
	p := NewDelayPlanner(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		d, err := p.NextDelay(30, 90)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 90*time.Second)
	}
}

func TestNextDelayEqualBounds(t *testing.T) {
	p := NewDelayPlanner(rand.NewSource(1))
	d, err := p.NextDelay(45, 45)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)
}

func TestNextDelayRejectsBadBounds(t *testing.T) {
	p := NewDelayPlanner(rand.NewSource(1))

	_, err := p.NextDelay(90, 30)
	assert.Error(t, err)

	_, err = p.NextDelay(-1, 30)
	assert.Error(t, err)
}

func TestBatchCounterInsertsPause(t *testing.T) {
	p := NewDelayPlanner(rand.NewSource(1))
	b := NewBatchCounter(p, 2, 10*time.Minute)

	// min == max makes gaps deterministic
	offsets := []time.Duration{0}
	cursor := time.Duration(0)
	b.Record() // first recipient goes out with no gap
	for i := 1; i < 5; i++ {
		gap, err := b.Advance(30, 30)
		require.NoError(t, err)
		cursor += gap
		offsets = append(offsets, cursor)
		b.Record()
	}

	want := []time.Duration{
		0,
		30 * time.Second,
		630 * time.Second,
		660 * time.Second,
		1260 * time.Second,
	}
	assert.Equal(t, want, offsets)
}

func TestBatchCounterDisabled(t *testing.T) {
	p := NewDelayPlanner(rand.NewSource(1))
	b := NewBatchCounter(p, 0, 10*time.Minute)

	for i := 0; i < 10; i++ {
		gap, err := b.Advance(30, 30)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, gap)
		b.Record()
	}
}
