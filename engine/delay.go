package engine

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DelayPlanner computes randomized inter-message delays and batch pauses.
// The random source is injected so tests can run against a fixed seed.
type DelayPlanner struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDelayPlanner creates a planner backed by the given source. A nil
// source falls back to a time-seeded one.
func NewDelayPlanner(src rand.Source) *DelayPlanner {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &DelayPlanner{rnd: rand.New(src)}
}

// NextDelay returns a uniform random delay in [min, max] seconds.
// min > max is a configuration error, never silently swapped.
func (p *DelayPlanner) NextDelay(minSeconds, maxSeconds int) (time.Duration, error) {
	if minSeconds < 0 || maxSeconds < 0 {
		return 0, fmt.Errorf("negative delay bounds [%d, %d]", minSeconds, maxSeconds)
	}
	if minSeconds > maxSeconds {
		return 0, fmt.Errorf("min delay %ds exceeds max delay %ds", minSeconds, maxSeconds)
	}
	if minSeconds == maxSeconds {
		return time.Duration(minSeconds) * time.Second, nil
	}

	p.mu.Lock()
	n := p.rnd.Intn(maxSeconds-minSeconds+1) + minSeconds
	p.mu.Unlock()

	return time.Duration(n) * time.Second, nil
}

// BatchCounter tracks position within a sending batch. Once the batch
// fills, Advance returns the batch pause instead of a jittered delay and
// resets the counter.
type BatchCounter struct {
	planner    *DelayPlanner
	batchSize  int
	batchPause time.Duration
	sent       int
}

// NewBatchCounter creates a counter; batchSize <= 0 disables batch pauses.
func NewBatchCounter(planner *DelayPlanner, batchSize int, batchPause time.Duration) *BatchCounter {
	return &BatchCounter{planner: planner, batchSize: batchSize, batchPause: batchPause}
}

// Advance returns the gap to insert before the next message: the batch
// pause when the batch just filled, otherwise a jittered delay in
// [min, max].
func (b *BatchCounter) Advance(minSeconds, maxSeconds int) (time.Duration, error) {
	if b.batchSize > 0 && b.sent >= b.batchSize {
		b.sent = 0
		return b.batchPause, nil
	}
	return b.planner.NextDelay(minSeconds, maxSeconds)
}

// Record notes one message assigned in the current batch
func (b *BatchCounter) Record() {
	b.sent++
}
