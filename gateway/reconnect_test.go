package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second
	r := newReconnector(base, cap)

	// Jitter randomizes each delay within ±50% of the current
	// interval; the floor of the first delay is half the base.
	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, base/2)
	assert.LessOrEqual(t, first, base+base/2)

	for i := 0; i < 20; i++ {
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, cap+cap/2)
	}
}

func TestImmediateReconnectBypassesBackoff(t *testing.T) {
	r := newReconnector(time.Second, time.Minute)
	r.requestImmediate()
	assert.Equal(t, time.Duration(0), r.nextDelay())
	// The bypass is consumed by one attempt.
	assert.Greater(t, r.nextDelay(), time.Duration(0))
}

func TestBackoffNeverGivesUp(t *testing.T) {
	r := newReconnector(time.Millisecond, 10*time.Millisecond)
	for i := 0; i < 1000; i++ {
		assert.NotEqual(t, time.Duration(-1), r.nextDelay())
	}
}

func TestStableConnectionResetsLadder(t *testing.T) {
	r := newReconnector(100*time.Millisecond, 10*time.Second)
	for i := 0; i < 10; i++ {
		r.nextDelay()
	}
	// Pretend the last connection has been up for a while.
	r.mu.Lock()
	r.connectedAt = time.Now().Add(-2 * stableConnection)
	r.mu.Unlock()

	d := r.nextDelay()
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}
