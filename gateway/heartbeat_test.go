package gateway

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatZombieAfterMaxMissed(t *testing.T) {
	var sent, zombied atomic.Int32
	h := newHeartbeat(time.Minute, 3, func() error {
		sent.Add(1)
		return nil
	}, func() {
		zombied.Add(1)
	}, slog.Default())

	// Three unacknowledged beats are tolerated.
	for i := 0; i < 3; i++ {
		assert.True(t, h.beat())
	}
	assert.Equal(t, int32(3), sent.Load())
	assert.Equal(t, int32(0), zombied.Load())
	assert.Equal(t, 3, h.missed())

	// The next tick with the counter saturated declares the
	// connection dead instead of sending.
	assert.False(t, h.beat())
	assert.Equal(t, int32(3), sent.Load())
	assert.Equal(t, int32(1), zombied.Load())
}

func TestHeartbeatAckResetsCounter(t *testing.T) {
	var zombied atomic.Int32
	h := newHeartbeat(time.Minute, 3, func() error { return nil }, func() {
		zombied.Add(1)
	}, slog.Default())

	for i := 0; i < 3; i++ {
		assert.True(t, h.beat())
	}
	h.ack()
	assert.Equal(t, 0, h.missed())

	// Acked in time, so the connection keeps beating.
	for i := 0; i < 3; i++ {
		assert.True(t, h.beat())
	}
	assert.Equal(t, int32(0), zombied.Load())
}

func TestHeartbeatSendFailureStillCounts(t *testing.T) {
	h := newHeartbeat(time.Minute, 3, func() error {
		return ErrTransportClosed
	}, func() {}, slog.Default())

	assert.True(t, h.beat())
	assert.Equal(t, 1, h.missed())
}
