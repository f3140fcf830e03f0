package gateway

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 60 * time.Second

	// A connection that survived this long resets the backoff ladder.
	stableConnection = 60 * time.Second
)

// reconnector decides how long to wait before the next connect
// attempt. Exponential with jitter, capped, and perpetual: the run
// loop keeps asking until logout or auth failure stops it. A
// server-issued reconnect instruction bypasses the wait once.
type reconnector struct {
	mu          sync.Mutex
	bo          *backoff.ExponentialBackOff
	immediate   bool
	connectedAt time.Time
}

func newReconnector(base, cap time.Duration) *reconnector {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = cap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()
	return &reconnector{bo: bo}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) requestImmediate() {
	r.mu.Lock()
	r.immediate = true
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.immediate {
		r.immediate = false
		return 0
	}
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.bo.Reset()
	}
	r.connectedAt = time.Time{}
	return r.bo.NextBackOff()
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.bo.Reset()
	r.immediate = false
	r.mu.Unlock()
}
