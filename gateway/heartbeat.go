package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/marislowe/kestrel/metrics"
)

const defaultMaxMissedACK = 3

// heartbeat sends liveness pings at the server-dictated interval and
// counts unacknowledged sends. Hitting maxMissed declares the
// connection zombied: TCP-open but not relaying anything.
type heartbeat struct {
	interval  time.Duration
	maxMissed int
	send      func() error
	onZombie  func()
	log       *slog.Logger

	mu          sync.Mutex
	outstanding int
}

func newHeartbeat(interval time.Duration, maxMissed int, send func() error, onZombie func(), log *slog.Logger) *heartbeat {
	if maxMissed <= 0 {
		maxMissed = defaultMaxMissedACK
	}
	return &heartbeat{
		interval:  interval,
		maxMissed: maxMissed,
		send:      send,
		onZombie:  onZombie,
		log:       log,
	}
}

// run ticks until ctx is cancelled. The first beat fires after a
// random fraction of the interval so a fleet of clients does not
// heartbeat in lockstep after a mass reconnect.
func (h *heartbeat) run(ctx context.Context) {
	jitter := time.Duration(rand.Float64() * float64(h.interval))
	first := time.NewTimer(jitter)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
	}
	if !h.beat() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("heartbeat stopped")
			return
		case <-ticker.C:
			if !h.beat() {
				return
			}
		}
	}
}

// beat reports false once the connection is declared dead.
func (h *heartbeat) beat() bool {
	h.mu.Lock()
	if h.outstanding >= h.maxMissed {
		h.mu.Unlock()
		h.log.Warn("heartbeat acks missed, declaring connection zombied", "missed", h.maxMissed)
		h.onZombie()
		return false
	}
	h.outstanding++
	h.mu.Unlock()

	if err := h.send(); err != nil {
		h.log.Error("failed to send heartbeat", "error", err)
		return true
	}
	metrics.HeartbeatsSent.Inc()
	return true
}

// ack resets the missed-ack accounting. Any inbound ack counts.
func (h *heartbeat) ack() {
	h.mu.Lock()
	h.outstanding = 0
	h.mu.Unlock()
	metrics.HeartbeatAcks.Inc()
}

func (h *heartbeat) missed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outstanding
}
