package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultResumeWindow = 3 * time.Minute

// Session tracks what a resume needs: the last fully-processed
// sequence, the session id and the resume endpoint handed out on
// READY. It survives transport loss within the resume window and is
// discarded on logout, auth failure or a non-resumable invalid
// session.
type Session struct {
	mu               sync.Mutex
	id               string
	resumeGatewayURL string
	resumable        bool
	disconnectedAt   time.Time
	window           time.Duration

	sequence atomic.Uint64
}

func NewSession(window time.Duration) *Session {
	if window <= 0 {
		window = defaultResumeWindow
	}
	return &Session{window: window}
}

// Advance moves the sequence forward. The sequence is monotonic;
// replayed or out-of-order frames never move it back.
func (s *Session) Advance(seq uint64) {
	for {
		cur := s.sequence.Load()
		if seq <= cur {
			return
		}
		if s.sequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) Sequence() uint64 {
	return s.sequence.Load()
}

// Establish records a freshly-identified session.
func (s *Session) Establish(id, resumeGatewayURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.resumeGatewayURL = resumeGatewayURL
	s.resumable = true
	s.disconnectedAt = time.Time{}
}

// MarkDisconnected records the closure cause. A recoverable cause
// keeps the session resumable; anything else poisons it.
func (s *Session) MarkDisconnected(resumable bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumable = s.resumable && resumable
	s.disconnectedAt = now
}

// MarkConnected clears the disconnect timestamp after a successful
// resume so the window restarts on the next drop.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectedAt = time.Time{}
}

func (s *Session) CanResume(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" || !s.resumable {
		return false
	}
	if s.disconnectedAt.IsZero() {
		return true
	}
	return now.Sub(s.disconnectedAt) <= s.window
}

// ResumeTarget returns what a resume frame needs. ok follows the same
// policy as CanResume.
func (s *Session) ResumeTarget(now time.Time) (id string, seq uint64, resumeGatewayURL string, ok bool) {
	if !s.CanResume(now) {
		return "", 0, "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.sequence.Load(), s.resumeGatewayURL, true
}

// Reset discards the session entirely, forcing a fresh identify.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.resumeGatewayURL = ""
	s.resumable = false
	s.disconnectedAt = time.Time{}
	s.sequence.Store(0)
}
