package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceIsMonotonic(t *testing.T) {
	s := NewSession(0)
	for _, seq := range []uint64{1, 5, 3, 5, 2, 8, 8, 7} {
		s.Advance(seq)
	}
	// The cached sequence is the maximum seen so far.
	assert.Equal(t, uint64(8), s.Sequence())
}

func TestResumePolicy(t *testing.T) {
	now := time.Now()
	s := NewSession(time.Minute)

	// No session established yet.
	assert.False(t, s.CanResume(now))

	s.Establish("sess-1", "wss://resume.example")
	s.Advance(42)
	assert.True(t, s.CanResume(now))

	id, seq, resumeURL, ok := s.ResumeTarget(now)
	require.True(t, ok)
	assert.Equal(t, "sess-1", id)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, "wss://resume.example", resumeURL)
}

func TestResumeWindowElapses(t *testing.T) {
	now := time.Now()
	s := NewSession(time.Minute)
	s.Establish("sess-1", "wss://resume.example")

	s.MarkDisconnected(true, now)
	assert.True(t, s.CanResume(now.Add(30*time.Second)))
	assert.False(t, s.CanResume(now.Add(2*time.Minute)))
}

func TestNonResumableCausePoisonsSession(t *testing.T) {
	now := time.Now()
	s := NewSession(time.Minute)
	s.Establish("sess-1", "wss://resume.example")

	s.MarkDisconnected(false, now)
	assert.False(t, s.CanResume(now))

	// A later recoverable cause does not resurrect it.
	s.MarkDisconnected(true, now)
	assert.False(t, s.CanResume(now))
}

func TestMarkConnectedRestartsWindow(t *testing.T) {
	now := time.Now()
	s := NewSession(time.Minute)
	s.Establish("sess-1", "wss://resume.example")
	s.MarkDisconnected(true, now)
	s.MarkConnected()
	assert.True(t, s.CanResume(now.Add(time.Hour)))
}

func TestResetDiscardsSession(t *testing.T) {
	s := NewSession(time.Minute)
	s.Establish("sess-1", "wss://resume.example")
	s.Advance(99)

	s.Reset()
	assert.False(t, s.CanResume(time.Now()))
	// Fresh session start: sequence is absent again.
	assert.Equal(t, uint64(0), s.Sequence())
}
