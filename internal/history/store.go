// Package history holds per-session conversation logs: the ordered
// message list the model sees, plus the bookkeeping needed to bound its
// growth (usage estimation, compaction, truncation, idle expiry).
package history

import (
	"sync"
	"time"

	"github.com/lbianco/butlerd/internal/llm"
)

// imageCharWeight is the character surcharge counted for each image
// block when estimating usage. Roughly 250 tokens per image.
const imageCharWeight = 1000

// Usage is the estimated footprint of a session log.
type Usage struct {
	Messages        int `json:"messages"`
	EstimatedTokens int `json:"estimated_tokens"`
}

type session struct {
	messages     []llm.Message
	vision       bool
	generation   uint64
	lastActivity time.Time
	createdAt    time.Time
}

// Store manages session logs keyed by session key. Every new session
// starts with the seed prompt as its first entry. All reads return
// copies; the generation counter lets callers detect that a session was
// reset underneath a long-running turn.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	seed     string
	now      func() time.Time // swapped in tests
}

// NewStore creates a store whose sessions are seeded with seedPrompt.
func NewStore(seedPrompt string) *Store {
	return &Store{
		sessions: make(map[string]*session),
		seed:     seedPrompt,
		now:      time.Now,
	}
}

// ensure returns the session for key, creating it seeded if absent.
// Callers must hold mu.
func (s *Store) ensure(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		now := s.now()
		sess = &session{
			messages:     s.seeded(),
			lastActivity: now,
			createdAt:    now,
		}
		s.sessions[key] = sess
	}
	return sess
}

func (s *Store) seeded() []llm.Message {
	return []llm.Message{{Role: "system", Content: s.seed}}
}

// Append adds messages to the session log, creating the session if
// needed, and returns the session's current generation.
func (s *Store) Append(key string, msgs ...llm.Message) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensure(key)
	sess.messages = append(sess.messages, msgs...)
	sess.lastActivity = s.now()
	return sess.generation
}

// AppendIfCurrent adds messages only if the session still carries the
// given generation. A reset in between makes this a no-op; the late
// result is discarded and false is returned.
func (s *Store) AppendIfCurrent(key string, generation uint64, msgs ...llm.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok || sess.generation != generation {
		return false
	}
	sess.messages = append(sess.messages, msgs...)
	sess.lastActivity = s.now()
	return true
}

// Snapshot returns a copy of the session log and its generation. It is
// a pure read: an unknown key yields an empty log and does not create
// the session.
func (s *Store) Snapshot(key string) ([]llm.Message, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, 0
	}
	out := make([]llm.Message, len(sess.messages))
	copy(out, sess.messages)
	return out, sess.generation
}

// Reset discards the session log, reinstalls the seed prompt, clears
// the vision flag, and bumps the generation so in-flight turns notice.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensure(key)
	sess.messages = s.seeded()
	sess.vision = false
	sess.generation++
	sess.lastActivity = s.now()
}

// ExpireIfIdle resets the session when it has been inactive longer than
// maxAge. Zero maxAge disables expiry. Reports whether a reset happened.
func (s *Store) ExpireIfIdle(key string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	if s.now().Sub(sess.lastActivity) <= maxAge {
		return false
	}
	sess.messages = s.seeded()
	sess.vision = false
	sess.generation++
	sess.lastActivity = s.now()
	return true
}

// SetVision marks the session as carrying image content. The flag
// stays set until the session is reset.
func (s *Store) SetVision(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(key).vision = true
}

// Vision reports whether the session has seen image content.
func (s *Store) Vision(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return ok && sess.vision
}

// EstimateUsage returns the message count and a character-based token
// estimate (total characters over four, with a fixed surcharge per
// image block).
func (s *Store) EstimateUsage(key string) Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Usage{}
	}
	return estimate(sess.messages)
}

func estimate(msgs []llm.Message) Usage {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		if m.Image != nil {
			chars += imageCharWeight
		}
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
		}
	}
	return Usage{
		Messages:        len(msgs),
		EstimatedTokens: chars / 4,
	}
}

// EstimateMessages estimates usage for an arbitrary message slice.
func EstimateMessages(msgs []llm.Message) Usage {
	return estimate(msgs)
}

// Compact replaces the session log with seed, summary, and the current
// trailing user message, preserving the turn in progress. It is a
// no-op (returning false) if the generation has moved on.
func (s *Store) Compact(key string, generation uint64, summary string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok || sess.generation != generation {
		return false
	}

	compacted := s.seeded()
	compacted = append(compacted, llm.Message{Role: "assistant", Content: summary})
	if n := len(sess.messages); n > 0 && sess.messages[n-1].Role == "user" {
		compacted = append(compacted, sess.messages[n-1])
	}
	sess.messages = compacted
	sess.lastActivity = s.now()
	return true
}

// Truncate is the compaction fallback: keep the seed plus the most
// recent keepRecent messages. No-op (false) on generation mismatch.
func (s *Store) Truncate(key string, generation uint64, keepRecent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok || sess.generation != generation {
		return false
	}
	if keepRecent < 1 {
		keepRecent = 1
	}

	rest := sess.messages[1:] // everything after the seed
	if len(rest) > keepRecent {
		rest = rest[len(rest)-keepRecent:]
	}
	truncated := s.seeded()
	truncated = append(truncated, rest...)
	sess.messages = truncated
	sess.lastActivity = s.now()
	return true
}

// LastActivity returns the session's last-activity timestamp, zero if
// the session does not exist.
func (s *Store) LastActivity(key string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.lastActivity
	}
	return time.Time{}
}

// Keys returns the known session keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	return out
}
