// Package draft keeps per-conversation input buffers so text survives
// conversation switches within a session. Drafts are process-lifetime only.
package draft

import (
	"sync"
	"time"
)

// DefaultDebounce is the delay before a keystroke is committed to the map.
const DefaultDebounce = 500 * time.Millisecond

// Store is a per-conversation-key text buffer with debounced persistence.
// Set is safe to call on every keystroke; Flush captures synchronously on
// conversation switch.
type Store struct {
	mu       sync.Mutex
	debounce time.Duration
	drafts   map[string]string
	timers   map[string]*time.Timer
	closed   bool
}

// NewStore creates a draft store with the given debounce delay.
// A non-positive delay falls back to DefaultDebounce.
func NewStore(debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Store{
		debounce: debounce,
		drafts:   make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

// Get returns the stored draft for a conversation, empty if none.
func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[key]
}

// Set schedules text to be committed after the debounce delay. A pending
// timer for the same conversation is cancelled and restarted.
func (s *Store) Set(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelTimerLocked(key)
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		delete(s.timers, key)
		s.drafts[key] = text
	})
}

// Flush cancels any pending debounce and commits text immediately. Used on
// conversation switch so the outgoing input is never lost, and on send
// failure to restore the message content.
func (s *Store) Flush(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked(key)
	s.drafts[key] = text
}

// Clear removes the draft and any pending timer for a conversation. Called
// after a successful send.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked(key)
	delete(s.drafts, key)
}

// Close cancels all pending timers. The store rejects writes afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key := range s.timers {
		s.cancelTimerLocked(key)
	}
}

func (s *Store) cancelTimerLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}
