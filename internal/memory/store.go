// Package memory provides conversation transcript storage.
//
// The in-memory Store is the authoritative short-term memory consumed by
// the orchestration loop; the SQLite Archive mirrors transcripts to disk
// on a best-effort basis.
package memory

import (
	"sync"
	"time"
)

// Message is one transcript entry.
type Message struct {
	Role      string    `json:"role"` // system, user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation holds the state of a single conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages conversation transcripts in memory.
//
// Mutations on one conversation are serialized by the store lock, but two
// simultaneous requests for the same conversation id can still interleave
// their appends; the orchestrator does not guarantee mutual exclusion at
// that level.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
	}
}

// Messages returns the transcript for a conversation, or an empty slice
// when the conversation does not exist.
func (s *Store) Messages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return []Message{}
	}

	msgs := make([]Message, len(conv.Messages))
	copy(msgs, conv.Messages)
	return msgs
}

// Get retrieves a copy of a conversation, or nil if not found.
func (s *Store) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return conv.copy()
}

// Append adds messages to a conversation, creating it on first use, and
// trims the stored transcript to the most recent maxStored entries. A
// leading system message always survives the trim.
func (s *Store) Append(id string, msgs []Message, maxStored int) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv, ok := s.conversations[id]
	if !ok {
		conv = &Conversation{ID: id, CreatedAt: now}
		s.conversations[id] = conv
	}

	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = now

	if maxStored > 0 && len(conv.Messages) > maxStored {
		conv.Messages = Trim(conv.Messages, maxStored)
	}
}

// Trim bounds msgs to max entries, truncating from the middle: the
// leading system message (when present) and the most recent messages are
// always preserved, the oldest-but-one entries go first.
func Trim(msgs []Message, max int) []Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}

	if msgs[0].Role == "system" {
		keep := max - 1
		tail := msgs[len(msgs)-keep:]
		out := make([]Message, 0, max)
		out = append(out, msgs[0])
		return append(out, tail...)
	}

	return msgs[len(msgs)-max:]
}

// List returns copies of all conversations, for API listings.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv.copy())
	}
	return convs
}

// Delete removes a conversation.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// EvictIdle drops conversations untouched for longer than ttl and
// returns how many were evicted.
func (s *Store) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for id, conv := range s.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			delete(s.conversations, id)
			evicted++
		}
	}
	return evicted
}

// StartJanitor evicts idle conversations periodically until done is closed.
func (s *Store) StartJanitor(done <-chan struct{}, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.EvictIdle(ttl)
			}
		}
	}()
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalMessages := 0
	for _, conv := range s.conversations {
		totalMessages += len(conv.Messages)
	}

	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      totalMessages,
	}
}

func (c *Conversation) copy() *Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{
		ID:        c.ID,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
