package memory

import (
	"fmt"
	"testing"
	"time"
)

func msg(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

func TestStoreAppendAndMessages(t *testing.T) {
	s := NewStore()

	s.Append("c1", []Message{msg("user", "hi"), msg("assistant", "hello")}, 0)

	got := s.Messages("c1")
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[0].Content != "hi" || got[1].Content != "hello" {
		t.Errorf("messages = %+v", got)
	}

	if got := s.Messages("absent"); len(got) != 0 {
		t.Errorf("absent conversation returned %d messages", len(got))
	}
}

func TestStoreMessagesReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Append("c1", []Message{msg("user", "original")}, 0)

	got := s.Messages("c1")
	got[0].Content = "mutated"

	if s.Messages("c1")[0].Content != "original" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestStoreAppendTrims(t *testing.T) {
	s := NewStore()
	s.Append("c1", []Message{msg("system", "prompt")}, 4)
	for i := 0; i < 10; i++ {
		s.Append("c1", []Message{msg("user", fmt.Sprintf("m%d", i))}, 4)
	}

	got := s.Messages("c1")
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}
	if got[0].Role != "system" {
		t.Errorf("system message lost, first = %+v", got[0])
	}
	if got[len(got)-1].Content != "m9" {
		t.Errorf("most recent message lost, last = %+v", got[len(got)-1])
	}
}

func TestTrim(t *testing.T) {
	mk := func(roles ...string) []Message {
		out := make([]Message, len(roles))
		for i, r := range roles {
			out[i] = Message{Role: r, Content: fmt.Sprintf("m%d", i)}
		}
		return out
	}

	tests := []struct {
		name      string
		msgs      []Message
		max       int
		wantLen   int
		wantFirst string
	}{
		{"zero max untouched", mk("user", "assistant"), 0, 2, "m0"},
		{"under limit untouched", mk("user", "assistant"), 5, 2, "m0"},
		{"system survives", mk("system", "user", "assistant", "user"), 2, 2, "m0"},
		{"no system drops oldest", mk("user", "assistant", "user"), 2, 2, "m1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Trim(tt.msgs, tt.max)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Content != tt.wantFirst {
				t.Errorf("first = %q, want %q", got[0].Content, tt.wantFirst)
			}
		})
	}
}

func TestStoreGetAndDelete(t *testing.T) {
	s := NewStore()
	s.Append("c1", []Message{msg("user", "hi")}, 0)

	conv := s.Get("c1")
	if conv == nil || conv.ID != "c1" {
		t.Fatalf("Get = %+v", conv)
	}

	// Get returns a copy.
	conv.Messages[0].Content = "mutated"
	if s.Messages("c1")[0].Content != "hi" {
		t.Error("Get copy leaked into the store")
	}

	s.Delete("c1")
	if s.Get("c1") != nil {
		t.Error("conversation survived Delete")
	}
}

func TestStoreEvictIdle(t *testing.T) {
	s := NewStore()
	s.Append("old", []Message{msg("user", "x")}, 0)
	s.Append("fresh", []Message{msg("user", "y")}, 0)

	// Backdate the idle conversation directly.
	s.mu.Lock()
	s.conversations["old"].UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	if n := s.EvictIdle(24 * time.Hour); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if s.Get("old") != nil {
		t.Error("idle conversation survived eviction")
	}
	if s.Get("fresh") == nil {
		t.Error("fresh conversation was evicted")
	}

	if n := s.EvictIdle(0); n != 0 {
		t.Errorf("zero ttl evicted %d, want 0", n)
	}
}

func TestStoreStats(t *testing.T) {
	s := NewStore()
	s.Append("c1", []Message{msg("user", "a"), msg("assistant", "b")}, 0)
	s.Append("c2", []Message{msg("user", "c")}, 0)

	stats := s.Stats()
	if stats["conversations"] != 2 {
		t.Errorf("conversations = %v", stats["conversations"])
	}
	if stats["messages"] != 3 {
		t.Errorf("messages = %v", stats["messages"])
	}
}
