package server

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts SessionOptions) (*SessionManager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewSessionManager(opts)
	m.now = clock.Now
	return m, clock
}

func TestCombinedPrompt(t *testing.T) {
	p := CombinedPrompt("温柔的姐姐", []string{"喜欢猫", "住在杭州"})
	if !strings.HasPrefix(p, personaPrefix+"温柔的姐姐") {
		t.Errorf("prompt does not start with persona: %q", p)
	}
	if !strings.Contains(p, memoryPrefix+"喜欢猫\n住在杭州") {
		t.Errorf("prompt is missing memory: %q", p)
	}
	if !strings.HasSuffix(p, replyRules) {
		t.Errorf("prompt does not end with reply rules: %q", p)
	}

	if got := CombinedPrompt("", nil); got != replyRules {
		t.Errorf("empty prompt = %q, want reply rules only", got)
	}
}

func TestBeginReturnsSystemAndHistory(t *testing.T) {
	m, _ := newTestManager(SessionOptions{Persona: func(id string) string { return "persona-" + id }})

	msgs := m.Begin("u1", "a1", nil)
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("first Begin = %+v, want only a system message", msgs)
	}
	if !strings.Contains(msgs[0].Content, "persona-a1") {
		t.Errorf("system prompt %q is missing persona", msgs[0].Content)
	}

	m.Append("u1", "a1", "你好", "你好呀")
	msgs = m.Begin("u1", "a1", nil)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "你好" || msgs[2].Role != "assistant" || msgs[2].Content != "你好呀" {
		t.Errorf("history = %+v", msgs[1:])
	}
}

func TestBeginUpdatesMemory(t *testing.T) {
	m, _ := newTestManager(SessionOptions{})

	m.Begin("u1", "a1", []string{"喜欢猫"})
	s, ok := m.Get("u1", "a1")
	if !ok {
		t.Fatal("session not found")
	}
	if !strings.Contains(s.Prompt, "喜欢猫") {
		t.Errorf("prompt %q is missing memory", s.Prompt)
	}

	msgs := m.Begin("u1", "a1", nil)
	if !strings.Contains(msgs[0].Content, "喜欢猫") {
		t.Error("empty memory should keep the previous memory")
	}

	msgs = m.Begin("u1", "a1", []string{"养了一只狗"})
	if strings.Contains(msgs[0].Content, "喜欢猫") || !strings.Contains(msgs[0].Content, "养了一只狗") {
		t.Errorf("prompt was not rebuilt: %q", msgs[0].Content)
	}
}

func TestHistoryLimit(t *testing.T) {
	m, _ := newTestManager(SessionOptions{HistoryLimit: 4})
	for _, p := range []string{"1", "2", "3"} {
		m.Append("u1", "a1", p, "r"+p)
	}
	s, _ := m.Get("u1", "a1")
	if len(s.History) != 4 {
		t.Fatalf("history has %d messages, want 4", len(s.History))
	}
	if s.History[0].Content != "2" || s.History[3].Content != "r3" {
		t.Errorf("history = %+v, want the newest exchanges", s.History)
	}
}

func TestLRUEviction(t *testing.T) {
	var expired []Session
	m, _ := newTestManager(SessionOptions{
		PerUser:  2,
		OnExpire: func(s Session) { expired = append(expired, s) },
	})

	m.Append("u1", "a1", "hi", "hello")
	m.Begin("u1", "a2", nil)
	m.Begin("u1", "a1", nil) // a2 is now least recently used
	m.Begin("u1", "a3", nil)

	if _, ok := m.Get("u1", "a2"); ok {
		t.Error("a2 should have been evicted")
	}
	if _, ok := m.Get("u1", "a1"); !ok {
		t.Error("a1 should still be live")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
	if len(expired) != 1 || expired[0].AvatarID != "a2" {
		t.Errorf("expired = %+v, want a2", expired)
	}

	m.Begin("u2", "a1", nil)
	if m.Len() != 3 {
		t.Errorf("limit is per user: Len = %d, want 3", m.Len())
	}
}

func TestSweep(t *testing.T) {
	var expired []Session
	m, clock := newTestManager(SessionOptions{
		TTL:      100 * time.Second,
		OnExpire: func(s Session) { expired = append(expired, s) },
	})

	m.Append("u1", "a1", "hi", "hello")
	clock.Advance(60 * time.Second)
	m.Begin("u1", "a2", nil)

	if n := m.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d sessions before the TTL", n)
	}

	clock.Advance(50 * time.Second)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d sessions, want 1", n)
	}
	if len(expired) != 1 || expired[0].AvatarID != "a1" || len(expired[0].History) != 2 {
		t.Errorf("expired = %+v", expired)
	}

	clock.Advance(time.Hour)
	m.Sweep()
	if m.Len() != 0 {
		t.Errorf("Len = %d after expiring everything", m.Len())
	}

	// The user entry was dropped; new requests must still work.
	m.Append("u1", "a1", "again", "welcome back")
	s, ok := m.Get("u1", "a1")
	if !ok || len(s.History) != 2 {
		t.Errorf("session after sweep = %+v, %v", s, ok)
	}
}

func TestConcurrentUsers(t *testing.T) {
	m, clock := newTestManager(SessionOptions{TTL: time.Second})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Begin("u1", "a1", nil)
				m.Append("u1", "a1", "p", "r")
				if j%10 == 0 {
					clock.Advance(2 * time.Second)
					m.Sweep()
				}
			}
		}()
	}
	wg.Wait()
	if m.Len() > 1 {
		t.Errorf("Len = %d, want at most 1", m.Len())
	}
}
