package server

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/voiceloop/pkg/observe"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

const (
	personaPrefix = "你的人物设定是："
	memoryPrefix  = "。以下是我们过去的聊天记录摘要："
	replyRules    = "请遵守以下回复要求：不要使用括号及括号内的动作描述，只能以对话文本形式进行回复。"
)

// CombinedPrompt builds the system prompt from a persona and memory
// snippets.
func CombinedPrompt(persona string, memory []string) string {
	var b strings.Builder
	if persona != "" {
		b.WriteString(personaPrefix + persona + " ")
	}
	if len(memory) > 0 {
		b.WriteString(memoryPrefix + strings.Join(memory, "\n") + " ")
	}
	b.WriteString(replyRules)
	return b.String()
}

// Session is one user's conversation with one avatar.
type Session struct {
	UserID     string
	AvatarID   string
	Persona    string
	Memory     []string
	Prompt     string
	History    []orchestrator.Message
	LastActive time.Time
}

func (s *Session) setMemory(memory []string) {
	s.Memory = memory
	s.Prompt = CombinedPrompt(s.Persona, memory)
}

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	// PerUser bounds the sessions kept per user; the least recently used
	// one is evicted.
	PerUser      int
	HistoryLimit int
	TTL          time.Duration
	// Persona returns the character description of an avatar.
	Persona func(avatarID string) string
	// OnExpire receives every session that is evicted or expires, outside
	// of any lock.
	OnExpire func(Session)
	Metrics  *observe.Metrics
}

type userSessions struct {
	mu    sync.Mutex
	order *list.List // of *Session, most recent first
	index map[string]*list.Element
	// removed is set once Sweep has dropped this entry from the manager
	removed bool
}

// SessionManager holds chat sessions in memory. It is safe for concurrent
// use; each user's sessions have their own lock.
type SessionManager struct {
	opts SessionOptions
	now  func() time.Time

	mu    sync.Mutex
	users map[string]*userSessions
}

func NewSessionManager(opts SessionOptions) *SessionManager {
	if opts.PerUser <= 0 {
		opts.PerUser = 5
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = 100 * time.Second
	}
	if opts.Persona == nil {
		opts.Persona = func(string) string { return "" }
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Noop()
	}
	return &SessionManager{opts: opts, now: time.Now, users: make(map[string]*userSessions)}
}

// lockUser returns the user's sessions with their lock held.
func (m *SessionManager) lockUser(userID string) *userSessions {
	for {
		m.mu.Lock()
		u, ok := m.users[userID]
		if !ok {
			u = &userSessions{order: list.New(), index: make(map[string]*list.Element)}
			m.users[userID] = u
		}
		m.mu.Unlock()

		u.mu.Lock()
		if !u.removed {
			return u
		}
		u.mu.Unlock()
	}
}

// sessionLocked returns the live session, creating it if needed. The caller
// holds u.mu. A session evicted to make room is returned as well.
func (m *SessionManager) sessionLocked(u *userSessions, userID, avatarID string) (*Session, *Session) {
	if el, ok := u.index[avatarID]; ok {
		u.order.MoveToFront(el)
		return el.Value.(*Session), nil
	}

	s := &Session{UserID: userID, AvatarID: avatarID, Persona: m.opts.Persona(avatarID)}
	s.setMemory(nil)
	u.index[avatarID] = u.order.PushFront(s)
	m.opts.Metrics.ActiveSessions.Add(context.Background(), 1)

	var evicted *Session
	if u.order.Len() > m.opts.PerUser {
		oldest := u.order.Back()
		evicted = oldest.Value.(*Session)
		u.order.Remove(oldest)
		delete(u.index, evicted.AvatarID)
		m.opts.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	return s, evicted
}

// Begin returns the messages for a new request: the system prompt followed
// by the stored history. Non-empty memory replaces the session's memory.
func (m *SessionManager) Begin(userID, avatarID string, memory []string) []orchestrator.Message {
	u := m.lockUser(userID)
	s, evicted := m.sessionLocked(u, userID, avatarID)
	if len(memory) > 0 {
		s.setMemory(memory)
	}
	s.LastActive = m.now()
	msgs := make([]orchestrator.Message, 0, len(s.History)+2)
	msgs = append(msgs, orchestrator.Message{Role: "system", Content: s.Prompt})
	msgs = append(msgs, s.History...)
	u.mu.Unlock()

	m.expire(evicted)
	return msgs
}

// Append stores one completed exchange, keeping the newest HistoryLimit
// messages.
func (m *SessionManager) Append(userID, avatarID, prompt, reply string) {
	u := m.lockUser(userID)
	s, evicted := m.sessionLocked(u, userID, avatarID)
	s.History = append(s.History,
		orchestrator.Message{Role: "user", Content: prompt},
		orchestrator.Message{Role: "assistant", Content: reply},
	)
	if over := len(s.History) - m.opts.HistoryLimit; over > 0 {
		s.History = append([]orchestrator.Message(nil), s.History[over:]...)
	}
	s.LastActive = m.now()
	u.mu.Unlock()

	m.expire(evicted)
}

// Get returns a copy of a live session.
func (m *SessionManager) Get(userID, avatarID string) (Session, bool) {
	m.mu.Lock()
	u, ok := m.users[userID]
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	el, ok := u.index[avatarID]
	if !ok {
		return Session{}, false
	}
	s := *el.Value.(*Session)
	s.History = append([]orchestrator.Message(nil), s.History...)
	return s, true
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	users := make([]*userSessions, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mu.Unlock()

	n := 0
	for _, u := range users {
		u.mu.Lock()
		n += u.order.Len()
		u.mu.Unlock()
	}
	return n
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed.
func (m *SessionManager) Sweep() int {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for userID, u := range m.users {
		u.mu.Lock()
		for el := u.order.Back(); el != nil; {
			prev := el.Prev()
			s := el.Value.(*Session)
			if now.Sub(s.LastActive) > m.opts.TTL {
				u.order.Remove(el)
				delete(u.index, s.AvatarID)
				expired = append(expired, s)
			}
			el = prev
		}
		if u.order.Len() == 0 {
			u.removed = true
			delete(m.users, userID)
		}
		u.mu.Unlock()
	}
	m.mu.Unlock()

	m.opts.Metrics.ActiveSessions.Add(context.Background(), -int64(len(expired)))
	for _, s := range expired {
		m.expire(s)
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *SessionManager) expire(s *Session) {
	if s == nil || m.opts.OnExpire == nil {
		return
	}
	m.opts.OnExpire(*s)
}
