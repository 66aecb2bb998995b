package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds the events buffered between producer and consumer.
const DefaultQueueSize = 16

// Manager tracks active streaming sessions.
type Manager struct {
	sessions  sync.Map // map[string]*Session
	active    atomic.Int64
	queueSize int
	logger    *zap.Logger
}

func NewManager(queueSize int, logger *zap.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{queueSize: queueSize, logger: logger}
}

// Open creates a session bound to ctx. The session leaves the manager when
// its producer closes.
func (m *Manager) Open(ctx context.Context, toolName, requestID string) *Session {
	s := newSession(ctx, uuid.NewString(), toolName, requestID, m.queueSize)
	s.onClose = func() {
		m.sessions.Delete(s.ID)
		m.active.Add(-1)
		m.logger.Debug("stream session closed",
			zap.String("session_id", s.ID),
			zap.String("tool_name", s.ToolName),
			zap.Int("events", s.Emitted()),
			zap.Bool("cancelled", s.Cancelled()),
		)
	}
	m.sessions.Store(s.ID, s)
	m.active.Add(1)
	m.logger.Debug("stream session opened",
		zap.String("session_id", s.ID),
		zap.String("tool_name", toolName),
		zap.String("request_id", requestID),
	)
	return s
}

// Get returns an active session.
func (m *Manager) Get(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Cancel cancels an active session. It reports whether the session existed.
func (m *Manager) Cancel(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Active is the number of sessions whose producer has not closed.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// CancelAll cancels every active session. Used on shutdown.
func (m *Manager) CancelAll() int {
	n := 0
	m.sessions.Range(func(_, v any) bool {
		v.(*Session).Cancel()
		n++
		return true
	})
	return n
}
