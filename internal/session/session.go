package session

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

var (
	// ErrCancelled is returned by Push once the consumer has gone away.
	ErrCancelled = errors.New("session cancelled")
	// ErrClosed is returned by Push after the terminal event was sent.
	ErrClosed = errors.New("session closed")
)

// Session is one in-flight streaming call. There is exactly one producer
// (Push, CloseSend) and one consumer (Next or All).
type Session struct {
	ID        string
	ToolName  string
	RequestID string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan tool.Event
	slots  chan struct{} // one token per queued non-terminal event

	terminated atomic.Bool
	closed     atomic.Bool
	cancelled  atomic.Bool
	emitted    atomic.Int64
	closeOnce  sync.Once
	onClose    func()
}

func newSession(parent context.Context, id, toolName, requestID string, queueSize int) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        id,
		ToolName:  toolName,
		RequestID: requestID,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan tool.Event, queueSize+1),
		slots:     make(chan struct{}, queueSize),
	}
}

// Context is cancelled when the session is cancelled or its parent ends.
// Producers hand it to the tool handler.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed once the session is cancelled or its producer closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Push enqueues ev, suspending while the queue is full. A terminal event
// closes the producer side; later pushes fail with ErrClosed.
func (s *Session) Push(ev tool.Event) error {
	return s.PushContext(s.ctx, ev)
}

// PushContext is Push that also gives up when ctx ends, returning ctx's
// error. The queue keeps one slot back for the terminal event, so a
// terminal push never waits on a slow consumer.
func (s *Session) PushContext(ctx context.Context, ev tool.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.ctx.Err() != nil {
		s.cancelled.Store(true)
		return ErrCancelled
	}
	if !ev.Terminal() {
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			s.cancelled.Store(true)
			return ErrCancelled
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				s.cancelled.Store(true)
				return ErrCancelled
			}
			return ctx.Err()
		}
	}
	s.events <- ev
	s.emitted.Add(1)
	if ev.Terminal() {
		s.terminated.Store(true)
		s.CloseSend()
	}
	return nil
}

// CloseSend ends the producer side. Idempotent.
func (s *Session) CloseSend() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.events)
		if s.onClose != nil {
			s.onClose()
		}
		s.cancel()
	})
}

// Cancel marks the consumer as gone. Pending and future Push calls return
// ErrCancelled and the handler context is cancelled. No-op once the
// producer has closed.
func (s *Session) Cancel() {
	if s.closed.Load() {
		return
	}
	s.cancelled.Store(true)
	s.cancel()
}

// Cancelled reports whether the consumer went away before the stream ended.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Terminated reports whether the terminal event has been pushed.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// Emitted is the number of events accepted by Push.
func (s *Session) Emitted() int {
	return int(s.emitted.Load())
}

// Next returns the next event in emission order, or io.EOF once the
// producer has closed. If ctx ends first, the session is cancelled.
func (s *Session) Next(ctx context.Context) (tool.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return tool.Event{}, io.EOF
		}
		s.release(ev)
		return ev, nil
	case <-ctx.Done():
		s.Cancel()
		return tool.Event{}, ctx.Err()
	}
}

// All yields events until the producer closes. Breaking out of the loop
// cancels the session.
func (s *Session) All() iter.Seq[tool.Event] {
	return func(yield func(tool.Event) bool) {
		for ev := range s.events {
			s.release(ev)
			if !yield(ev) {
				s.Cancel()
				return
			}
		}
	}
}

func (s *Session) release(ev tool.Event) {
	if !ev.Terminal() {
		<-s.slots
	}
}

// Collect drains the session into a slice.
func (s *Session) Collect() []tool.Event {
	var out []tool.Event
	for ev := range s.All() {
		out = append(out, ev)
	}
	return out
}
