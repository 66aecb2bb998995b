package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/session"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/storage"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// produce executes the tool and feeds the session until a terminal event is
// delivered or the consumer goes away.
func (d *Dispatcher) produce(sess *session.Session, c *call) {
	defer d.metrics.StreamClosed()

	ctx, cancel := d.withTimeout(sess.Context(), c)
	defer cancel()

	var terr *tool.Error
	if h, ok := c.tool.Handler.(registry.StreamFunc); ok {
		terr = d.pump(ctx, sess, c, h)
	} else {
		var res *tool.Result
		res, terr = d.executeUnary(ctx, c)
		if terr == nil {
			terr = d.deliver(ctx, sess, c, tool.Final(res))
		} else {
			_ = d.deliver(ctx, sess, c, tool.Failure(terr))
		}
	}

	sess.CloseSend()
	c.events = sess.Emitted()
	d.finish(c, terr)
}

// pump runs the handler's sequence on its own goroutine and hands each
// event over an unbuffered channel. The handler's yield returns only after
// the event was pushed, so a full queue suspends the handler and a cancelled
// session surfaces as yield returning false.
func (d *Dispatcher) pump(ctx context.Context, sess *session.Session, c *call, h registry.StreamFunc) *tool.Error {
	events := make(chan tool.Event)
	ack := make(chan bool, 1)
	done := make(chan error, 1)

	go func() {
		stopped := false
		yield := func(ev tool.Event) bool {
			if stopped {
				return false
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				stopped = true
				return false
			}
			if !<-ack {
				stopped = true
				return false
			}
			return true
		}
		out := tool.Capture(func() (*tool.Result, error) {
			seq := h(ctx, c.inv)
			if seq == nil {
				return nil, errors.New("stream handler returned no sequence")
			}
			seq(yield)
			return nil, nil
		})
		done <- out.Err
	}()

	for {
		select {
		case ev := <-events:
			more, terr := d.forward(ctx, sess, c, ev)
			ack <- more
			if !more {
				return terr
			}
		case err := <-done:
			c.stage = storage.StageExecute
			if err != nil {
				terr := d.executionError(ctx, c, err)
				_ = d.deliver(ctx, sess, c, tool.Failure(terr))
				return terr
			}
			terr := tool.IncompleteStream()
			d.logger.Warn("stream ended without terminal event",
				zap.String("tool_name", c.req.ToolName),
				zap.String("request_id", c.requestID),
			)
			_ = d.deliver(ctx, sess, c, tool.Failure(terr))
			return terr
		case <-ctx.Done():
			c.stage = storage.StageExecute
			terr := d.executionError(ctx, c, context.Cause(ctx))
			_ = d.deliver(ctx, sess, c, tool.Failure(terr))
			return terr
		}
	}
}

// forward normalizes one handler event and pushes it. It reports whether
// the handler may continue, and the call's error once the stream is over.
func (d *Dispatcher) forward(ctx context.Context, sess *session.Session, c *call, ev tool.Event) (bool, *tool.Error) {
	switch ev.Type {
	case tool.EventProgress:
		ev = clampProgress(ev)
	case tool.EventPartial:
		if ev.Result == nil {
			ev.Result = tool.NewResult()
		}
	case tool.EventFinal:
		if ev.Result == nil {
			ev.Result = tool.NewResult()
		}
	case tool.EventError:
		if ev.Err == nil {
			ev.Err = tool.ExecutionFailed("", nil)
		}
	default:
		c.stage = storage.StageExecute
		terr := tool.ExecutionFailed("tool emitted an unknown event type", map[string]any{"type": string(ev.Type)})
		_ = d.deliver(ctx, sess, c, tool.Failure(terr))
		return false, terr
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if terr := d.deliver(ctx, sess, c, ev); terr != nil {
		return false, terr
	}
	if ev.Type == tool.EventError {
		c.stage = storage.StageExecute
		return false, ev.Err
	}
	return ev.Type != tool.EventFinal, nil
}

// deliver pushes ev and counts it. A gone consumer is reported as cancelled.
// If ctx ends while the queue is full, the call fails with ctx's cause and
// that failure is pushed as the terminal event.
func (d *Dispatcher) deliver(ctx context.Context, sess *session.Session, c *call, ev tool.Event) *tool.Error {
	err := sess.PushContext(ctx, ev)
	switch {
	case err == nil:
		d.metrics.StreamEvent(c.req.ToolName, string(ev.Type))
		return nil
	case errors.Is(err, session.ErrClosed):
		return nil
	case errors.Is(err, session.ErrCancelled):
		c.stage = storage.StageExecute
		return tool.Cancelled("stream consumer went away")
	}
	c.stage = storage.StageExecute
	terr := d.executionError(ctx, c, context.Cause(ctx))
	_ = d.deliver(ctx, sess, c, tool.Failure(terr))
	return terr
}

func clampProgress(ev tool.Event) tool.Event {
	clamped := tool.Progress(ev.Progress, ev.Message)
	clamped.Timestamp = ev.Timestamp
	return clamped
}
