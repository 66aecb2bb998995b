package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/auth"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/sanitize"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/session"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/storage"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// DefaultMaxBlocking bounds concurrently running blocking handlers.
const DefaultMaxBlocking = 64

// AnonymousCaller is the rate-limit key when neither identity nor peer is known.
const AnonymousCaller = "anonymous"

var errToolTimeout = errors.New("tool timeout")

// Request is one call entering the pipeline.
type Request struct {
	ToolName    string
	Arguments   map[string]any
	Credentials auth.Credentials
	RequestID   string
	Metadata    map[string]string
}

// Config holds dispatcher tunables.
type Config struct {
	DefaultTimeout time.Duration // used when a tool declares none; 0 = none
	MaxBlocking    int64
	Debug          bool // expose handler error and panic detail to callers
}

// Options wires the dispatcher's collaborators. Registry is required; nil
// Verifier makes every auth-protected tool fail with unauthenticated.
type Options struct {
	Registry  *registry.Registry
	Verifier  auth.Verifier
	Limiter   *ratelimit.Limiter
	Sanitizer *sanitize.Sanitizer
	Sessions  *session.Manager
	Writer    storage.EventWriter
	Metrics   *metrics.Collector
	Config    Config
	Logger    *zap.Logger
}

// Dispatcher runs every call through auth, rate limiting, sanitization and
// execution, and converts all failures into *tool.Error.
type Dispatcher struct {
	registry  *registry.Registry
	verifier  auth.Verifier
	limiter   *ratelimit.Limiter
	sanitizer *sanitize.Sanitizer
	sessions  *session.Manager
	writer    storage.EventWriter
	metrics   *metrics.Collector
	blocking  *semaphore.Weighted
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher, filling in defaults for optional collaborators.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(logger)
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(sanitize.DefaultConfig())
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.DefaultQueueSize, logger)
	}
	if opts.Writer == nil {
		opts.Writer = storage.NewLogWriter(logger)
	}
	if opts.Config.MaxBlocking <= 0 {
		opts.Config.MaxBlocking = DefaultMaxBlocking
	}
	return &Dispatcher{
		registry:  opts.Registry,
		verifier:  opts.Verifier,
		limiter:   opts.Limiter,
		sanitizer: opts.Sanitizer,
		sessions:  opts.Sessions,
		writer:    opts.Writer,
		metrics:   opts.Metrics,
		blocking:  semaphore.NewWeighted(opts.Config.MaxBlocking),
		cfg:       opts.Config,
		logger:    logger,
	}
}

// call carries per-invocation state through the pipeline.
type call struct {
	req       Request
	requestID string
	sessionID string
	start     time.Time
	tool      *registry.Tool
	caller    string
	inv       *tool.Invocation
	stage     string
	streamed  bool
	events    int
}

func (c *call) kind() string {
	if c.tool == nil {
		return ""
	}
	return string(c.tool.Definition.Kind)
}

// ListTools is the discovery interface.
func (d *Dispatcher) ListTools(f registry.Filter) []registry.Definition {
	return d.registry.List(f)
}

// Sessions exposes the streaming session manager.
func (d *Dispatcher) Sessions() *session.Manager {
	return d.sessions
}

// Invoke runs a call to completion. A non-nil error is always *tool.Error.
// Streaming tools are drained and their final result returned.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*tool.Result, error) {
	c := d.newCall(req)

	if terr := d.prepare(ctx, c); terr != nil {
		d.finish(c, terr)
		return nil, terr
	}

	ctx, cancel := d.withTimeout(ctx, c)
	defer cancel()

	res, terr := d.executeUnary(ctx, c)
	d.finish(c, terr)
	if terr != nil {
		return nil, terr
	}
	return res, nil
}

// InvokeStream starts a call and returns its session. Failures before
// execution arrive as a single Error event. Blocking and async tools yield
// one terminal event.
func (d *Dispatcher) InvokeStream(ctx context.Context, req Request) *session.Session {
	c := d.newCall(req)
	c.streamed = true

	sess := d.sessions.Open(ctx, req.ToolName, c.requestID)
	c.sessionID = sess.ID

	if terr := d.prepare(sess.Context(), c); terr != nil {
		_ = sess.Push(tool.Failure(terr))
		sess.CloseSend()
		c.events = sess.Emitted()
		d.finish(c, terr)
		return sess
	}

	d.metrics.StreamOpened()
	go d.produce(sess, c)
	return sess
}

func (d *Dispatcher) newCall(req Request) *call {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &call{req: req, requestID: requestID, start: time.Now()}
}

// prepare runs lookup, auth, rate limiting and sanitization. On success
// c.inv is ready for the handler.
func (d *Dispatcher) prepare(ctx context.Context, c *call) *tool.Error {
	c.caller = callerKey("", c.req.Credentials.Peer)

	// 1. Lookup
	t, ok := d.registry.Lookup(c.req.ToolName)
	if !ok {
		c.stage = storage.StageLookup
		return tool.ToolNotFound(c.req.ToolName)
	}
	c.tool = t
	policy := t.Definition.Policy

	// 2. Authenticate, only when the policy asks for it
	var identity string
	var permissions []string
	if policy.RequiresAuth {
		res, terr := d.authenticate(ctx, c)
		if terr == nil {
			if missing := res.Missing(policy.RequiredPermissions); len(missing) > 0 {
				terr = tool.PermissionDenied(missing)
			}
		}
		if terr != nil {
			c.stage = storage.StageAuth
			d.metrics.AuthFailure(t.Definition.Name, string(terr.Code))
			return terr
		}
		identity = res.Identity
		permissions = res.Permissions
	}
	c.caller = callerKey(identity, c.req.Credentials.Peer)

	// 3. Rate limit. Tokens are not refunded if a later stage fails.
	if rl := policy.RateLimit; rl != nil {
		decision := d.limiter.Allow(t.Definition.Name, c.caller, *rl)
		if !decision.Allowed {
			c.stage = storage.StageRateLimit
			d.metrics.RateLimited(t.Definition.Name)
			return tool.RateLimitExceeded(decision.RetryAfter)
		}
	}

	// 4. Sanitize
	args, err := d.sanitizer.Sanitize(c.req.Arguments, t.Schema)
	if err != nil {
		c.stage = storage.StageSanitize
		if terr, ok := tool.AsError(err); ok {
			return terr
		}
		return tool.Validation("", err.Error())
	}

	md := make(map[string]string, len(c.req.Credentials.Metadata)+len(c.req.Metadata))
	maps.Copy(md, c.req.Credentials.Metadata)
	maps.Copy(md, c.req.Metadata)

	c.inv = &tool.Invocation{
		ToolName:    t.Definition.Name,
		Arguments:   args,
		Caller:      c.caller,
		Permissions: permissions,
		RequestID:   c.requestID,
		CreatedAt:   c.start,
		Metadata:    md,
	}
	return nil
}

func (d *Dispatcher) authenticate(ctx context.Context, c *call) (*auth.Result, *tool.Error) {
	if d.verifier == nil {
		return nil, tool.Unauthenticated("authentication is not configured")
	}
	res, err := d.verifier.Verify(ctx, c.req.Credentials)
	if err != nil {
		d.logger.Warn("credential verification failed",
			zap.String("tool_name", c.req.ToolName),
			zap.String("request_id", c.requestID),
			zap.Error(err),
		)
		return nil, tool.Unauthenticated("credential verification unavailable")
	}
	if res == nil || !res.Authenticated {
		reason := ""
		if res != nil {
			reason = res.FailureReason
		}
		return nil, tool.Unauthenticated(reason)
	}
	return res, nil
}

// callerKey is the authenticated identity, else the peer host, else AnonymousCaller.
func callerKey(identity, peer string) string {
	if identity != "" {
		return identity
	}
	if peer != "" {
		if host, _, err := net.SplitHostPort(peer); err == nil {
			return host
		}
		return peer
	}
	return AnonymousCaller
}

func (d *Dispatcher) withTimeout(ctx context.Context, c *call) (context.Context, context.CancelFunc) {
	timeout := d.timeoutFor(c)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, errToolTimeout)
}

func (d *Dispatcher) timeoutFor(c *call) time.Duration {
	if t := c.tool.Definition.Policy.Timeout; t > 0 {
		return t
	}
	return d.cfg.DefaultTimeout
}

// executeUnary runs the handler and waits for one result, whatever its kind.
func (d *Dispatcher) executeUnary(ctx context.Context, c *call) (*tool.Result, *tool.Error) {
	var res *tool.Result
	var err error
	switch h := c.tool.Handler.(type) {
	case registry.BlockingFunc:
		res, err = d.runBlocking(ctx, c, h)
	case registry.AsyncFunc:
		res, err = d.awaitAsync(ctx, c, h)
	case registry.StreamFunc:
		res, err = d.drainStream(ctx, c, h)
	default:
		err = fmt.Errorf("unsupported handler %T", c.tool.Handler)
	}
	if err != nil {
		c.stage = storage.StageExecute
		return nil, d.executionError(ctx, c, err)
	}
	if res == nil {
		res = tool.NewResult()
	}
	return res, nil
}

// runBlocking runs h on its own goroutine under the blocking semaphore. The
// caller stops waiting at the deadline; a handler that ignores ctx keeps its
// semaphore slot until it returns.
func (d *Dispatcher) runBlocking(ctx context.Context, c *call, h registry.BlockingFunc) (*tool.Result, error) {
	if err := d.blocking.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}
	done := make(chan tool.Outcome, 1)
	go func() {
		defer d.blocking.Release(1)
		done <- tool.Capture(func() (*tool.Result, error) {
			return h(ctx, c.inv)
		})
	}()
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (d *Dispatcher) awaitAsync(ctx context.Context, c *call, h registry.AsyncFunc) (*tool.Result, error) {
	var ch <-chan tool.Outcome
	started := tool.Capture(func() (*tool.Result, error) {
		ch = h(ctx, c.inv)
		return nil, nil
	})
	if started.Err != nil {
		return nil, started.Err
	}
	if ch == nil {
		return nil, errors.New("async handler returned no channel")
	}
	select {
	case out, ok := <-ch:
		if !ok {
			return nil, errors.New("async handler closed its channel without an outcome")
		}
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// drainStream consumes a stream for a unary caller and returns its final result.
func (d *Dispatcher) drainStream(ctx context.Context, c *call, h registry.StreamFunc) (*tool.Result, error) {
	done := make(chan tool.Outcome, 1)
	go func() {
		done <- tool.Capture(func() (*tool.Result, error) {
			seq := h(ctx, c.inv)
			if seq == nil {
				return nil, errors.New("stream handler returned no sequence")
			}
			for ev := range seq {
				switch ev.Type {
				case tool.EventFinal:
					return ev.Result, nil
				case tool.EventError:
					if ev.Err == nil {
						return nil, tool.ExecutionFailed("", nil)
					}
					return nil, ev.Err
				}
				if ctx.Err() != nil {
					return nil, context.Cause(ctx)
				}
			}
			return nil, tool.IncompleteStream()
		})
	}()
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// executionError maps a handler failure onto the taxonomy. Typed tool errors
// pass through; everything else is redacted unless debug is on.
func (d *Dispatcher) executionError(ctx context.Context, c *call, err error) *tool.Error {
	if terr, ok := tool.AsError(err); ok {
		return terr
	}
	if errors.Is(err, errToolTimeout) || errors.Is(context.Cause(ctx), errToolTimeout) {
		return tool.Cancelled(fmt.Sprintf("tool timed out after %s", d.timeoutFor(c)))
	}
	if ctx.Err() != nil {
		return tool.Cancelled("invocation cancelled by caller")
	}

	var pe *tool.PanicError
	if errors.As(err, &pe) {
		d.logger.Error("tool panicked",
			zap.String("tool_name", c.req.ToolName),
			zap.String("request_id", c.requestID),
			zap.Any("panic", pe.Value),
			zap.ByteString("stack", pe.Stack),
		)
		var details map[string]any
		if d.cfg.Debug {
			details = map[string]any{"panic": fmt.Sprint(pe.Value), "stack": string(pe.Stack)}
		}
		return tool.ExecutionFailed("tool execution failed", details)
	}

	d.logger.Warn("tool returned error",
		zap.String("tool_name", c.req.ToolName),
		zap.String("request_id", c.requestID),
		zap.Error(err),
	)
	var details map[string]any
	if d.cfg.Debug {
		details = map[string]any{"error": err.Error()}
	}
	return tool.ExecutionFailed("tool execution failed", details)
}

// finish records the audit event, metrics and a log line for one call.
func (d *Dispatcher) finish(c *call, terr *tool.Error) {
	elapsed := time.Since(c.start)
	outcome := storage.OutcomeOK
	if terr != nil {
		outcome = string(terr.Code)
	}

	d.metrics.ObserveInvocation(c.req.ToolName, c.kind(), outcome, elapsed)

	var argNames []string
	if c.inv != nil {
		argNames = storage.ArgumentNames(c.inv.Arguments)
	} else {
		argNames = storage.ArgumentNames(c.req.Arguments)
	}
	d.writer.Write(&storage.InvocationEvent{
		RequestID:     c.requestID,
		SessionID:     c.sessionID,
		Timestamp:     c.start,
		ToolName:      c.req.ToolName,
		Kind:          c.kind(),
		Caller:        c.caller,
		Outcome:       outcome,
		FailedStage:   c.stage,
		ArgumentNames: argNames,
		Streamed:      c.streamed,
		EventCount:    uint32(c.events),
		LatencyMs:     float32(float64(elapsed) / float64(time.Millisecond)),
		Metadata:      c.req.Metadata,
	})

	if terr == nil {
		d.logger.Debug("tool invoked",
			zap.String("tool_name", c.req.ToolName),
			zap.String("request_id", c.requestID),
			zap.Duration("elapsed", elapsed),
		)
		return
	}
	d.logger.Info("tool invocation failed",
		zap.String("tool_name", c.req.ToolName),
		zap.String("request_id", c.requestID),
		zap.String("stage", c.stage),
		zap.String("code", string(terr.Code)),
		zap.String("message", terr.Message),
	)
}
