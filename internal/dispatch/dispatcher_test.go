package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/auth"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/session"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/storage"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

const validToken = "valid-token-for-tests"

// recordingWriter implements storage.EventWriter for testing.
type recordingWriter struct {
	mu     sync.Mutex
	events []*storage.InvocationEvent
}

func (w *recordingWriter) Write(e *storage.InvocationEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *recordingWriter) Close() {}

func (w *recordingWriter) wait(t *testing.T, n int) []*storage.InvocationEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if len(w.events) >= n {
			out := append([]*storage.InvocationEvent(nil), w.events...)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d audit events", n)
	return nil
}

type fixture struct {
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	writer  *recordingWriter
	d       *Dispatcher
}

func newFixture(t *testing.T, cfg Config, queueSize int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		reg:     registry.NewRegistry(logger),
		limiter: ratelimit.NewLimiter(logger),
		writer:  &recordingWriter{},
	}
	f.d = New(Options{
		Registry: f.reg,
		Verifier: auth.NewStaticTokenVerifier([]auth.StaticToken{
			{Token: validToken, Identity: "alice", Permissions: []string{"tools:read"}},
		}),
		Limiter:  f.limiter,
		Sessions: session.NewManager(queueSize, logger),
		Writer:   f.writer,
		Config:   cfg,
		Logger:   logger,
	})
	return f
}

func textParam(name string, required bool) registry.Parameter {
	return registry.Parameter{Name: name, Type: registry.TypeString, Required: required}
}

func echoHandler(calls *atomic.Int32) registry.BlockingFunc {
	return func(_ context.Context, inv *tool.Invocation) (*tool.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return tool.TextResult(inv.String("text")), nil
	}
}

func expectCode(t *testing.T, err error, code tool.Code) *tool.Error {
	t.Helper()
	terr, ok := tool.AsError(err)
	if !ok {
		t.Fatalf("expected *tool.Error with code %s, got %v", code, err)
	}
	if terr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, terr.Code, terr.Message)
	}
	return terr
}

func TestInvoke_Blocking(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name:       "echo",
		Kind:       registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", true)},
	}, echoHandler(nil))

	res, err := f.d.Invoke(context.Background(), Request{
		ToolName:  "echo",
		Arguments: map[string]any{"text": "hello\x00 world"},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != "hello world" {
		t.Fatalf("expected sanitized echo, got %q", res.Text())
	}

	events := f.writer.wait(t, 1)
	e := events[0]
	if e.RequestID != "req-1" || e.Outcome != storage.OutcomeOK || e.Kind != "blocking" || e.Caller != AnonymousCaller {
		t.Fatalf("unexpected audit event: %+v", e)
	}
	if len(e.ArgumentNames) != 1 || e.ArgumentNames[0] != "text" {
		t.Fatalf("expected argument names only, got %v", e.ArgumentNames)
	}
}

func TestInvoke_ToolNotFound(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	_, err := f.d.Invoke(context.Background(), Request{ToolName: "missing"})
	expectCode(t, err, tool.CodeToolNotFound)

	e := f.writer.wait(t, 1)[0]
	if e.FailedStage != storage.StageLookup {
		t.Fatalf("expected lookup stage, got %q", e.FailedStage)
	}
}

func TestInvoke_ScriptArgumentNeverExecutes(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	var calls atomic.Int32
	f.reg.MustRegister(registry.Definition{
		Name:       "echo",
		Kind:       registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", true)},
	}, echoHandler(&calls))

	_, err := f.d.Invoke(context.Background(), Request{
		ToolName:  "echo",
		Arguments: map[string]any{"text": "<script>alert(1)</script>"},
	})
	terr := expectCode(t, err, tool.CodeValidation)
	if terr.Field != "text" {
		t.Fatalf("expected field text, got %q", terr.Field)
	}
	if calls.Load() != 0 {
		t.Fatal("handler must not run for rejected input")
	}
	if e := f.writer.wait(t, 1)[0]; e.FailedStage != storage.StageSanitize {
		t.Fatalf("expected sanitize stage, got %q", e.FailedStage)
	}
}

func TestInvoke_AuthRequired(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name: "secret",
		Kind: registry.KindBlocking,
		Policy: registry.Policy{
			RequiresAuth:        true,
			RequiredPermissions: []string{"tools:read"},
		},
	}, registry.BlockingFunc(func(_ context.Context, inv *tool.Invocation) (*tool.Result, error) {
		return tool.TextResult(inv.Caller), nil
	}))

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "secret"})
	expectCode(t, err, tool.CodeUnauthenticated)

	_, err = f.d.Invoke(context.Background(), Request{
		ToolName:    "secret",
		Credentials: auth.Credentials{Token: "wrong"},
	})
	terr := expectCode(t, err, tool.CodeUnauthenticated)
	if terr.Message != "invalid token" {
		t.Fatalf("expected verifier reason, got %q", terr.Message)
	}

	res, err := f.d.Invoke(context.Background(), Request{
		ToolName:    "secret",
		Credentials: auth.Credentials{Token: validToken},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != "alice" {
		t.Fatalf("expected identity as caller, got %q", res.Text())
	}
}

func TestInvoke_PermissionDenied(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name: "admin",
		Kind: registry.KindBlocking,
		Policy: registry.Policy{
			RequiresAuth:        true,
			RequiredPermissions: []string{"tools:read", "tools:admin"},
		},
	}, echoHandler(nil))

	_, err := f.d.Invoke(context.Background(), Request{
		ToolName:    "admin",
		Credentials: auth.Credentials{Token: validToken},
	})
	terr := expectCode(t, err, tool.CodePermissionDenied)
	missing, _ := terr.Details["missing_permissions"].([]string)
	if len(missing) != 1 || missing[0] != "tools:admin" {
		t.Fatalf("expected only tools:admin missing, got %v", terr.Details)
	}
}

type erroringVerifier struct{}

func (erroringVerifier) Verify(context.Context, auth.Credentials) (*auth.Result, error) {
	return nil, errors.New("database unavailable")
}

func TestInvoke_VerifierErrorFailsClosed(t *testing.T) {
	reg := registry.NewRegistry(zap.NewNop())
	reg.MustRegister(registry.Definition{
		Name:   "secret",
		Kind:   registry.KindBlocking,
		Policy: registry.Policy{RequiresAuth: true},
	}, echoHandler(nil))
	d := New(Options{Registry: reg, Verifier: erroringVerifier{}, Writer: &recordingWriter{}})

	_, err := d.Invoke(context.Background(), Request{
		ToolName:    "secret",
		Credentials: auth.Credentials{Token: "anything"},
	})
	expectCode(t, err, tool.CodeUnauthenticated)
}

func TestInvoke_NoVerifierConfigured(t *testing.T) {
	reg := registry.NewRegistry(zap.NewNop())
	reg.MustRegister(registry.Definition{
		Name:   "secret",
		Kind:   registry.KindBlocking,
		Policy: registry.Policy{RequiresAuth: true},
	}, echoHandler(nil))
	d := New(Options{Registry: reg, Writer: &recordingWriter{}})

	_, err := d.Invoke(context.Background(), Request{
		ToolName:    "secret",
		Credentials: auth.Credentials{Token: validToken},
	})
	expectCode(t, err, tool.CodeUnauthenticated)
}

func TestInvoke_FailedAuthDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name: "limited",
		Kind: registry.KindBlocking,
		Policy: registry.Policy{
			RequiresAuth: true,
			RateLimit:    &ratelimit.Policy{Algorithm: ratelimit.TokenBucket, Capacity: 3, RefillPerSecond: 0.001},
		},
	}, echoHandler(nil))

	for i := 0; i < 10; i++ {
		_, err := f.d.Invoke(context.Background(), Request{
			ToolName:    "limited",
			Credentials: auth.Credentials{Token: "stolen", Peer: "10.0.0.9:4000"},
		})
		expectCode(t, err, tool.CodeUnauthenticated)
	}
	if f.limiter.Len() != 0 {
		t.Fatalf("expected no limiter entries after auth failures, got %d", f.limiter.Len())
	}

	for i := 0; i < 3; i++ {
		if _, err := f.d.Invoke(context.Background(), Request{
			ToolName:    "limited",
			Credentials: auth.Credentials{Token: validToken, Peer: "10.0.0.9:4000"},
		}); err != nil {
			t.Fatalf("call %d: expected full quota for valid caller, got %v", i, err)
		}
	}
	_, err := f.d.Invoke(context.Background(), Request{
		ToolName:    "limited",
		Credentials: auth.Credentials{Token: validToken},
	})
	terr := expectCode(t, err, tool.CodeRateLimitExceeded)
	if terr.RetryAfter <= 0 {
		t.Fatal("expected retry_after on rate limit errors")
	}
}

func TestInvoke_AllowAllSharesQuotaAcrossSourcePorts(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.d = New(Options{
		Registry: f.reg,
		Verifier: auth.NewAllowAllVerifier(),
		Limiter:  f.limiter,
		Sessions: session.NewManager(0, zap.NewNop()),
		Writer:   f.writer,
		Logger:   zap.NewNop(),
	})
	f.reg.MustRegister(registry.Definition{
		Name: "limited",
		Kind: registry.KindBlocking,
		Policy: registry.Policy{
			RequiresAuth: true,
			RateLimit:    &ratelimit.Policy{Algorithm: ratelimit.TokenBucket, Capacity: 1, RefillPerSecond: 0.001},
		},
	}, echoHandler(nil))

	allowed := 0
	for port := 4000; port < 4010; port++ {
		_, err := f.d.Invoke(context.Background(), Request{
			ToolName:    "limited",
			Credentials: auth.Credentials{Peer: fmt.Sprintf("10.0.0.9:%d", port)},
		})
		if err == nil {
			allowed++
			continue
		}
		expectCode(t, err, tool.CodeRateLimitExceeded)
	}
	if allowed != 1 {
		t.Fatalf("expected one allowed call for one host, got %d", allowed)
	}
	if f.limiter.Len() != 1 {
		t.Fatalf("expected a single limiter entry, got %d", f.limiter.Len())
	}
}

func TestInvoke_RateLimitNotRefundedOnValidationFailure(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	var calls atomic.Int32
	f.reg.MustRegister(registry.Definition{
		Name:       "limited",
		Kind:       registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", true)},
		Policy: registry.Policy{
			RateLimit: &ratelimit.Policy{Algorithm: ratelimit.SlidingWindow, Limit: 2, Window: time.Hour},
		},
	}, echoHandler(&calls))

	for i := 0; i < 2; i++ {
		_, err := f.d.Invoke(context.Background(), Request{ToolName: "limited", Arguments: map[string]any{}})
		expectCode(t, err, tool.CodeValidation)
	}

	_, err := f.d.Invoke(context.Background(), Request{
		ToolName:  "limited",
		Arguments: map[string]any{"text": "now valid"},
	})
	expectCode(t, err, tool.CodeRateLimitExceeded)
	if calls.Load() != 0 {
		t.Fatal("handler must not run")
	}
}

func TestInvoke_ConcurrentCallsRespectLimit(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name: "limited",
		Kind: registry.KindBlocking,
		Policy: registry.Policy{
			RateLimit: &ratelimit.Policy{Algorithm: ratelimit.SlidingWindow, Limit: 10, Window: time.Minute},
		},
	}, echoHandler(nil))

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Invoke(context.Background(), Request{
				ToolName:    "limited",
				Credentials: auth.Credentials{Peer: "192.168.1.5:1234"},
			})
			switch tool.CodeOf(err) {
			case "":
				ok.Add(1)
			case tool.CodeRateLimitExceeded:
				limited.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 || limited.Load() != 90 {
		t.Fatalf("expected 10 allowed and 90 limited, got %d/%d", ok.Load(), limited.Load())
	}
}

func TestInvoke_Timeout(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name:   "slow",
		Kind:   registry.KindBlocking,
		Policy: registry.Policy{Timeout: 30 * time.Millisecond},
	}, registry.BlockingFunc(func(ctx context.Context, _ *tool.Invocation) (*tool.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return tool.TextResult("late"), nil
		}
	}))

	start := time.Now()
	_, err := f.d.Invoke(context.Background(), Request{ToolName: "slow"})
	terr := expectCode(t, err, tool.CodeCancelled)
	if !strings.Contains(terr.Message, "timed out") {
		t.Fatalf("expected timeout message, got %q", terr.Message)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected caller released at the deadline")
	}
}

func TestInvoke_DefaultTimeoutIgnoringHandler(t *testing.T) {
	f := newFixture(t, Config{DefaultTimeout: 20 * time.Millisecond}, 0)
	release := make(chan struct{})
	defer close(release)
	f.reg.MustRegister(registry.Definition{Name: "stuck", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(context.Context, *tool.Invocation) (*tool.Result, error) {
			<-release
			return nil, nil
		}))

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "stuck"})
	expectCode(t, err, tool.CodeCancelled)
}

func TestInvoke_CallerCancellation(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "wait", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(ctx context.Context, _ *tool.Invocation) (*tool.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := f.d.Invoke(ctx, Request{ToolName: "wait"})
	terr := expectCode(t, err, tool.CodeCancelled)
	if strings.Contains(terr.Message, "timed out") {
		t.Fatalf("caller cancellation must not be reported as timeout: %q", terr.Message)
	}
}

func TestInvoke_PanicIsolated(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "crash", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(context.Context, *tool.Invocation) (*tool.Result, error) {
			panic("secret internal state")
		}))
	f.reg.MustRegister(registry.Definition{Name: "echo", Kind: registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", false)}}, echoHandler(nil))

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "crash"})
	terr := expectCode(t, err, tool.CodeToolExecutionFailed)
	if strings.Contains(terr.Message, "secret") || terr.Details != nil {
		t.Fatalf("expected redacted error, got %q %v", terr.Message, terr.Details)
	}

	if _, err := f.d.Invoke(context.Background(), Request{ToolName: "echo"}); err != nil {
		t.Fatalf("expected other calls unaffected, got %v", err)
	}
}

func TestInvoke_DebugExposesDetail(t *testing.T) {
	f := newFixture(t, Config{Debug: true}, 0)
	f.reg.MustRegister(registry.Definition{Name: "crash", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(context.Context, *tool.Invocation) (*tool.Result, error) {
			panic("kaboom")
		}))
	f.reg.MustRegister(registry.Definition{Name: "fail", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(context.Context, *tool.Invocation) (*tool.Result, error) {
			return nil, errors.New("disk full")
		}))

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "crash"})
	terr := expectCode(t, err, tool.CodeToolExecutionFailed)
	if terr.Details["panic"] != "kaboom" {
		t.Fatalf("expected panic detail in debug mode, got %v", terr.Details)
	}

	_, err = f.d.Invoke(context.Background(), Request{ToolName: "fail"})
	terr = expectCode(t, err, tool.CodeToolExecutionFailed)
	if terr.Details["error"] != "disk full" {
		t.Fatalf("expected error detail in debug mode, got %v", terr.Details)
	}
}

func TestInvoke_TypedToolErrorPassesThrough(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "picky", Kind: registry.KindBlocking},
		registry.BlockingFunc(func(context.Context, *tool.Invocation) (*tool.Result, error) {
			return nil, tool.Validation("path", "outside workspace")
		}))

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "picky"})
	terr := expectCode(t, err, tool.CodeValidation)
	if terr.Field != "path" {
		t.Fatalf("expected handler error unchanged, got %+v", terr)
	}
}

func TestInvoke_Async(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "upper", Kind: registry.KindAsync,
		Parameters: []registry.Parameter{textParam("text", true)}},
		registry.AsyncFunc(func(_ context.Context, inv *tool.Invocation) <-chan tool.Outcome {
			return tool.Go(func() (*tool.Result, error) {
				return tool.TextResult(strings.ToUpper(inv.String("text"))), nil
			})
		}))
	f.reg.MustRegister(registry.Definition{Name: "async_crash", Kind: registry.KindAsync},
		registry.AsyncFunc(func(context.Context, *tool.Invocation) <-chan tool.Outcome {
			return tool.Go(func() (*tool.Result, error) {
				panic("async boom")
			})
		}))
	f.reg.MustRegister(registry.Definition{Name: "async_closed", Kind: registry.KindAsync},
		registry.AsyncFunc(func(context.Context, *tool.Invocation) <-chan tool.Outcome {
			ch := make(chan tool.Outcome)
			close(ch)
			return ch
		}))

	res, err := f.d.Invoke(context.Background(), Request{ToolName: "upper", Arguments: map[string]any{"text": "abc"}})
	if err != nil || res.Text() != "ABC" {
		t.Fatalf("unexpected %v, %v", res, err)
	}

	_, err = f.d.Invoke(context.Background(), Request{ToolName: "async_crash"})
	expectCode(t, err, tool.CodeToolExecutionFailed)

	_, err = f.d.Invoke(context.Background(), Request{ToolName: "async_closed"})
	expectCode(t, err, tool.CodeToolExecutionFailed)
}

func countdown(steps int) registry.StreamFunc {
	return func(_ context.Context, _ *tool.Invocation) iter.Seq[tool.Event] {
		return func(yield func(tool.Event) bool) {
			for i := 1; i <= steps; i++ {
				if !yield(tool.Progress(float64(i)/float64(steps+1), "step")) {
					return
				}
			}
			yield(tool.Final(tool.TextResult("liftoff")))
		}
	}
}

func TestInvokeStream_OrderedEvents(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "countdown", Kind: registry.KindStreaming}, countdown(3))

	sess := f.d.InvokeStream(context.Background(), Request{ToolName: "countdown"})
	events := sess.Collect()

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i := 0; i < 3; i++ {
		if events[i].Type != tool.EventProgress {
			t.Fatalf("event %d: expected progress, got %s", i, events[i].Type)
		}
		if i > 0 && events[i].Progress <= events[i-1].Progress {
			t.Fatal("expected events in emission order")
		}
	}
	if events[3].Type != tool.EventFinal || events[3].Result.Text() != "liftoff" {
		t.Fatalf("expected final event last, got %+v", events[3])
	}

	e := f.writer.wait(t, 1)[0]
	if !e.Streamed || e.EventCount != 4 || e.Outcome != storage.OutcomeOK || e.SessionID != sess.ID {
		t.Fatalf("unexpected audit event %+v", e)
	}
	if f.d.Sessions().Active() != 0 {
		t.Fatalf("expected no active sessions, got %d", f.d.Sessions().Active())
	}
}

func TestInvokeStream_DisconnectStopsProducer(t *testing.T) {
	f := newFixture(t, Config{}, 1)

	var yields atomic.Int32
	var sawFalse atomic.Bool
	stopped := make(chan struct{})
	f.reg.MustRegister(registry.Definition{Name: "endless", Kind: registry.KindStreaming},
		registry.StreamFunc(func(context.Context, *tool.Invocation) iter.Seq[tool.Event] {
			return func(yield func(tool.Event) bool) {
				defer close(stopped)
				for i := 0; i < 1000; i++ {
					yields.Add(1)
					if !yield(tool.Progress(0.5, "tick")) {
						sawFalse.Store(true)
						return
					}
				}
			}
		}))

	sess := f.d.InvokeStream(context.Background(), Request{ToolName: "endless"})
	for i := 0; i < 2; i++ {
		if _, err := sess.Next(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	sess.Cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept producing after disconnect")
	}
	if !sawFalse.Load() {
		t.Fatal("expected handler to observe yield returning false")
	}
	// Two consumed, at most one buffered, one in hand-off, one refused.
	if n := yields.Load(); n > 5 {
		t.Fatalf("expected production to stop promptly, got %d yields", n)
	}

	e := f.writer.wait(t, 1)[0]
	if e.Outcome != string(tool.CodeCancelled) {
		t.Fatalf("expected cancelled outcome, got %q", e.Outcome)
	}
}

func TestInvokeStream_IncompleteStream(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "truncated", Kind: registry.KindStreaming},
		registry.StreamFunc(func(context.Context, *tool.Invocation) iter.Seq[tool.Event] {
			return func(yield func(tool.Event) bool) {
				yield(tool.Progress(0.5, "half"))
			}
		}))

	events := f.d.InvokeStream(context.Background(), Request{ToolName: "truncated"}).Collect()
	if len(events) != 2 {
		t.Fatalf("expected progress plus synthesized error, got %d events", len(events))
	}
	last := events[1]
	if last.Type != tool.EventError || last.Err.Code != tool.CodeIncompleteStream {
		t.Fatalf("expected incomplete_stream, got %+v", last)
	}

	_, err := f.d.Invoke(context.Background(), Request{ToolName: "truncated"})
	expectCode(t, err, tool.CodeIncompleteStream)
}

func TestInvokeStream_EventsAfterTerminalDropped(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "chatty", Kind: registry.KindStreaming},
		registry.StreamFunc(func(context.Context, *tool.Invocation) iter.Seq[tool.Event] {
			return func(yield func(tool.Event) bool) {
				if yield(tool.Final(tool.TextResult("done"))) {
					t.Error("expected yield to return false after the terminal event")
				}
				yield(tool.Progress(1, "ignored"))
			}
		}))

	events := f.d.InvokeStream(context.Background(), Request{ToolName: "chatty"}).Collect()
	if len(events) != 1 || events[0].Type != tool.EventFinal {
		t.Fatalf("expected exactly one final event, got %+v", events)
	}
}

func TestInvokeStream_PanicBecomesErrorEvent(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "bad_stream", Kind: registry.KindStreaming},
		registry.StreamFunc(func(context.Context, *tool.Invocation) iter.Seq[tool.Event] {
			return func(yield func(tool.Event) bool) {
				yield(tool.Progress(0.1, ""))
				panic("stream boom")
			}
		}))

	events := f.d.InvokeStream(context.Background(), Request{ToolName: "bad_stream"}).Collect()
	last := events[len(events)-1]
	if last.Type != tool.EventError || last.Err.Code != tool.CodeToolExecutionFailed {
		t.Fatalf("expected tool_execution_failed terminal event, got %+v", last)
	}
}

func TestInvokeStream_Timeout(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{
		Name:   "slow_stream",
		Kind:   registry.KindStreaming,
		Policy: registry.Policy{Timeout: 30 * time.Millisecond},
	}, registry.StreamFunc(func(ctx context.Context, _ *tool.Invocation) iter.Seq[tool.Event] {
		return func(yield func(tool.Event) bool) {
			for {
				if !yield(tool.Progress(0, "")) {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
	}))

	events := f.d.InvokeStream(context.Background(), Request{ToolName: "slow_stream"}).Collect()
	last := events[len(events)-1]
	if last.Type != tool.EventError || last.Err.Code != tool.CodeCancelled {
		t.Fatalf("expected cancelled terminal event, got %+v", last)
	}
}

func TestInvokeStream_TimeoutWithStalledConsumer(t *testing.T) {
	f := newFixture(t, Config{}, 1)
	stopped := make(chan struct{})
	f.reg.MustRegister(registry.Definition{
		Name:   "flood",
		Kind:   registry.KindStreaming,
		Policy: registry.Policy{Timeout: 30 * time.Millisecond},
	}, registry.StreamFunc(func(context.Context, *tool.Invocation) iter.Seq[tool.Event] {
		return func(yield func(tool.Event) bool) {
			defer close(stopped)
			for yield(tool.Progress(0, "tick")) {
			}
		}
	}))

	sess := f.d.InvokeStream(context.Background(), Request{ToolName: "flood"})

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not released at the deadline")
	}
	e := f.writer.wait(t, 1)[0]
	if e.Outcome != string(tool.CodeCancelled) {
		t.Fatalf("expected cancelled outcome, got %q", e.Outcome)
	}
	if !sess.Terminated() {
		t.Fatal("expected the terminal event queued without the consumer reading")
	}

	events := sess.Collect()
	last := events[len(events)-1]
	if len(events) != 2 || last.Type != tool.EventError || !strings.Contains(last.Err.Message, "timed out") {
		t.Fatalf("expected one progress event then a timeout, got %+v", events)
	}
}

func TestInvokeStream_PreExecutionFailure(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	events := f.d.InvokeStream(context.Background(), Request{ToolName: "missing"}).Collect()
	if len(events) != 1 || events[0].Type != tool.EventError || events[0].Err.Code != tool.CodeToolNotFound {
		t.Fatalf("expected single tool_not_found event, got %+v", events)
	}
}

func TestInvokeStream_BlockingToolYieldsOneEvent(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "echo", Kind: registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", true)}}, echoHandler(nil))

	events := f.d.InvokeStream(context.Background(), Request{
		ToolName:  "echo",
		Arguments: map[string]any{"text": "once"},
	}).Collect()
	if len(events) != 1 || events[0].Type != tool.EventFinal || events[0].Result.Text() != "once" {
		t.Fatalf("expected single final event, got %+v", events)
	}
}

func TestInvoke_StreamingToolReturnsFinal(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "countdown", Kind: registry.KindStreaming}, countdown(3))

	res, err := f.d.Invoke(context.Background(), Request{ToolName: "countdown"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != "liftoff" {
		t.Fatalf("expected final result, got %q", res.Text())
	}
}

func TestListTools(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.reg.MustRegister(registry.Definition{Name: "b_tool", Kind: registry.KindBlocking}, echoHandler(nil))
	f.reg.MustRegister(registry.Definition{Name: "a_tool", Kind: registry.KindStreaming}, countdown(1))

	all := f.d.ListTools(registry.Filter{})
	if len(all) != 2 || all[0].Name != "a_tool" {
		t.Fatalf("expected sorted tools, got %+v", all)
	}
	streaming := f.d.ListTools(registry.Filter{Kinds: []registry.Kind{registry.KindStreaming}})
	if len(streaming) != 1 {
		t.Fatalf("expected 1 streaming tool, got %d", len(streaming))
	}
}

func TestCallerKey(t *testing.T) {
	cases := []struct {
		identity, peer, want string
	}{
		{"alice", "10.0.0.1:9999", "alice"},
		{"", "10.0.0.1:9999", "10.0.0.1"},
		{"", "unix-socket", "unix-socket"},
		{"", "", AnonymousCaller},
	}
	for _, c := range cases {
		if got := callerKey(c.identity, c.peer); got != c.want {
			t.Fatalf("callerKey(%q, %q) = %q, want %q", c.identity, c.peer, got, c.want)
		}
	}
}

func BenchmarkInvoke_Blocking(b *testing.B) {
	reg := registry.NewRegistry(zap.NewNop())
	reg.MustRegister(registry.Definition{Name: "echo", Kind: registry.KindBlocking,
		Parameters: []registry.Parameter{textParam("text", true)}}, echoHandler(nil))
	d := New(Options{Registry: reg, Writer: storage.NewLogWriter(zap.NewNop())})
	req := Request{ToolName: "echo", Arguments: map[string]any{"text": "benchmark payload"}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Invoke(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}
