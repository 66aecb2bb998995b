package tool

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Invocation is the per-call context handed to a tool handler.
// Arguments have already been sanitized when a handler sees them.
type Invocation struct {
	ToolName    string
	Arguments   map[string]any
	Caller      string
	Permissions []string
	RequestID   string
	CreatedAt   time.Time
	Metadata    map[string]string
}

// String returns the argument as a string, or "" when absent or not a string.
func (inv *Invocation) String(name string) string {
	s, _ := inv.Arguments[name].(string)
	return s
}

// Number returns a numeric argument as float64.
func (inv *Invocation) Number(name string) (float64, bool) {
	switch v := inv.Arguments[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Outcome is what an async handler delivers on its channel.
type Outcome struct {
	Result *Result
	Err    error
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Capture runs fn, converting a panic into an Outcome carrying *PanicError.
func Capture(fn func() (*Result, error)) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	res, err := fn()
	return Outcome{Result: res, Err: err}
}

// Go runs fn in its own goroutine and delivers its single Outcome.
// Async handlers use it so panics reach the dispatcher as errors.
func Go(fn func() (*Result, error)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		ch <- Capture(fn)
	}()
	return ch
}
