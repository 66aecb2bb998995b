package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm selects how a Policy counts calls.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy is a per-tool quota applied to every (tool, caller) pair.
// Capacity and RefillPerSecond apply to TokenBucket; Limit and Window to SlidingWindow.
type Policy struct {
	Algorithm       Algorithm     `json:"algorithm" yaml:"algorithm"`
	Capacity        int           `json:"capacity,omitempty" yaml:"capacity"`
	RefillPerSecond float64       `json:"refill_per_second,omitempty" yaml:"refill_per_second"`
	Limit           int           `json:"limit,omitempty" yaml:"limit"`
	Window          time.Duration `json:"window,omitempty" yaml:"window"`
}

func (p Policy) Validate() error {
	switch p.Algorithm {
	case TokenBucket:
		if p.Capacity < 1 {
			return fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidPolicy, p.Capacity)
		}
		if p.RefillPerSecond <= 0 {
			return fmt.Errorf("%w: refill_per_second must be > 0, got %v", ErrInvalidPolicy, p.RefillPerSecond)
		}
	case SlidingWindow:
		if p.Limit < 1 {
			return fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidPolicy, p.Limit)
		}
		if p.Window <= 0 {
			return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidPolicy, p.Window)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidPolicy, p.Algorithm)
	}
	return nil
}

// TTL is how long an untouched entry is kept before it may be reclaimed.
// It is twice the window, or twice the time a drained bucket needs to refill.
func (p Policy) TTL() time.Duration {
	switch p.Algorithm {
	case TokenBucket:
		refill := time.Duration(float64(p.Capacity) / p.RefillPerSecond * float64(time.Second))
		return 2 * refill
	default:
		return 2 * p.Window
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}
