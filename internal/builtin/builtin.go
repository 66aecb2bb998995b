// Package builtin provides the tools every server registers at startup.
package builtin

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

const (
	maxCountdownSteps = 100
	maxStepInterval   = 5 * time.Second
)

// Register adds echo, word_stats, countdown and whoami to reg.
func Register(reg *registry.Registry) error {
	tools := []struct {
		def registry.Definition
		h   registry.Handler
	}{
		{echoDefinition, registry.BlockingFunc(Echo)},
		{wordStatsDefinition, registry.AsyncFunc(WordStats)},
		{countdownDefinition, registry.StreamFunc(Countdown)},
		{whoamiDefinition, registry.BlockingFunc(Whoami)},
	}
	for _, t := range tools {
		if err := reg.Register(t.def, t.h); err != nil {
			return fmt.Errorf("Register: %w", err)
		}
	}
	return nil
}

var echoDefinition = registry.Definition{
	Name:        "echo",
	Description: "Returns the given text unchanged.",
	Kind:        registry.KindBlocking,
	Parameters: []registry.Parameter{
		{Name: "text", Type: registry.TypeString, Required: true, Description: "Text to echo back."},
	},
	Policy: registry.Policy{Timeout: 5 * time.Second},
}

func Echo(_ context.Context, inv *tool.Invocation) (*tool.Result, error) {
	return tool.TextResult(inv.String("text")), nil
}

var wordStatsDefinition = registry.Definition{
	Name:        "word_stats",
	Description: "Counts words, characters and lines of a text.",
	Kind:        registry.KindAsync,
	Parameters: []registry.Parameter{
		{Name: "text", Type: registry.TypeString, Required: true},
		{Name: "top", Type: registry.TypeInteger, Default: int64(3), Description: "Number of most frequent words to report."},
	},
	Policy: registry.Policy{Timeout: 10 * time.Second},
}

// WordStats computes text statistics off the caller's goroutine.
func WordStats(ctx context.Context, inv *tool.Invocation) <-chan tool.Outcome {
	text := inv.String("text")
	top, _ := inv.Number("top")
	return tool.Go(func() (*tool.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return tool.JSONResult(wordStats(text, int(top))), nil
	})
}

type wordCount struct {
	Word  string
	Count int
}

func wordStats(text string, top int) map[string]any {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	ranked := make([]wordCount, 0, len(counts))
	for w, n := range counts {
		ranked = append(ranked, wordCount{Word: w, Count: n})
	}
	slices.SortFunc(ranked, func(a, b wordCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Word, b.Word)
	})
	if top < 0 {
		top = 0
	}
	if len(ranked) > top {
		ranked = ranked[:top]
	}
	topWords := make([]any, len(ranked))
	for i, wc := range ranked {
		topWords[i] = map[string]any{"word": wc.Word, "count": wc.Count}
	}

	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	return map[string]any{
		"words":        len(words),
		"unique_words": len(counts),
		"characters":   utf8.RuneCountInString(text),
		"lines":        lines,
		"top_words":    topWords,
	}
}

var countdownDefinition = registry.Definition{
	Name:        "countdown",
	Description: "Counts down from a number, reporting progress at each step.",
	Kind:        registry.KindStreaming,
	Parameters: []registry.Parameter{
		{Name: "from", Type: registry.TypeInteger, Default: int64(3)},
		{Name: "interval_ms", Type: registry.TypeInteger, Default: int64(100)},
	},
	Policy: registry.Policy{Timeout: time.Minute},
}

// Countdown emits one progress event per step and a final "liftoff".
func Countdown(ctx context.Context, inv *tool.Invocation) iter.Seq[tool.Event] {
	from, _ := inv.Number("from")
	intervalMs, _ := inv.Number("interval_ms")
	steps := min(max(int(from), 0), maxCountdownSteps)
	interval := min(max(time.Duration(intervalMs)*time.Millisecond, 0), maxStepInterval)

	return func(yield func(tool.Event) bool) {
		for i := range steps {
			remaining := steps - i
			if !yield(tool.Progress(float64(i)/float64(steps), strconv.Itoa(remaining))) {
				return
			}
			if interval > 0 {
				timer := time.NewTimer(interval)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(tool.Failure(tool.Cancelled("countdown interrupted")))
					return
				case <-timer.C:
				}
			}
		}
		yield(tool.Final(tool.TextResult("liftoff").SetMetadata("steps", steps)))
	}
}

var whoamiDefinition = registry.Definition{
	Name:        "whoami",
	Description: "Reports the authenticated caller and its permissions.",
	Kind:        registry.KindBlocking,
	Policy: registry.Policy{
		RequiresAuth:        true,
		RequiredPermissions: []string{"tools:read"},
		RateLimit: &ratelimit.Policy{
			Algorithm:       ratelimit.TokenBucket,
			Capacity:        10,
			RefillPerSecond: 1,
		},
	},
}

func Whoami(_ context.Context, inv *tool.Invocation) (*tool.Result, error) {
	perms := inv.Permissions
	if perms == nil {
		perms = []string{}
	}
	return tool.JSONResult(map[string]any{
		"caller":      inv.Caller,
		"permissions": perms,
		"request_id":  inv.RequestID,
	}), nil
}
