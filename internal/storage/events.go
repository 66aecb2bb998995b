package storage

import (
	"slices"
	"time"
)

// EventWriter is the interface for writing invocation audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *InvocationEvent)
	Close()
}

// OutcomeOK marks a successful invocation; failures carry the tool error code.
const OutcomeOK = "ok"

// Pipeline stages recorded in FailedStage.
const (
	StageLookup    = "lookup"
	StageAuth      = "auth"
	StageRateLimit = "rate_limit"
	StageSanitize  = "sanitize"
	StageExecute   = "execute"
)

// InvocationEvent is one audited tool call. Argument values are never
// recorded, only their names.
type InvocationEvent struct {
	RequestID     string
	SessionID     string
	Timestamp     time.Time
	ToolName      string
	Kind          string
	Caller        string
	Outcome       string
	FailedStage   string
	ArgumentNames []string
	Streamed      bool
	EventCount    uint32
	LatencyMs     float32
	Metadata      map[string]string
}

// ArgumentNames returns the sorted keys of args.
func ArgumentNames(args map[string]any) []string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
