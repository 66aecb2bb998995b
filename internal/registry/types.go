package registry

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// Kind is the execution mode a tool declares.
type Kind string

const (
	KindBlocking  Kind = "blocking"
	KindAsync     Kind = "async"
	KindStreaming Kind = "streaming"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
	TypeBinary  ParamType = "binary"
)

func (t ParamType) known() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeBinary:
		return true
	}
	return false
}

// Accepts reports whether v already has the Go shape of t, without coercion.
func (t ParamType) Accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
	case TypeInteger:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeBinary:
		switch v.(type) {
		case []byte, string:
			return true
		}
	}
	return false
}

// Parameter describes one named tool argument.
type Parameter struct {
	Name        string         `json:"name"`
	Type        ParamType      `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Default     any            `json:"default,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"` // JSON Schema for object/array values
}

// Policy is the security and quota policy of a tool.
type Policy struct {
	RequiresAuth        bool              `json:"requires_auth"`
	RequiredPermissions []string          `json:"required_permissions,omitempty"`
	RateLimit           *ratelimit.Policy `json:"rate_limit,omitempty"`
	Timeout             time.Duration     `json:"timeout,omitempty"` // 0 = none
}

// Definition is a tool's immutable description.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  []Parameter    `json:"parameters"`
	Kind        Kind           `json:"kind"`
	Policy      Policy         `json:"policy"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Handler is the executable side of a tool: BlockingFunc, AsyncFunc or StreamFunc.
type Handler interface {
	kind() Kind
}

// BlockingFunc runs to completion and returns its result.
type BlockingFunc func(ctx context.Context, inv *tool.Invocation) (*tool.Result, error)

// AsyncFunc returns immediately with a channel that delivers exactly one Outcome.
type AsyncFunc func(ctx context.Context, inv *tool.Invocation) <-chan tool.Outcome

// StreamFunc returns a lazy event sequence. The sequence must stop when yield
// returns false and should end with a Final or Error event.
type StreamFunc func(ctx context.Context, inv *tool.Invocation) iter.Seq[tool.Event]

func (BlockingFunc) kind() Kind { return KindBlocking }
func (AsyncFunc) kind() Kind    { return KindAsync }
func (StreamFunc) kind() Kind   { return KindStreaming }

// Tool is a registered definition with its handler and compiled schema.
type Tool struct {
	Definition Definition
	Handler    Handler
	Schema     *Schema
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Query string
	Kinds []Kind
}

// Stats summarizes the registry contents.
type Stats struct {
	Total         int `json:"total"`
	Blocking      int `json:"blocking"`
	Async         int `json:"async"`
	Streaming     int `json:"streaming"`
	AuthProtected int `json:"auth_protected"`
	RateLimited   int `json:"rate_limited"`
}
