package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// toStruct converts a JSON-compatible map into a Struct. Values go through
// encoding/json so slices of any element type and numeric kinds are accepted.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	return out, nil
}

func fields(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// stringMap flattens a context object into string metadata.
func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case string:
			out[k] = v
		case nil:
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}

func encodeResult(r *tool.Result) map[string]any {
	if r == nil {
		r = tool.NewResult()
	}
	content := make([]any, 0, len(r.Content))
	for _, c := range r.Content {
		item := map[string]any{"type": string(c.Type)}
		switch c.Type {
		case tool.ContentText:
			item["text"] = c.Text
		case tool.ContentJSON:
			item["json"] = c.JSON
		case tool.ContentBinary:
			item["data"] = base64.StdEncoding.EncodeToString(c.Data)
			item["mime_type"] = c.MimeType
		}
		content = append(content, item)
	}
	out := map[string]any{"content": content}
	if len(r.Metadata) > 0 {
		out["metadata"] = r.Metadata
	}
	return out
}

func decodeResult(m map[string]any) (*tool.Result, error) {
	if m == nil {
		return nil, nil
	}
	r := tool.NewResult()
	items, _ := m["content"].([]any)
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decodeResult: content[%d] is not an object", i)
		}
		switch tool.ContentType(stringField(item, "type")) {
		case tool.ContentText:
			r.AddText(stringField(item, "text"))
		case tool.ContentJSON:
			r.AddJSON(item["json"])
		case tool.ContentBinary:
			data, err := base64.StdEncoding.DecodeString(stringField(item, "data"))
			if err != nil {
				return nil, fmt.Errorf("decodeResult: content[%d]: %w", i, err)
			}
			r.AddBinary(data, stringField(item, "mime_type"))
		default:
			return nil, fmt.Errorf("decodeResult: content[%d] has unknown type %q", i, item["type"])
		}
	}
	for k, v := range mapField(m, "metadata") {
		r.SetMetadata(k, v)
	}
	return r, nil
}

func encodeError(e *tool.Error) map[string]any {
	out := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		out["details"] = e.Details
	}
	if e.Field != "" {
		out["field"] = e.Field
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.RetryAfter > 0 || e.Code == tool.CodeRateLimitExceeded {
		out["retry_after_seconds"] = e.RetryAfter.Seconds()
	}
	return out
}

func decodeError(m map[string]any) *tool.Error {
	if m == nil {
		return nil
	}
	e := &tool.Error{
		Code:    tool.Code(stringField(m, "code")),
		Message: stringField(m, "message"),
		Details: mapField(m, "details"),
		Field:   stringField(m, "field"),
		Reason:  stringField(m, "reason"),
	}
	if secs, ok := m["retry_after_seconds"].(float64); ok {
		e.RetryAfter = time.Duration(secs * float64(time.Second))
	}
	return e
}

func encodeEvent(seq int, ev tool.Event) map[string]any {
	out := map[string]any{
		"sequence":  seq,
		"type":      string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch ev.Type {
	case tool.EventProgress:
		out["progress"] = ev.Progress
		if ev.Message != "" {
			out["message"] = ev.Message
		}
	case tool.EventPartial, tool.EventFinal:
		out["result"] = encodeResult(ev.Result)
	case tool.EventError:
		out["error"] = encodeError(ev.Err)
	}
	return out
}

func decodeEvent(m map[string]any) (StreamEvent, error) {
	var out StreamEvent
	if seq, ok := m["sequence"].(float64); ok {
		out.Sequence = int(seq)
	}
	out.Type = tool.EventType(stringField(m, "type"))
	if ts := stringField(m, "timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return out, fmt.Errorf("decodeEvent: %w", err)
		}
		out.Timestamp = t
	}
	switch out.Type {
	case tool.EventProgress:
		out.Progress, _ = m["progress"].(float64)
		out.Message = stringField(m, "message")
	case tool.EventPartial, tool.EventFinal:
		r, err := decodeResult(mapField(m, "result"))
		if err != nil {
			return out, fmt.Errorf("decodeEvent: %w", err)
		}
		out.Result = r
	case tool.EventError:
		out.Err = decodeError(mapField(m, "error"))
	default:
		return out, fmt.Errorf("decodeEvent: unknown event type %q", out.Type)
	}
	return out, nil
}

func encodeDefinition(def registry.Definition) map[string]any {
	params := make([]any, 0, len(def.Parameters))
	for _, p := range def.Parameters {
		param := map[string]any{
			"name":     p.Name,
			"type":     string(p.Type),
			"required": p.Required,
		}
		if p.Description != "" {
			param["description"] = p.Description
		}
		if p.Default != nil {
			param["default"] = p.Default
		}
		if p.Schema != nil {
			param["schema"] = p.Schema
		}
		params = append(params, param)
	}

	policy := map[string]any{
		"requires_auth":        def.Policy.RequiresAuth,
		"required_permissions": def.Policy.RequiredPermissions,
	}
	if def.Policy.Timeout > 0 {
		policy["timeout_ms"] = def.Policy.Timeout.Milliseconds()
	}
	if rl := def.Policy.RateLimit; rl != nil {
		limit := map[string]any{"algorithm": string(rl.Algorithm)}
		if rl.Capacity > 0 {
			limit["capacity"] = rl.Capacity
			limit["refill_per_second"] = rl.RefillPerSecond
		}
		if rl.Limit > 0 {
			limit["limit"] = rl.Limit
			limit["window_seconds"] = rl.Window.Seconds()
		}
		policy["rate_limit"] = limit
	}

	out := map[string]any{
		"name":        def.Name,
		"description": def.Description,
		"kind":        string(def.Kind),
		"parameters":  params,
		"policy":      policy,
	}
	if len(def.Metadata) > 0 {
		out["metadata"] = def.Metadata
	}
	return out
}
