package sanitize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
	"golang.org/x/text/unicode/norm"
)

const maxAbsNumber = 1e15

// Config bounds what the sanitizer accepts.
type Config struct {
	MaxStringLength int  `yaml:"max_string_length"` // runes
	MaxBinaryBytes  int  `yaml:"max_binary_bytes"`
	MaxDepth        int  `yaml:"max_depth"`
	MaxArrayLength  int  `yaml:"max_array_length"`
	MaxObjectKeys   int  `yaml:"max_object_keys"`
	AllowUnknown    bool `yaml:"allow_unknown"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxStringLength: 10_000,
		MaxBinaryBytes:  1 << 20,
		MaxDepth:        10,
		MaxArrayLength:  1000,
		MaxObjectKeys:   100,
	}
}

// Sanitizer validates and cleans tool arguments. It holds no mutable state.
type Sanitizer struct {
	cfg Config
}

// New creates a Sanitizer. Zero limits fall back to DefaultConfig values.
func New(cfg Config) *Sanitizer {
	def := DefaultConfig()
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = def.MaxStringLength
	}
	if cfg.MaxBinaryBytes <= 0 {
		cfg.MaxBinaryBytes = def.MaxBinaryBytes
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxArrayLength <= 0 {
		cfg.MaxArrayLength = def.MaxArrayLength
	}
	if cfg.MaxObjectKeys <= 0 {
		cfg.MaxObjectKeys = def.MaxObjectKeys
	}
	return &Sanitizer{cfg: cfg}
}

var defaultSanitizer = New(DefaultConfig())

// Sanitize runs the default sanitizer.
func Sanitize(args map[string]any, schema *registry.Schema) (map[string]any, error) {
	return defaultSanitizer.Sanitize(args, schema)
}

// Sanitize returns a cleaned copy of args. args is never modified.
// Every failure is a *tool.Error with code validation_error.
func (s *Sanitizer) Sanitize(args map[string]any, schema *registry.Schema) (map[string]any, error) {
	if len(args) > s.cfg.MaxObjectKeys {
		return nil, tool.Validation("", fmt.Sprintf("too many arguments (max %d)", s.cfg.MaxObjectKeys))
	}

	out := make(map[string]any, len(args))
	for name, v := range args {
		if _, ok := schema.Param(name); ok {
			continue
		}
		if !s.cfg.AllowUnknown {
			return nil, tool.Validation(name, "unknown parameter")
		}
		cleaned, err := s.cleanValue(name, v, 1)
		if err != nil {
			return nil, err
		}
		out[name] = cleaned
	}

	for _, p := range schema.Parameters() {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, tool.Validation(p.Name, "required parameter missing")
			}
			if p.Default == nil {
				continue
			}
			v = p.Default
		}

		coerced, reason := coerce(p.Type, v, s.cfg.MaxBinaryBytes)
		if reason != "" {
			return nil, tool.Validation(p.Name, reason)
		}
		cleaned, err := s.cleanValue(p.Name, coerced, 1)
		if err != nil {
			return nil, err
		}
		if err := schema.ValidateValue(p.Name, cleaned); err != nil {
			return nil, tool.Validation(p.Name, "does not match schema: "+firstLine(err.Error()))
		}
		out[p.Name] = cleaned
	}
	return out, nil
}

// coerce converts v to the Go shape of t. A non-empty reason means v cannot
// be represented as t.
func coerce(t registry.ParamType, v any, maxBinary int) (any, string) {
	switch t {
	case registry.TypeString:
		switch x := v.(type) {
		case string:
			return x, ""
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), ""
		case int64:
			return strconv.FormatInt(x, 10), ""
		case int:
			return strconv.Itoa(x), ""
		case bool:
			return strconv.FormatBool(x), ""
		}
		return nil, "expected string"

	case registry.TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, "expected number"
		}
		if reason := checkNumber(f); reason != "" {
			return nil, reason
		}
		return f, ""

	case registry.TypeInteger:
		f, ok := toFloat(v)
		if !ok {
			return nil, "expected integer"
		}
		if reason := checkNumber(f); reason != "" {
			return nil, reason
		}
		if f != math.Trunc(f) {
			return nil, "expected integer"
		}
		return int64(f), ""

	case registry.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, ""
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "1", "yes":
				return true, ""
			case "false", "0", "no":
				return false, ""
			}
		case float64:
			if x == 0 || x == 1 {
				return x == 1, ""
			}
		}
		return nil, "expected boolean"

	case registry.TypeObject:
		switch x := v.(type) {
		case map[string]any:
			return x, ""
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(x), &m); err == nil && m != nil {
				return m, ""
			}
		}
		return nil, "expected object"

	case registry.TypeArray:
		switch x := v.(type) {
		case []any:
			return x, ""
		case string:
			var a []any
			if err := json.Unmarshal([]byte(x), &a); err == nil && a != nil {
				return a, ""
			}
		}
		return nil, "expected array"

	case registry.TypeBinary:
		var data []byte
		switch x := v.(type) {
		case []byte:
			data = x
		case string:
			decoded, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				decoded, err = base64.RawStdEncoding.DecodeString(x)
			}
			if err != nil {
				return nil, "expected base64-encoded binary"
			}
			data = decoded
		default:
			return nil, "expected binary"
		}
		if len(data) > maxBinary {
			return nil, fmt.Sprintf("binary payload exceeds %d bytes", maxBinary)
		}
		return data, ""
	}
	return nil, fmt.Sprintf("unsupported parameter type %q", t)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func checkNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "number must be finite"
	}
	if math.Abs(f) > maxAbsNumber {
		return "number out of range"
	}
	return ""
}

// cleanValue walks v, cleaning strings and enforcing size and depth limits.
// Containers are copied, never modified in place.
func (s *Sanitizer) cleanValue(field string, v any, depth int) (any, error) {
	if depth > s.cfg.MaxDepth {
		return nil, tool.Validation(field, fmt.Sprintf("nesting exceeds depth %d", s.cfg.MaxDepth))
	}
	switch x := v.(type) {
	case string:
		cleaned, err := s.cleanString(field, x)
		if err != nil {
			return nil, err
		}
		return cleaned, nil
	case float64:
		if reason := checkNumber(x); reason != "" {
			return nil, tool.Validation(field, reason)
		}
		return x, nil
	case map[string]any:
		if len(x) > s.cfg.MaxObjectKeys {
			return nil, tool.Validation(field, fmt.Sprintf("object has more than %d keys", s.cfg.MaxObjectKeys))
		}
		out := make(map[string]any, len(x))
		for k, child := range x {
			key, err := s.cleanString(field, k)
			if err != nil {
				return nil, err
			}
			cleaned, err := s.cleanValue(field+"."+key, child, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = cleaned
		}
		return out, nil
	case []any:
		if len(x) > s.cfg.MaxArrayLength {
			return nil, tool.Validation(field, fmt.Sprintf("array has more than %d items", s.cfg.MaxArrayLength))
		}
		out := make([]any, len(x))
		for i, child := range x {
			cleaned, err := s.cleanValue(fmt.Sprintf("%s[%d]", field, i), child, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	}
	return v, nil
}

func (s *Sanitizer) cleanString(field, str string) (string, error) {
	if !utf8.ValidString(str) {
		return "", tool.Validation(field, "invalid UTF-8")
	}
	if utf8.RuneCountInString(str) > s.cfg.MaxStringLength {
		return "", tool.Validation(field, fmt.Sprintf("string exceeds %d characters", s.cfg.MaxStringLength))
	}
	str = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, str)
	str = norm.NFC.String(str)
	if detail, found := detectInjection(str); found {
		return "", tool.Validation(field, "potentially dangerous content: "+detail)
	}
	return str, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
