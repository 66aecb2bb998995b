package registry

import (
	"errors"
	"fmt"
	"regexp"
)

const maxToolNameLength = 100

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	// ErrDuplicateTool is returned when a name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrInvalidDefinition is returned for malformed definitions or handlers.
	ErrInvalidDefinition = errors.New("invalid tool definition")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// ValidateName checks a tool name against the allowed character set and length.
func ValidateName(name string) error {
	if name == "" {
		return invalid("name is required")
	}
	if len(name) > maxToolNameLength {
		return invalid("name %q exceeds %d characters", name, maxToolNameLength)
	}
	if !toolNamePattern.MatchString(name) {
		return invalid("name %q may only contain letters, digits, '_' and '-'", name)
	}
	return nil
}

func validateDefinition(def Definition, h Handler) error {
	if err := ValidateName(def.Name); err != nil {
		return err
	}

	switch def.Kind {
	case KindBlocking, KindAsync, KindStreaming:
	default:
		return invalid("tool %q: unknown kind %q", def.Name, def.Kind)
	}
	if h == nil {
		return invalid("tool %q: handler is nil", def.Name)
	}
	if h.kind() != def.Kind {
		return invalid("tool %q: declared kind %s but handler is %s", def.Name, def.Kind, h.kind())
	}
	if isNilHandler(h) {
		return invalid("tool %q: handler is nil", def.Name)
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return invalid("tool %q: parameter name is required", def.Name)
		}
		if seen[p.Name] {
			return invalid("tool %q: duplicate parameter %q", def.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.known() {
			return invalid("tool %q: parameter %q has unknown type %q", def.Name, p.Name, p.Type)
		}
		if p.Default != nil && !p.Type.Accepts(p.Default) {
			return invalid("tool %q: default for %q is not a %s", def.Name, p.Name, p.Type)
		}
		if p.Schema != nil && p.Type != TypeObject && p.Type != TypeArray {
			return invalid("tool %q: schema on %q requires object or array type", def.Name, p.Name)
		}
	}

	pol := def.Policy
	if len(pol.RequiredPermissions) > 0 && !pol.RequiresAuth {
		return invalid("tool %q: required_permissions set without requires_auth", def.Name)
	}
	if pol.Timeout < 0 {
		return invalid("tool %q: negative timeout", def.Name)
	}
	if pol.RateLimit != nil {
		if err := pol.RateLimit.Validate(); err != nil {
			return invalid("tool %q: %v", def.Name, err)
		}
	}
	return nil
}

func isNilHandler(h Handler) bool {
	switch fn := h.(type) {
	case BlockingFunc:
		return fn == nil
	case AsyncFunc:
		return fn == nil
	case StreamFunc:
		return fn == nil
	}
	return true
}
