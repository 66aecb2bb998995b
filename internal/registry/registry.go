package registry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds every tool known to the process.
// Reads go through sync.Map and never take a lock; registration is a single
// LoadOrStore, so two concurrent registrations of one name cannot both win.
type Registry struct {
	tools     sync.Map // map[string]*Tool
	overrides map[string]PolicyOverride
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// NewRegistryWithOverrides creates a registry that patches each tool's policy
// with the matching override when the tool is registered.
func NewRegistryWithOverrides(overrides map[string]PolicyOverride, logger *zap.Logger) *Registry {
	return &Registry{overrides: overrides, logger: logger}
}

// Register validates def, binds it to h and publishes it.
// The stored definition is a private copy and never changes afterwards.
func (r *Registry) Register(def Definition, h Handler) error {
	def = cloneDefinition(def)
	if o, ok := r.overrides[def.Name]; ok {
		def.Policy = o.apply(def.Policy)
	}
	if err := validateDefinition(def, h); err != nil {
		return err
	}
	schema, err := NewSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidDefinition, def.Name, err)
	}

	t := &Tool{Definition: def, Handler: h, Schema: schema}
	if _, loaded := r.tools.LoadOrStore(def.Name, t); loaded {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, def.Name)
	}

	r.logger.Debug("tool registered",
		zap.String("tool_name", def.Name),
		zap.String("kind", string(def.Kind)),
		zap.Bool("requires_auth", def.Policy.RequiresAuth),
	)
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(def Definition, h Handler) {
	if err := r.Register(def, h); err != nil {
		panic(err)
	}
}

// Unregister removes a tool. Calls already dispatched keep their handle.
func (r *Registry) Unregister(name string) bool {
	_, ok := r.tools.LoadAndDelete(name)
	return ok
}

// Lookup returns the registered tool, for the dispatcher.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	v, ok := r.tools.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Tool), true
}

// Get returns a copy of the tool's definition.
func (r *Registry) Get(name string) (Definition, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return Definition{}, false
	}
	return cloneDefinition(t.Definition), true
}

// List returns copies of matching definitions sorted by name.
func (r *Registry) List(f Filter) []Definition {
	query := strings.ToLower(f.Query)
	var out []Definition
	r.tools.Range(func(_, v any) bool {
		def := v.(*Tool).Definition
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, def.Kind) {
			return true
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(def.Name), query) &&
			!strings.Contains(strings.ToLower(def.Description), query) {
			return true
		}
		out = append(out, cloneDefinition(def))
		return true
	})
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	n := 0
	r.tools.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.tools.Range(func(_, v any) bool {
		def := v.(*Tool).Definition
		s.Total++
		switch def.Kind {
		case KindBlocking:
			s.Blocking++
		case KindAsync:
			s.Async++
		case KindStreaming:
			s.Streaming++
		}
		if def.Policy.RequiresAuth {
			s.AuthProtected++
		}
		if def.Policy.RateLimit != nil {
			s.RateLimited++
		}
		return true
	})
	return s
}

func cloneDefinition(def Definition) Definition {
	out := def
	out.Parameters = slices.Clone(def.Parameters)
	for i := range out.Parameters {
		out.Parameters[i].Schema = maps.Clone(out.Parameters[i].Schema)
	}
	out.Metadata = maps.Clone(def.Metadata)
	out.Policy.RequiredPermissions = slices.Clone(def.Policy.RequiredPermissions)
	if def.Policy.RateLimit != nil {
		rl := *def.Policy.RateLimit
		out.Policy.RateLimit = &rl
	}
	return out
}
