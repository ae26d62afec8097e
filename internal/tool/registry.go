package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"chanbridge/internal/domain"
)

// Registry is the fixed tool set of one connection. It is immutable after
// NewRegistry, so lookups need no locking.
type Registry struct {
	byName map[string]domain.Tool
	names  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, tools ...domain.Tool) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]domain.Tool, len(tools)),
		logger: logger.With("component", "tools"),
	}
	for _, t := range tools {
		name := t.Name()
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.byName[name] = t
		r.names = append(r.names, name)
	}
	slices.Sort(r.names)
	r.logger.Debug("tools ready", "names", strings.Join(r.names, ","))
	return r, nil
}

// Names returns the tool names in sorted order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// Definitions returns the schemas the model sees, sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, len(r.names))
	for i, name := range r.names {
		t := r.byName[name]
		defs[i] = domain.ToolDefinition{Name: name, Description: t.Description(), Parameters: t.Parameters()}
	}
	return defs
}

// Execute runs a tool by name. Panics inside the tool come back as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out string, err error) {
	t, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q; available: %s", name, strings.Join(r.names, ", "))
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			out, err = "", fmt.Errorf("tool %s crashed: %v", name, p)
		}
	}()
	return t.Execute(ctx, args)
}

// objectSchema accumulates a JSON Schema object for tool parameters.
type objectSchema struct {
	props    map[string]any
	required []string
}

func params() *objectSchema {
	return &objectSchema{props: map[string]any{}}
}

func (s *objectSchema) str(name, desc string, required bool) *objectSchema {
	s.props[name] = map[string]any{"type": "string", "description": desc}
	if required {
		s.required = append(s.required, name)
	}
	return s
}

func (s *objectSchema) schema() map[string]any {
	out := map[string]any{"type": "object", "properties": s.props}
	if len(s.required) > 0 {
		out["required"] = s.required
	}
	return out
}

// Args is the decoded argument object of a tool call.
type Args map[string]any

// String returns key as a string. Non-string values are JSON-encoded and a
// missing key yields "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
