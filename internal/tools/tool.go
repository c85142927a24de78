package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rahul/agentichq/internal/governance"
	"github.com/xeipuuv/gojsonschema"
)

// Args is the argument bag of one tool call, already stripped of references.
type Args map[string]any

// String returns the string argument under key, or "" when absent.
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Output is what a tool returns on success. Content is the tool's designated
// scalar, used when a later step references this one.
type Output struct {
	Content string         `json:"content,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Tool is one capability, named "Provider.operation".
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Invoke(ctx context.Context, args Args) (Output, error)
}

// Descriptor is the public description of a registered tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

var ErrUnknownTool = errors.New("unknown tool")

// Registry manages the set of available tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
	policy  governance.PolicyEngine
}

// NewRegistry creates an empty registry. A nil policy allows every call.
func NewRegistry(policy governance.PolicyEngine) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		policy:  policy,
	}
}

// Register adds t, compiling its parameter schema.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, op, ok := strings.Cut(name, "."); !ok || op == "" {
		return fmt.Errorf("tool name %q must have the form Provider.operation", name)
	}

	var schema *gojsonschema.Schema
	if params := t.Parameters(); params != nil {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
		if err != nil {
			return fmt.Errorf("compile schema of %s: %w", name, err)
		}
		schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Catalog lists every registered tool sorted by name.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the policy check and schema validation, then calls the tool.
// Every returned error is a short reason fit for a StepExecution record.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Output, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	if r.policy != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return Output{}, fmt.Errorf("invalid arguments for %s: %v", name, err)
		}
		res, err := r.policy.Evaluate(ctx, governance.Request{
			Tool:      name,
			Arguments: string(encoded),
			PlanID:    PlanIDFromContext(ctx),
		})
		if err != nil {
			return Output{}, fmt.Errorf("policy check failed: %v", err)
		}
		if res.Effect == governance.EffectDeny {
			return Output{}, fmt.Errorf("blocked by policy: %s", res.Reason)
		}
	}

	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return Output{}, fmt.Errorf("invalid arguments for %s: %v", name, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return Output{}, fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(msgs, "; "))
		}
	}

	return t.Invoke(ctx, Args(args))
}

type planIDKey struct{}

// WithPlanID tags ctx with the plan a tool call belongs to.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey{}, planID)
}

func PlanIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(planIDKey{}).(string)
	return id
}

// Credentials resolves provider keys for tools that call external services.
type Credentials interface {
	GetKey(ctx context.Context, provider string) (string, error)
}

// schema helpers keep provider Parameters() terse.
func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
