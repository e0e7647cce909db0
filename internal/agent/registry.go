package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/llm"
)

// Tool is one callable the model may invoke. Schema is the JSON-schema
// for the arguments object, sent to the provider verbatim.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Timeout     time.Duration
	Validate    func(args json.RawMessage) error
	Invoke      func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// Registry holds the tools a turn may use. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are a wiring defect.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Invoke == nil {
		return apperr.New(apperr.Internal, "tool registration missing name or invoke")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return apperr.New(apperr.Internal, "tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs derives the provider wire schemas, in registration order.
func (r *Registry) Specs() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return specs
}
