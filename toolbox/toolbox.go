// Package toolbox supplies the tools an agent can call during a run. Three
// implementations exist: a built-in registry carrying the demo tools, an
// MCP-backed toolbox that aggregates tools from connected servers, and a CLI
// toolbox that wraps a command-line program as a single tool. Combine merges
// toolboxes when an agent draws from more than one backend.
package toolbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/agentcheck/agentcheck/logger"
)

// Toolbox is the agent's view of its tools: the function definitions to
// advertise to the LLM, and a dispatcher for the calls the LLM makes.
// Implementations must be safe for concurrent Call invocations.
type Toolbox interface {
	// Tools returns the function definitions in a stable order.
	Tools() []llms.Tool
	// Call executes one tool and returns its raw text result. Unknown tool
	// names are an error; tool-level failures are returned as errors and the
	// caller decides how to surface them to the LLM.
	Call(ctx context.Context, name string, arguments map[string]any) (string, error)
	// Close releases resources held by the toolbox.
	Close() error
}

// Handler executes one tool call.
type Handler func(ctx context.Context, arguments map[string]any) (string, error)

// Registry is an in-process Toolbox. Tools are advertised in registration
// order.
type Registry struct {
	mu    sync.RWMutex
	defs  []llms.Tool
	funcs map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Handler)}
}

// Register adds a tool. The definition's function name must be non-empty and
// unique within the registry.
func (r *Registry) Register(def llms.Tool, handler Handler) error {
	if def.Function == nil || def.Function.Name == "" {
		return fmt.Errorf("tool definition needs a function name")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler cannot be nil", def.Function.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[def.Function.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Function.Name)
	}
	r.funcs[def.Function.Name] = handler
	r.defs = append(r.defs, def)
	return nil
}

// MustRegister is Register for static tool sets assembled at startup.
func (r *Registry) MustRegister(def llms.Tool, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

func (r *Registry) Tools() []llms.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llms.Tool, len(r.defs))
	copy(defs, r.defs)
	return defs
}

func (r *Registry) Call(ctx context.Context, name string, arguments map[string]any) (string, error) {
	r.mu.RLock()
	handler, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q not found in registry", name)
	}

	logger.Logger.Debug("Executing tool", "tool", name)
	return handler(ctx, arguments)
}

func (r *Registry) Close() error { return nil }

// FunctionTool builds a function-typed tool definition from a name,
// description and JSON-schema parameter map.
func FunctionTool(name, description string, parameters map[string]any) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// Combine merges toolboxes into one. Definitions keep the order of the
// underlying boxes; on a name collision the first box wins, matching the MCP
// discovery rule. A single box is returned as-is.
func Combine(boxes ...Toolbox) Toolbox {
	switch len(boxes) {
	case 0:
		return NewRegistry()
	case 1:
		return boxes[0]
	}

	combined := &multiToolbox{
		boxes:  boxes,
		routes: make(map[string]Toolbox),
	}
	for _, box := range boxes {
		for _, def := range box.Tools() {
			if def.Function == nil {
				continue
			}
			if existing, collision := combined.routes[def.Function.Name]; collision {
				logger.Logger.Warn("Tool name collision across toolboxes, keeping first registration",
					"tool", def.Function.Name,
					"existing", fmt.Sprintf("%T", existing),
					"new", fmt.Sprintf("%T", box))
				continue
			}
			combined.routes[def.Function.Name] = box
			combined.defs = append(combined.defs, def)
		}
	}
	return combined
}

type multiToolbox struct {
	boxes  []Toolbox
	routes map[string]Toolbox
	defs   []llms.Tool
}

func (m *multiToolbox) Tools() []llms.Tool {
	defs := make([]llms.Tool, len(m.defs))
	copy(defs, m.defs)
	return defs
}

func (m *multiToolbox) Call(ctx context.Context, name string, arguments map[string]any) (string, error) {
	box, ok := m.routes[name]
	if !ok {
		return "", fmt.Errorf("tool %q not found in any toolbox", name)
	}
	return box.Call(ctx, name, arguments)
}

func (m *multiToolbox) Close() error {
	var firstErr error
	for _, box := range m.boxes {
		if err := box.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
