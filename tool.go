package agora

import (
	"context"
	"encoding/json"
)

// Tool is a pluggable agent capability with one or more named functions.
// The dispatcher consults plugins only for names outside the built-in set.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutcome, error)
}

// ToolOutcome is the structured result of one tool call. Failures are data,
// not errors: OK=false plus Error travels back into the agent's history so
// the model can react.
type ToolOutcome struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Fail builds a failed outcome.
func Fail(msg string) ToolOutcome {
	return ToolOutcome{OK: false, Error: msg}
}

// Ok builds a successful outcome carrying data.
func Ok(data map[string]any) ToolOutcome {
	return ToolOutcome{OK: true, Data: data}
}

// Encode serializes the outcome for history entries and stream events.
// The envelope flattens Data next to ok/error so models see one object.
func (o ToolOutcome) Encode() string {
	obj := make(map[string]any, len(o.Data)+2)
	for k, v := range o.Data {
		obj[k] = v
	}
	obj["ok"] = o.OK
	if o.Error != "" {
		obj["error"] = o.Error
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return `{"ok":false,"error":"unencodable tool outcome"}`
	}
	return string(raw)
}

// ToolRegistry holds plugin tools and dispatches execution by name.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	if r == nil {
		return nil
	}
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Has reports whether any registered tool defines name.
func (r *ToolRegistry) Has(name string) bool {
	if r == nil {
		return false
	}
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return true
			}
		}
	}
	return false
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutcome, error) {
	if r != nil {
		for _, t := range r.tools {
			for _, d := range t.Definitions() {
				if d.Name == name {
					return t.Execute(ctx, name, args)
				}
			}
		}
	}
	return Fail("Unknown tool: " + name), nil
}
