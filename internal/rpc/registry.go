package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Call carries one tool invocation: the transport session id (empty
// when the header was absent) and the decoded arguments object.
type Call struct {
	SessionID string
	Args      map[string]any
}

// ToolHandler executes one tool call and returns the structured result.
type ToolHandler func(ctx context.Context, call Call) (map[string]any, error)

// ToolDescriptor is the tools/list row for one tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

type registryItem struct {
	handler ToolHandler
	tool    ToolDescriptor
}

// ToolRegistry stores tool name to handler and descriptor (single owner per name).
type ToolRegistry struct {
	items map[string]registryItem
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		items: map[string]registryItem{},
	}
}

// Register adds a tool; returns error if name is empty or already registered.
func (r *ToolRegistry) Register(handler ToolHandler, tool ToolDescriptor) error {
	if handler == nil {
		return errors.New("tool handler is required")
	}
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	tool.Name = name
	r.items[name] = registryItem{
		handler: handler,
		tool:    tool,
	}
	return nil
}

// Lookup returns the handler and descriptor for the tool name, or false if not found.
func (r *ToolRegistry) Lookup(name string) (ToolHandler, ToolDescriptor, bool) {
	item, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return nil, ToolDescriptor{}, false
	}
	return item.handler, item.tool, true
}

// List returns all tool descriptors sorted by name.
func (r *ToolRegistry) List() []ToolDescriptor {
	if len(r.items) == 0 {
		return []ToolDescriptor{}
	}
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.items[name].tool)
	}
	return tools
}
