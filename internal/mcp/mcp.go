// Package mcp holds the tool surface: the endpoint contract for named tool
// servers, a registry resolving tool names to endpoints, and the dispatcher
// that executes calls under deadlines.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
)

// ErrUnknownTool aborts a strategy turn; unlike per-call failures it is
// raised, not recorded.
var ErrUnknownTool = errors.New("unknown tool")

// Tool describes one callable tool. InputSchema is a JSON Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CallToolResult is the normalized outcome of one tool call.
type CallToolResult struct {
	Status            state.StepStatus `json:"status"`
	ContentParts      []part.Part      `json:"content_parts,omitempty"`
	StructuredContent map[string]any   `json:"structured_content,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	ElapsedMS         int64            `json:"elapsed_ms"`
}

// Endpoint is one named tool server.
type Endpoint interface {
	Name() string
	Tools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (*CallToolResult, error)
}

// Registry maps server names to endpoints and tool names to the server that
// owns them.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Endpoint
}

func NewRegistry() *Registry {
	return &Registry{servers: map[string]Endpoint{}}
}

// AddServer registers an endpoint under its name. Replaces an existing
// endpoint with the same name.
func (r *Registry) AddServer(endpoint Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[endpoint.Name()] = endpoint
}

// Server looks up one endpoint by name.
func (r *Registry) Server(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.servers[name]
	return endpoint, ok
}

// ServerNames lists registered servers sorted by name.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve finds the endpoint serving toolName among the named servers. An
// empty server list searches every registered server. Server order (sorted
// by name) breaks ties deterministically.
func (r *Registry) Resolve(ctx context.Context, toolName string, servers []string) (Endpoint, error) {
	if len(servers) == 0 {
		servers = r.ServerNames()
	}
	for _, name := range servers {
		endpoint, ok := r.Server(name)
		if !ok {
			continue
		}
		tools, err := endpoint.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", name, err)
		}
		for _, tool := range tools {
			if tool.Name == toolName {
				return endpoint, nil
			}
		}
	}
	return nil, fmt.Errorf("tool %q: %w", toolName, ErrUnknownTool)
}

// ToolsFor aggregates tool definitions across the named servers (all
// servers when the list is empty), in server-name order.
func (r *Registry) ToolsFor(ctx context.Context, servers []string) ([]Tool, error) {
	if len(servers) == 0 {
		servers = r.ServerNames()
	}
	var out []Tool
	for _, name := range servers {
		endpoint, ok := r.Server(name)
		if !ok {
			return nil, fmt.Errorf("server %q: %w", name, ErrUnknownTool)
		}
		tools, err := endpoint.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", name, err)
		}
		out = append(out, tools...)
	}
	return out, nil
}
