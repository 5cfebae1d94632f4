// Package agents holds the static registry of named agents: their system
// prompt, skills, model binding, and allowed tool servers.
package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/internal/state"
)

// Skill contributes one prompt block and its lineage ids to artifacts
// produced while the skill is active.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
}

// Agent is one configured persona.
type Agent struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Skills       []Skill  `json:"skills,omitempty"`
	MCPServers   []string `json:"mcp_servers,omitempty"`
}

// HasTools reports whether the agent can call tools at all; it decides the
// execution strategy.
func (a Agent) HasTools() bool {
	return len(a.MCPServers) > 0
}

// Registry is the set of agents this process serves.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]Agent
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}}
}

// Register adds or replaces an agent. The first registered agent becomes
// the default.
func (r *Registry) Register(agent Agent) error {
	if agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agents) == 0 {
		r.defaultName = agent.Name
	}
	r.agents[agent.Name] = agent
	return nil
}

// Get resolves an agent by name; the empty name resolves to the default.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	agent, ok := r.agents[name]
	if !ok {
		return Agent{}, fmt.Errorf("agent %q: %w", name, state.ErrNotFound)
	}
	return agent, nil
}

// Names lists registered agents sorted by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
