// Package breach acquires execution rights on remote nodes: a ranked
// registry of port-opening capability tools and the per-node access
// state machine that applies them.
package breach

import (
	"fmt"
	"sort"
	"sync"
)

// Tool is one port-opening capability. Rank orders attempts: lower rank
// is tried first. Available reflects whether the operator owns the tool.
type Tool struct {
	ID        string `json:"id"`
	Rank      int    `json:"rank"`
	Available bool   `json:"available"`
}

// ToolRegistry manages the known capability tools.
type ToolRegistry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds or updates a tool in the registry.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool.ID == "" {
		return fmt.Errorf("tool id cannot be empty")
	}
	r.tools[tool.ID] = &tool
	return nil
}

// Get retrieves a tool by id.
func (r *ToolRegistry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[id]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Ranked returns the available tools sorted by rank ascending, ties
// broken by id.
func (r *ToolRegistry) Ranked() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Available {
			out = append(out, *t)
		}
	}
	sortTools(out)
	return out
}

// All returns every registered tool sorted by rank, available or not.
func (r *ToolRegistry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	sortTools(out)
	return out
}

// Enable marks a tool as owned by the operator.
func (r *ToolRegistry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tools[id]
	if !ok {
		return fmt.Errorf("tool %q not found", id)
	}
	t.Available = true
	return nil
}

// Disable marks a tool as not owned.
func (r *ToolRegistry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tools[id]
	if !ok {
		return fmt.Errorf("tool %q not found", id)
	}
	t.Available = false
	return nil
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// AvailableCount returns how many tools the operator owns.
func (r *ToolRegistry) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tools {
		if t.Available {
			n++
		}
	}
	return n
}

// RegisterDefaults registers the standard capability toolchain, all
// marked unavailable; configuration enables the owned subset.
func (r *ToolRegistry) RegisterDefaults() {
	defaults := []Tool{
		{ID: "ssh-bruteforce", Rank: 1},
		{ID: "ftp-crack", Rank: 2},
		{ID: "smtp-relay", Rank: 3},
		{ID: "http-worm", Rank: 4},
		{ID: "sql-inject", Rank: 5},
	}
	for _, t := range defaults {
		r.Register(t)
	}
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Rank != tools[j].Rank {
			return tools[i].Rank < tools[j].Rank
		}
		return tools[i].ID < tools[j].ID
	})
}
