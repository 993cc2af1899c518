// Package tools holds the security tool registry and the uniform client used
// to invoke tool capabilities.
package tools

import (
	"fmt"
	"sort"
	"sync"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// Registry holds tool configurations. Reads return copies so a concurrent
// update never changes a tool binding an in-flight action already holds.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]model.SecurityTool
	drivers   *DriverSet
	validator *model.Validator
	version   uint64
}

// NewRegistry creates an empty registry validating tools against drivers.
func NewRegistry(drivers *DriverSet) *Registry {
	if drivers == nil {
		drivers = DefaultDrivers()
	}
	return &Registry{
		tools:     make(map[string]model.SecurityTool),
		drivers:   drivers,
		validator: model.NewValidator(),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool model.SecurityTool) error {
	if err := r.check(&tool); err != nil {
		return err
	}

	r.mu.Lock()
	r.tools[tool.ID] = tool.Clone()
	r.version++
	r.mu.Unlock()
	return nil
}

// Replace swaps the full tool set atomically. Nothing changes if any tool
// is invalid.
func (r *Registry) Replace(tools []model.SecurityTool) error {
	next := make(map[string]model.SecurityTool, len(tools))
	for i := range tools {
		if err := r.check(&tools[i]); err != nil {
			return err
		}
		if _, dup := next[tools[i].ID]; dup {
			return fmt.Errorf("duplicate tool id %q", tools[i].ID)
		}
		next[tools[i].ID] = tools[i].Clone()
	}

	r.mu.Lock()
	r.tools = next
	r.version++
	r.mu.Unlock()
	return nil
}

func (r *Registry) check(tool *model.SecurityTool) error {
	if err := r.validator.ValidateTool(tool); err != nil {
		return err
	}
	driver, ok := r.drivers.Get(tool.Category)
	if !ok {
		return fmt.Errorf("tool %q: no driver for category %s", tool.ID, tool.Category)
	}
	for _, a := range tool.Actions {
		if !driver.Supports(a) {
			return fmt.Errorf("tool %q: %s driver cannot perform %s", tool.ID, tool.Category, a)
		}
	}
	return nil
}

// Remove deletes a tool.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tools, id)
	r.version++
	r.mu.Unlock()
}

// SetEnabled toggles a tool.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[id]
	if !ok {
		return fmt.Errorf("%w: %s", irerrors.ErrToolNotFound, id)
	}
	tool.Enabled = enabled
	r.tools[id] = tool
	r.version++
	return nil
}

// Get returns a copy of the tool.
func (r *Registry) Get(id string) (model.SecurityTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[id]
	if !ok {
		return model.SecurityTool{}, false
	}
	return tool.Clone(), true
}

// List returns copies of all tools ordered by id.
func (r *Registry) List() []model.SecurityTool {
	r.mu.RLock()
	out := make([]model.SecurityTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capable returns copies of every tool listing kind, enabled tools first,
// then by ascending priority value and id.
func (r *Registry) Capable(kind model.ActionKind) []model.SecurityTool {
	r.mu.RLock()
	var out []model.SecurityTool
	for _, t := range r.tools {
		if t.Supports(kind) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Enabled != out[j].Enabled {
			return out[i].Enabled
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Version increments on every mutation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Stats returns registry statistics.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCategory := make(map[string]int)
	enabled := 0
	for _, t := range r.tools {
		byCategory[string(t.Category)]++
		if t.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"total":       len(r.tools),
		"enabled":     enabled,
		"by_category": byCategory,
		"version":     r.version,
	}
}
