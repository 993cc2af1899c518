package tools

import (
	"fmt"
	"sync"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// Request is the uniform tool call shape.
type Request struct {
	Method  string         `json:"method"`
	Path    string         `json:"path"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the structured outcome of a tool call.
type Result struct {
	StatusCode int            `json:"status_code"`
	Body       map[string]any `json:"body,omitempty"`
}

// Driver maps the actions one tool category can perform onto requests.
// New actions or categories are added by registering drivers, not by
// changing the dispatcher.
type Driver interface {
	Category() model.ToolCategory
	Supports(kind model.ActionKind) bool
	Build(kind model.ActionKind, params map[string]any) (Request, error)
}

// Route is the request template for one action.
type Route struct {
	Method string
	Path   string
}

// RouteDriver is a Driver backed by a static route table.
type RouteDriver struct {
	category model.ToolCategory
	routes   map[model.ActionKind]Route
}

// NewRouteDriver creates a route-table driver.
func NewRouteDriver(category model.ToolCategory, routes map[model.ActionKind]Route) *RouteDriver {
	return &RouteDriver{category: category, routes: routes}
}

// Category returns the tool category served.
func (d *RouteDriver) Category() model.ToolCategory { return d.category }

// Supports reports whether the action has a route.
func (d *RouteDriver) Supports(kind model.ActionKind) bool {
	_, ok := d.routes[kind]
	return ok
}

// Build renders the request for kind. The payload carries the action name
// alongside a copy of params.
func (d *RouteDriver) Build(kind model.ActionKind, params map[string]any) (Request, error) {
	route, ok := d.routes[kind]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s cannot %s", irerrors.ErrActionUnsupported, d.category, kind)
	}
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["action"] = string(kind)
	return Request{Method: route.Method, Path: route.Path, Payload: payload}, nil
}

// Actions lists the supported actions.
func (d *RouteDriver) Actions() []model.ActionKind {
	out := make([]model.ActionKind, 0, len(d.routes))
	for k := range d.routes {
		out = append(out, k)
	}
	return out
}

// DriverSet indexes drivers by category.
type DriverSet struct {
	mu      sync.RWMutex
	drivers map[model.ToolCategory]Driver
}

// NewDriverSet creates a set from drivers.
func NewDriverSet(drivers ...Driver) *DriverSet {
	s := &DriverSet{drivers: make(map[model.ToolCategory]Driver)}
	for _, d := range drivers {
		s.drivers[d.Category()] = d
	}
	return s
}

// Register adds or replaces the driver for its category.
func (s *DriverSet) Register(d Driver) {
	s.mu.Lock()
	s.drivers[d.Category()] = d
	s.mu.Unlock()
}

// Get returns the driver for a category.
func (s *DriverSet) Get(c model.ToolCategory) (Driver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[c]
	return d, ok
}

// DefaultDrivers returns the built-in drivers for every tool category.
func DefaultDrivers() *DriverSet {
	return NewDriverSet(
		NewRouteDriver(model.CategoryEDR, map[model.ActionKind]Route{
			model.ActionIsolateHost:     {"POST", "/api/v1/hosts/isolate"},
			model.ActionUnisolateHost:   {"POST", "/api/v1/hosts/release"},
			model.ActionKillProcess:     {"POST", "/api/v1/processes/kill"},
			model.ActionQuarantineFile:  {"POST", "/api/v1/files/quarantine"},
			model.ActionCollectEvidence: {"POST", "/api/v1/triage/collect"},
		}),
		NewRouteDriver(model.CategoryFirewall, map[model.ActionKind]Route{
			model.ActionBlockIP:       {"POST", "/api/v1/rules/ip"},
			model.ActionUnblockIP:     {"DELETE", "/api/v1/rules/ip"},
			model.ActionBlockDomain:   {"POST", "/api/v1/rules/domain"},
			model.ActionUnblockDomain: {"DELETE", "/api/v1/rules/domain"},
			model.ActionIsolateSubnet: {"POST", "/api/v1/segments/isolate"},
		}),
		NewRouteDriver(model.CategoryIdentity, map[model.ActionKind]Route{
			model.ActionDisableUser:    {"POST", "/api/v1/users/disable"},
			model.ActionEnableUser:     {"POST", "/api/v1/users/enable"},
			model.ActionResetPassword:  {"POST", "/api/v1/users/reset-password"},
			model.ActionRevokeSessions: {"POST", "/api/v1/sessions/revoke"},
		}),
		NewRouteDriver(model.CategoryForensics, map[model.ActionKind]Route{
			model.ActionCollectEvidence: {"POST", "/api/v1/cases/evidence"},
			model.ActionSnapshotMemory:  {"POST", "/api/v1/memory/snapshot"},
		}),
		NewRouteDriver(model.CategoryTicketing, map[model.ActionKind]Route{
			model.ActionCreateTicket: {"POST", "/api/v1/tickets"},
		}),
		NewRouteDriver(model.CategoryNotification, map[model.ActionKind]Route{
			model.ActionNotifyTeam: {"POST", "/api/v1/messages"},
			model.ActionEscalate:   {"POST", "/api/v1/pages"},
		}),
	)
}
