package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// Transport executes a request against one tool. Authentication, base URL
// and wire details are the transport's concern.
type Transport interface {
	Call(ctx context.Context, tool model.SecurityTool, req Request) (*Result, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, tool model.SecurityTool, req Request) (*Result, error)

// Call calls f.
func (f TransportFunc) Call(ctx context.Context, tool model.SecurityTool, req Request) (*Result, error) {
	return f(ctx, tool, req)
}

// Client invokes tool capabilities through the category driver and the
// transport selected by the tool endpoint scheme.
type Client struct {
	drivers    *DriverSet
	transports map[string]Transport
}

// NewClient creates a client. Transports are keyed by URL scheme.
func NewClient(drivers *DriverSet, transports map[string]Transport) *Client {
	if drivers == nil {
		drivers = DefaultDrivers()
	}
	t := make(map[string]Transport, len(transports))
	for scheme, tr := range transports {
		t[strings.ToLower(scheme)] = tr
	}
	return &Client{drivers: drivers, transports: t}
}

// Invoke performs one action on tool. The tool value is a snapshot taken at
// dispatch time.
func (c *Client) Invoke(ctx context.Context, tool model.SecurityTool, kind model.ActionKind, params map[string]any) (*Result, error) {
	if !tool.Supports(kind) {
		return nil, irerrors.Wrap(tool.ID, string(kind), irerrors.ErrActionUnsupported)
	}
	driver, ok := c.drivers.Get(tool.Category)
	if !ok {
		return nil, irerrors.Wrap(tool.ID, string(kind),
			fmt.Errorf("%w: no driver for %s", irerrors.ErrActionUnsupported, tool.Category))
	}
	req, err := driver.Build(kind, params)
	if err != nil {
		return nil, irerrors.Wrap(tool.ID, string(kind), err)
	}

	transport, err := c.transportFor(tool)
	if err != nil {
		return nil, irerrors.Wrap(tool.ID, string(kind), err)
	}
	return transport.Call(ctx, tool, req)
}

// transportFor picks the transport for the tool endpoint. An endpoint that
// cannot be parsed is a misconfigured tool; a scheme this process has no
// transport for counts as configuration absence.
func (c *Client) transportFor(tool model.SecurityTool) (Transport, error) {
	u, err := url.Parse(tool.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", irerrors.ErrToolMisconfigured, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: endpoint %q has no scheme", irerrors.ErrToolMisconfigured, tool.Endpoint)
	}
	scheme := strings.ToLower(u.Scheme)
	if t, ok := c.transports[scheme]; ok {
		return t, nil
	}
	if t, ok := c.transports["*"]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: no transport for scheme %q", irerrors.ErrToolNotFound, scheme)
}
