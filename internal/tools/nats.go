package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// DefaultCommandSubject is used when a NATS endpoint names no subject.
const DefaultCommandSubject = "ir.commands"

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSCommand is the message published to agent-side listeners.
type NATSCommand struct {
	Action string         `json:"action"`
	Method string         `json:"method"`
	Path   string         `json:"path"`
	Params map[string]any `json:"params,omitempty"`
}

// NATSReply is the agent acknowledgement.
type NATSReply struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NATSTransport delivers commands to EDR agents over NATS request/reply.
// The endpoint path is a subject template such as "ir.{tenant}.{target}";
// {tenant} and {target} expand from the tenant_id and first target params.
type NATSTransport struct {
	conn Requester
}

// NewNATSTransport creates a NATS transport over an established connection.
func NewNATSTransport(conn Requester) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Call publishes req and waits for the agent reply within ctx.
func (t *NATSTransport) Call(ctx context.Context, tool model.SecurityTool, req Request) (*Result, error) {
	action, _ := req.Payload["action"].(string)

	subject, err := SubjectFor(tool.Endpoint, req.Payload)
	if err != nil {
		return nil, irerrors.Wrap(tool.ID, action, err)
	}

	data, err := json.Marshal(NATSCommand{
		Action: action,
		Method: req.Method,
		Path:   req.Path,
		Params: req.Payload,
	})
	if err != nil {
		return nil, irerrors.Wrap(tool.ID, action, fmt.Errorf("failed to marshal command: %w", err))
	}

	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, irerrors.FromTransport(tool.ID, action, err)
	}

	var reply NATSReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, irerrors.FromStatus(tool.ID, action, 502, "malformed agent reply")
	}
	if !strings.EqualFold(reply.Status, "ok") {
		return nil, irerrors.FromStatus(tool.ID, action, 422, reply.Message)
	}

	body := reply.Data
	if body == nil {
		body = map[string]any{}
	}
	body["subject"] = subject
	return &Result{StatusCode: 200, Body: body}, nil
}

// SubjectFor derives the NATS subject for a command from the tool endpoint.
func SubjectFor(endpoint string, params map[string]any) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad nats endpoint: %w", err)
	}
	subject := strings.Trim(u.Path, "/")
	if subject == "" {
		return DefaultCommandSubject, nil
	}

	tenant, _ := params["tenant_id"].(string)
	target := firstTarget(params["targets"])
	if strings.Contains(subject, "{tenant}") {
		if tenant == "" {
			return "", fmt.Errorf("subject %q needs tenant_id", subject)
		}
		subject = strings.ReplaceAll(subject, "{tenant}", tenant)
	}
	if strings.Contains(subject, "{target}") {
		if target == "" {
			return "", fmt.Errorf("subject %q needs a target", subject)
		}
		subject = strings.ReplaceAll(subject, "{target}", target)
	}
	return subject, nil
}

func firstTarget(v any) string {
	switch t := v.(type) {
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	case string:
		return t
	}
	return ""
}
