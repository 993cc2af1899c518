package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// maxResponseBody bounds how much of a tool response is read.
const maxResponseBody = 1 << 20

// HTTPTransport calls REST-style tools. The per-call deadline comes from
// the context; the client timeout is only a ceiling.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPTransport{client: client}
}

// Call sends req to the tool endpoint.
func (t *HTTPTransport) Call(ctx context.Context, tool model.SecurityTool, req Request) (*Result, error) {
	action, _ := req.Payload["action"].(string)

	var body io.Reader
	if req.Payload != nil {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, irerrors.Wrap(tool.ID, action, fmt.Errorf("failed to marshal payload: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	url := strings.TrimRight(tool.Endpoint, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, irerrors.Wrap(tool.ID, action, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	applyAuth(httpReq, tool.Auth)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, irerrors.FromTransport(tool.ID, action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, irerrors.FromTransport(tool.ID, action, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, irerrors.FromStatus(tool.ID, action, resp.StatusCode, string(raw))
	}

	result := &Result{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &result.Body); err != nil {
			result.Body = map[string]any{"raw": string(raw)}
		}
	}
	return result, nil
}

func applyAuth(req *http.Request, auth model.AuthConfig) {
	switch auth.Type {
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case model.AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Token)
	case model.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}
