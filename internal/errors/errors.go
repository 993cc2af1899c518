// Package errors classifies tool dispatch failures and renders them safely
// for execution records.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"unicode/utf8"

	"ir-orchestrator/internal/logging"
)

// Configuration absence. Executions failing with these are skipped.
var (
	ErrToolNotFound      = errors.New("dispatch: tool not found")
	ErrToolDisabled      = errors.New("dispatch: tool disabled")
	ErrActionUnsupported = errors.New("dispatch: action not supported by tool")
	ErrAwaitingApproval  = errors.New("dispatch: action awaiting approval")
)

// Tool failures. Transient ones are retried.
var (
	ErrTransport = errors.New("dispatch: transport failure")
	ErrTimeout   = errors.New("dispatch: tool call timed out")
	ErrRejected  = errors.New("dispatch: tool rejected request")
	ErrServer    = errors.New("dispatch: tool server error")
	// ErrToolMisconfigured marks a tool whose configuration cannot be
	// used, such as an unparseable endpoint. It fails, it is not skipped.
	ErrToolMisconfigured = errors.New("dispatch: tool misconfigured")
)

// maxMessageLen bounds error text stored on executions.
const maxMessageLen = 512

// DispatchError wraps a tool failure with its call context.
type DispatchError struct {
	ToolID     string
	Action     string
	StatusCode int
	Err        error
}

// Error returns the error message.
func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch.%s(%s): status %d: %v", e.Action, e.ToolID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch.%s(%s): %v", e.Action, e.ToolID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Wrap attaches tool and action context to err.
func Wrap(toolID, action string, err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{ToolID: toolID, Action: action, Err: err}
}

// FromStatus classifies a non-2xx tool response.
func FromStatus(toolID, action string, status int, body string) error {
	kind := ErrRejected
	if status >= 500 || status == 429 || status == 408 {
		kind = ErrServer
	}
	return &DispatchError{
		ToolID:     toolID,
		Action:     action,
		StatusCode: status,
		Err:        fmt.Errorf("%w: %s", kind, body),
	}
}

// FromTransport classifies a transport-level error, mapping deadline
// expiry to ErrTimeout.
func FromTransport(toolID, action string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrTimeout
	}
	return &DispatchError{ToolID: toolID, Action: action, Err: fmt.Errorf("%w: %v", kind, err)}
}

// IsSkip reports whether err is a configuration absence rather than a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrToolDisabled) ||
		errors.Is(err, ErrActionUnsupported) ||
		errors.Is(err, ErrAwaitingApproval)
}

// IsTimeout reports whether err is a tool call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrServer)
}

// Message renders err for storage on an execution record with credentials
// masked and length bounded.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := logging.MaskText(err.Error())
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
