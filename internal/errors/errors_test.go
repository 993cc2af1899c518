package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skip      bool
		retryable bool
		timeout   bool
	}{
		{"tool not found", Wrap("edr-1", "isolate_host", ErrToolNotFound), true, false, false},
		{"tool disabled", Wrap("edr-1", "isolate_host", ErrToolDisabled), true, false, false},
		{"unsupported", Wrap("fw-1", "isolate_host", ErrActionUnsupported), true, false, false},
		{"approval", ErrAwaitingApproval, true, false, false},
		{"deadline", FromTransport("edr-1", "isolate_host", context.DeadlineExceeded), false, true, true},
		{"wrapped deadline", FromTransport("edr-1", "isolate_host", fmt.Errorf("post: %w", context.DeadlineExceeded)), false, true, true},
		{"connection refused", FromTransport("edr-1", "isolate_host", errors.New("connection refused")), false, true, false},
		{"server error", FromStatus("fw-1", "block_ip", 503, "unavailable"), false, true, false},
		{"rate limited", FromStatus("fw-1", "block_ip", 429, "slow down"), false, true, false},
		{"bad request", FromStatus("fw-1", "block_ip", 400, "bad cidr"), false, false, false},
		{"misconfigured", Wrap("edr-1", "isolate_host", ErrToolMisconfigured), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSkip(tt.err); got != tt.skip {
				t.Errorf("IsSkip() = %v, want %v", got, tt.skip)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsTimeout(tt.err); got != tt.timeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.timeout)
			}
		})
	}
}

func TestDispatchErrorAs(t *testing.T) {
	err := FromStatus("fw-1", "block_ip", 502, "bad gateway")
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatal("expected DispatchError")
	}
	if de.StatusCode != 502 || de.ToolID != "fw-1" {
		t.Errorf("unexpected fields: %+v", de)
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("message missing status: %s", err)
	}
}

func TestMessage(t *testing.T) {
	if Message(nil) != "" {
		t.Error("expected empty message for nil error")
	}

	err := FromStatus("idp-1", "disable_user", 401, "invalid token=abc123")
	msg := Message(err)
	if strings.Contains(msg, "abc123") {
		t.Errorf("token leaked: %s", msg)
	}

	long := errors.New(strings.Repeat("x", 2000))
	if got := Message(long); len(got) > maxMessageLen+3 {
		t.Errorf("message not truncated: %d chars", len(got))
	}

	// The byte limit falls inside a two-byte rune.
	wide := errors.New("a" + strings.Repeat("é", 600))
	got := Message(wide)
	if !utf8.ValidString(got) {
		t.Errorf("truncated message is not valid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "é...") || len(got) != maxMessageLen-1+3 {
		t.Errorf("truncated to %d bytes, suffix %q", len(got), got[len(got)-8:])
	}
}
