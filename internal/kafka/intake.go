package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/storage"
)

// Submitter accepts a validated incident context for asynchronous response.
type Submitter interface {
	Submit(ctx context.Context, ic model.IncidentContext) error
}

// Quarantine records rejected payloads.
type Quarantine interface {
	Write(ctx context.Context, entry *storage.QuarantineEntry) error
}

// Intake turns incident messages into submissions. Payloads that can never
// succeed are quarantined and acknowledged; transient submit failures are
// returned so the offset stays uncommitted.
type Intake struct {
	submitter  Submitter
	quarantine Quarantine
	validator  *model.Validator
	logger     *slog.Logger

	// isDuplicate classifies submit errors for already-known incidents.
	isDuplicate func(error) bool

	accepted    atomic.Int64
	quarantined atomic.Int64
}

// NewIntake creates an intake handler. quarantine may be nil, in which case
// rejected payloads are only logged.
func NewIntake(s Submitter, q Quarantine, isDuplicate func(error) bool, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	if isDuplicate == nil {
		isDuplicate = func(error) bool { return false }
	}
	return &Intake{
		submitter:   s,
		quarantine:  q,
		validator:   model.NewValidator(),
		logger:      logger.With("component", "intake"),
		isDuplicate: isDuplicate,
	}
}

// Handle is a MessageHandler.
func (in *Intake) Handle(ctx context.Context, msg Message) error {
	var ic model.IncidentContext
	if err := json.Unmarshal(msg.Value, &ic); err != nil {
		return in.reject(ctx, msg, "decode", []string{err.Error()})
	}
	if err := in.validator.ValidateContext(&ic); err != nil {
		return in.reject(ctx, msg, "invalid_context", validationMessages(err))
	}

	if err := in.submitter.Submit(ctx, ic); err != nil {
		if in.isDuplicate(err) {
			return in.reject(ctx, msg, "duplicate", []string{err.Error()})
		}
		return err
	}

	in.accepted.Add(1)
	in.logger.Debug("incident accepted",
		"incident_id", ic.IncidentID,
		"tenant_id", ic.TenantID,
		"severity", ic.Severity,
	)
	return nil
}

func (in *Intake) reject(ctx context.Context, msg Message, code string, reasons []string) error {
	in.quarantined.Add(1)
	in.logger.Warn("incident payload rejected",
		"code", code,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"reasons", strings.Join(reasons, "; "),
	)
	if in.quarantine == nil {
		return nil
	}
	return in.quarantine.Write(ctx, &storage.QuarantineEntry{
		Source:           "kafka",
		Payload:          string(msg.Value),
		ValidationErrors: reasons,
		ErrorCode:        code,
	})
}

// Counts returns the accepted and quarantined totals.
func (in *Intake) Counts() (accepted, quarantined int64) {
	return in.accepted.Load(), in.quarantined.Load()
}

func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Namespace()+": failed '"+fe.Tag()+"'")
	}
	return out
}
