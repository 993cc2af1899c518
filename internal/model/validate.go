package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// actionPattern is the accepted format for action kinds.
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidationError reports a model value that failed validation.
type ValidationError struct {
	What string
	Err  error
}

func (e *ValidationError) Error() string { return "invalid " + e.What + ": " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(what string, err error) error {
	return &ValidationError{What: what, Err: err}
}

// Validator checks model values before they enter the engine.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// NewValidator creates a Validator with the custom model rules registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).Rank() > 0
	})
	v.RegisterValidation("tool_category", func(fl validator.FieldLevel) bool {
		switch ToolCategory(fl.Field().String()) {
		case CategoryEDR, CategoryFirewall, CategoryIdentity,
			CategoryForensics, CategoryTicketing, CategoryNotification:
			return true
		}
		return false
	})

	return &Validator{
		validate:  v,
		maxFuture: 5 * time.Minute,
	}
}

// ValidateContext validates an incoming incident context.
func (v *Validator) ValidateContext(c *IncidentContext) error {
	if err := v.validate.Struct(c); err != nil {
		return invalid("incident context", err)
	}
	if c.DetectionTime.IsZero() {
		return invalid("incident context", errors.New("detection time is required"))
	}
	if c.DetectionTime.After(time.Now().Add(v.maxFuture)) {
		return invalid("incident context", fmt.Errorf("detection time in future: %v", c.DetectionTime))
	}
	return nil
}

// ValidateTool validates a tool configuration.
func (v *Validator) ValidateTool(t *SecurityTool) error {
	if err := v.validate.Struct(t); err != nil {
		return invalid(fmt.Sprintf("tool %q", t.ID), err)
	}
	for _, a := range t.Actions {
		if !actionPattern.MatchString(string(a)) {
			return invalid(fmt.Sprintf("tool %q", t.ID), fmt.Errorf("bad action name %q", a))
		}
	}
	return nil
}

// ValidateAction validates an action config submitted by an operator.
func (v *Validator) ValidateAction(a *ResponseActionConfig) error {
	if err := v.validate.Struct(a); err != nil {
		return invalid("action", err)
	}
	if !actionPattern.MatchString(string(a.Kind)) {
		return invalid("action", fmt.Errorf("bad action name %q", a.Kind))
	}
	return nil
}
