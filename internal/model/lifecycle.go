package model

import (
	"errors"
	"fmt"
)

// ResponseStatus is the lifecycle state of an incident response.
type ResponseStatus string

const (
	StatusDetected   ResponseStatus = "detected"
	StatusAnalyzing  ResponseStatus = "analyzing"
	StatusResponding ResponseStatus = "responding"
	StatusContained  ResponseStatus = "contained"
	StatusResolved   ResponseStatus = "resolved"
	StatusClosed     ResponseStatus = "closed"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("lifecycle: invalid status transition")

// transitions lists allowed targets per state. responding -> responding is
// an escalation round.
var transitions = map[ResponseStatus][]ResponseStatus{
	StatusDetected:   {StatusAnalyzing, StatusClosed},
	StatusAnalyzing:  {StatusResponding, StatusClosed},
	StatusResponding: {StatusResponding, StatusContained, StatusResolved, StatusClosed},
	StatusContained:  {StatusResolved, StatusClosed},
	StatusResolved:   {StatusClosed},
	StatusClosed:     {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ResponseStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a wrapped ErrInvalidTransition when from -> to
// is not allowed.
func ValidateTransition(from, to ResponseStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further executions may be appended.
func (s ResponseStatus) IsTerminal() bool {
	return s == StatusClosed
}

// IsOpen reports whether the response still awaits containment.
func (s ResponseStatus) IsOpen() bool {
	return s == StatusDetected || s == StatusAnalyzing || s == StatusResponding
}
