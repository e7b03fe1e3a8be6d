package engine

import (
	"fmt"
	"strings"
)

// IncompletePhaseError is returned when a phase cannot be completed because
// required steps are unfinished or steps carry unresolved validation errors.
type IncompletePhaseError struct {
	Phase            string
	MissingSteps     []string
	ValidationErrors []string
}

func (e *IncompletePhaseError) Error() string {
	var parts []string
	if len(e.MissingSteps) > 0 {
		parts = append(parts, fmt.Sprintf("required steps not completed: %s", strings.Join(e.MissingSteps, ", ")))
	}
	if len(e.ValidationErrors) > 0 {
		parts = append(parts, fmt.Sprintf("unresolved validation errors: %s", strings.Join(e.ValidationErrors, "; ")))
	}
	if len(parts) == 0 {
		parts = append(parts, "phase incomplete")
	}
	return fmt.Sprintf("phase %s cannot be completed: %s", e.Phase, strings.Join(parts, "; "))
}

// NavigationDeniedError is returned when a navigation target is not a
// completed or in-progress phase of the cycle.
type NavigationDeniedError struct {
	Phase  string
	Reason string
}

func (e *NavigationDeniedError) Error() string {
	return fmt.Sprintf("cannot navigate to phase %s: %s", e.Phase, e.Reason)
}

// CriticalIssueBlockingError is returned when an operation is refused
// because unresolved critical issues block the cycle.
type CriticalIssueBlockingError struct {
	CycleID  string
	IssueIDs []string
}

func (e *CriticalIssueBlockingError) Error() string {
	return fmt.Sprintf("cycle %s is blocked by critical issue(s): %s", e.CycleID, strings.Join(e.IssueIDs, ", "))
}

// StillBlockedError is returned when a resume attempt finds the blocking
// condition unchanged.
type StillBlockedError struct {
	CycleID  string
	IssueIDs []string
}

func (e *StillBlockedError) Error() string {
	return fmt.Sprintf("cycle %s cannot resume; critical issue(s) still unresolved: %s", e.CycleID, strings.Join(e.IssueIDs, ", "))
}

// HumanReviewerRequiredError is returned when a non-human actor attempts
// to decide a gate action. Verdicts on gated operations are human acts;
// an agent must never approve its own request.
type HumanReviewerRequiredError struct {
	ActorID   string
	ActorType string
}

func (e *HumanReviewerRequiredError) Error() string {
	return fmt.Sprintf("gate decisions need a human reviewer; actor %s has type %s", e.ActorID, e.ActorType)
}

// InsufficientRationaleError is returned when a gate decision's rationale
// is shorter than the configured minimum after trimming whitespace.
type InsufficientRationaleError struct {
	Min int
	Got int
}

func (e *InsufficientRationaleError) Error() string {
	return fmt.Sprintf("decision rationale must be at least %d characters, got %d", e.Min, e.Got)
}
