package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"regline/internal/audit"
	"regline/internal/domain"
)

// StepRef addresses one step inside a cycle by phase name and position.
type StepRef struct {
	CycleID  string
	Phase    string
	Position int
}

// CompleteStep marks a step completed. If the step is the current step of
// the cycle's current phase, the cycle's step pointer advances.
func (e Engine) CompleteStep(ctx context.Context, ref StepRef, payloadJSON string, actor audit.Actor) (domain.Cycle, error) {
	if payloadJSON != "" {
		if err := validateJSON(payloadJSON); err != nil {
			return domain.Cycle{}, fmt.Errorf("step payload JSON: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, ref.CycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CycleActive {
		return c, fmt.Errorf("cycle %s is %s; steps can only change on an active cycle", c.ID, c.Status)
	}
	phase, step, err := findStep(&c, ref.Phase, ref.Position)
	if err != nil {
		return c, err
	}
	if phase.Status == domain.StatusPending {
		return c, fmt.Errorf("phase %s has not started", phase.Name)
	}
	if step.Status == domain.StatusCompleted {
		return c, fmt.Errorf("step %s already completed", step.Name)
	}
	if len(step.ValidationErrors) > 0 {
		return c, fmt.Errorf("step %s has unresolved validation errors", step.Name)
	}
	prevStep := *step
	now := e.now().UTC().Format(time.RFC3339)
	step.Status = domain.StatusCompleted
	step.CompletedAt = &now
	step.CompletedBy = &actor.ID
	if payloadJSON != "" {
		step.PayloadJSON = &payloadJSON
	}
	if err := e.Repo.UpdateStep(ctx, tx, actor, c.TenantID, c.ID, prevStep, *step); err != nil {
		return c, err
	}
	if c.CurrentPhase == phase.Name && c.CurrentStep == step.Position {
		prev := c
		c.CurrentStep = step.Position + 1
		if err := e.Repo.UpdateCycle(ctx, tx, actor, prev, c); err != nil {
			return c, err
		}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// StepUpdateOptions carry partial step changes.
type StepUpdateOptions struct {
	ValidationErrors *[]string
	PayloadJSON      *string
	Skip             bool
}

// UpdateStep records validation results or payload on a step without
// completing it. Skip marks an optional step skipped.
func (e Engine) UpdateStep(ctx context.Context, ref StepRef, opts StepUpdateOptions, actor audit.Actor) (domain.Cycle, error) {
	if opts.PayloadJSON != nil {
		if err := validateJSON(*opts.PayloadJSON); err != nil {
			return domain.Cycle{}, fmt.Errorf("step payload JSON: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, ref.CycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CycleActive {
		return c, fmt.Errorf("cycle %s is %s; steps can only change on an active cycle", c.ID, c.Status)
	}
	phase, step, err := findStep(&c, ref.Phase, ref.Position)
	if err != nil {
		return c, err
	}
	if step.Status == domain.StatusCompleted {
		return c, fmt.Errorf("step %s already completed", step.Name)
	}
	prevStep := *step
	if opts.Skip {
		if step.IsRequired {
			return c, fmt.Errorf("step %s is required and cannot be skipped", step.Name)
		}
		step.Status = domain.StatusSkipped
	} else if step.Status == domain.StatusPending && phase.Status == domain.StatusInProgress {
		step.Status = domain.StatusInProgress
	}
	if opts.ValidationErrors != nil {
		step.ValidationErrors = *opts.ValidationErrors
	}
	if opts.PayloadJSON != nil {
		step.PayloadJSON = opts.PayloadJSON
	}
	if err := e.Repo.UpdateStep(ctx, tx, actor, c.TenantID, c.ID, prevStep, *step); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// CompletePhase completes a phase after verifying every required step is
// done and no step carries validation errors. The next pending phase opens
// for work; the cycle's phase pointer stays where the caller left it.
// Completing the last phase completes the cycle.
func (e Engine) CompletePhase(ctx context.Context, cycleID, phaseName string, actor audit.Actor) (domain.Cycle, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CycleActive {
		return c, fmt.Errorf("cycle %s is %s; phases can only complete on an active cycle", c.ID, c.Status)
	}
	phase := findPhase(&c, phaseName)
	if phase == nil {
		return c, fmt.Errorf("phase %s not found in cycle %s", phaseName, cycleID)
	}
	if phase.Status == domain.StatusCompleted {
		return c, fmt.Errorf("phase %s already completed", phaseName)
	}
	if phase.Status != domain.StatusInProgress {
		return c, fmt.Errorf("phase %s is %s and cannot be completed", phaseName, phase.Status)
	}
	if incomplete := checkPhaseComplete(*phase); incomplete != nil {
		return c, incomplete
	}
	now := e.now().UTC().Format(time.RFC3339)
	prevPhase := *phase
	phase.Status = domain.StatusCompleted
	phase.CompletedAt = &now
	phase.CompletedBy = &actor.ID
	if err := e.Repo.UpdatePhase(ctx, tx, actor, c.TenantID, prevPhase, *phase); err != nil {
		return c, err
	}
	if next := nextPendingPhase(&c, phase.Position); next != nil {
		prevNext := *next
		next.Status = domain.StatusInProgress
		if err := e.Repo.UpdatePhase(ctx, tx, actor, c.TenantID, prevNext, *next); err != nil {
			return c, err
		}
	} else if allPhasesCompleted(c) {
		prev := c
		c.Status = domain.CycleCompleted
		c.CompletedAt = &now
		if err := e.Repo.UpdateCycle(ctx, tx, actor, prev, c); err != nil {
			return c, err
		}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// NavigateToPhase moves the cycle's phase pointer. Only completed or
// in-progress phases are reachable; pending and blocked phases are not.
// Navigation resets the step pointer and changes nothing else.
func (e Engine) NavigateToPhase(ctx context.Context, cycleID, phaseName string, actor audit.Actor) (domain.Cycle, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CycleActive {
		return c, &NavigationDeniedError{Phase: phaseName, Reason: fmt.Sprintf("cycle is %s", c.Status)}
	}
	phase := findPhase(&c, phaseName)
	if phase == nil {
		return c, &NavigationDeniedError{Phase: phaseName, Reason: "phase not found"}
	}
	if phase.Name != c.CurrentPhase && phase.Status != domain.StatusCompleted && phase.Status != domain.StatusInProgress {
		return c, &NavigationDeniedError{Phase: phaseName, Reason: fmt.Sprintf("phase is %s", phase.Status)}
	}
	prev := c
	c.CurrentPhase = phase.Name
	c.CurrentStep = 0
	if err := e.Repo.UpdateCycle(ctx, tx, actor, prev, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// OverallProgress reports cycle completion as a whole percentage,
// round(100 * completed / total) over every step in every phase.
// Skipped optional steps are excluded from both counts; a cycle with
// no countable steps reports 0.
func OverallProgress(c domain.Cycle) int {
	total, done := 0, 0
	for _, p := range c.Phases {
		for _, s := range p.Steps {
			if s.Status == domain.StatusSkipped {
				continue
			}
			total++
			if s.Status == domain.StatusCompleted {
				done++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

func checkPhaseComplete(p domain.Phase) *IncompletePhaseError {
	var missing, validation []string
	for _, s := range p.Steps {
		if s.IsRequired && s.Status != domain.StatusCompleted {
			missing = append(missing, s.Name)
		}
		if len(s.ValidationErrors) > 0 {
			for _, v := range s.ValidationErrors {
				validation = append(validation, fmt.Sprintf("%s: %s", s.Name, v))
			}
		}
	}
	if len(missing) == 0 && len(validation) == 0 {
		return nil
	}
	return &IncompletePhaseError{Phase: p.Name, MissingSteps: missing, ValidationErrors: validation}
}

func findPhase(c *domain.Cycle, name string) *domain.Phase {
	for i := range c.Phases {
		if c.Phases[i].Name == name {
			return &c.Phases[i]
		}
	}
	return nil
}

func findStep(c *domain.Cycle, phaseName string, position int) (*domain.Phase, *domain.Step, error) {
	phase := findPhase(c, phaseName)
	if phase == nil {
		return nil, nil, fmt.Errorf("phase %s not found in cycle %s", phaseName, c.ID)
	}
	for i := range phase.Steps {
		if phase.Steps[i].Position == position {
			return phase, &phase.Steps[i], nil
		}
	}
	return nil, nil, fmt.Errorf("phase %s has no step at position %d", phaseName, position)
}

func nextPendingPhase(c *domain.Cycle, after int) *domain.Phase {
	for i := range c.Phases {
		if c.Phases[i].Position > after && c.Phases[i].Status == domain.StatusPending {
			return &c.Phases[i]
		}
	}
	return nil
}

func allPhasesCompleted(c domain.Cycle) bool {
	for _, p := range c.Phases {
		if p.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}
