package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/rahul/agentichq/internal/plan"
)

// RecoverInterrupted settles plans left Pending or Running by a previous
// process. A plan whose cursor reached the end is marked Completed; any other
// gets a Failed execution at its cursor. Plans running in this engine are
// skipped. It returns the number of plans settled.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	plans, err := e.store.ListPlans(ctx, plan.StatusPending, plan.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list unfinished plans: %w", err)
	}

	settled := 0
	for _, p := range plans {
		if _, running := e.Active(p.ID); running {
			continue
		}

		if len(p.Steps) > 0 && p.CurrentStep >= len(p.Steps) {
			if err := e.store.UpdatePlan(ctx, p.ID, plan.StatusCompleted, len(p.Steps)); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		exec := &plan.StepExecution{
			PlanID:    p.ID,
			StepIndex: p.CurrentStep,
			Status:    plan.StatusFailed,
			Error:     reasonInterrupted,
		}
		if err := e.store.CreateStepExecution(ctx, exec); err != nil {
			return settled, err
		}
		if err := e.store.UpdatePlan(ctx, p.ID, plan.StatusFailed, p.CurrentStep); err != nil {
			return settled, err
		}
		e.logger.LogPlan(p.ID, string(plan.StatusFailed), map[string]any{"step": p.CurrentStep, "error": reasonInterrupted})
		log.Printf("Plan %s was interrupted at step %d, marked failed", p.ID, p.CurrentStep)
		settled++
	}
	return settled, nil
}
