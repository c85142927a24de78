package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rahul/agentichq/internal/plan"
)

// CreatePlan stores a new pending plan with a fresh id and cursor 0.
func (s *Store) CreatePlan(ctx context.Context, steps []plan.Step) (*plan.Plan, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}

	ts := now()
	p := &plan.Plan{
		ID:          uuid.NewString(),
		Steps:       steps,
		Status:      plan.StatusPending,
		CurrentStep: 0,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	query := `INSERT INTO plans (id, steps, status, current_step, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, p.ID, string(data), string(p.Status), p.CurrentStep, toUnix(ts), toUnix(ts)); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return p, nil
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	query := `SELECT id, steps, status, current_step, created_at, updated_at FROM plans WHERE id = ?`
	p, err := scanPlan(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

// UpdatePlan sets the status and cursor of a plan and bumps updated_at.
func (s *Store) UpdatePlan(ctx context.Context, id string, status plan.Status, currentStep int) error {
	query := `UPDATE plans SET status = ?, current_step = ?, updated_at = ? WHERE id = ?`
	res, err := s.exec(ctx, query, string(status), currentStep, toUnix(now()), id)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", id, err)
	}
	return expectRow(res)
}

// ListPlans returns plans ordered by creation time, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error) {
	query := `SELECT id, steps, status, current_step, created_at, updated_at FROM plans`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*plan.Plan, error) {
	var (
		p                plan.Plan
		steps, status    string
		created, updated int64
	)
	if err := row.Scan(&p.ID, &steps, &status, &p.CurrentStep, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of plan %s: %w", p.ID, err)
	}
	p.Status = plan.Status(status)
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}

// CreateStepExecution records a step attempt. Keyed by (plan id, step index);
// an existing record for the same key is overwritten.
func (s *Store) CreateStepExecution(ctx context.Context, exec *plan.StepExecution) error {
	ts := now()
	exec.CreatedAt = ts
	exec.UpdatedAt = ts

	query := `INSERT INTO plan_executions (plan_id, step_index, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plan_id, step_index) DO UPDATE SET
			status = excluded.status, result = excluded.result, error = excluded.error, updated_at = excluded.updated_at`
	_, err := s.exec(ctx, query, exec.PlanID, exec.StepIndex, string(exec.Status),
		nullString(exec.Result), nullString(exec.Error), toUnix(ts), toUnix(ts))
	if err != nil {
		return fmt.Errorf("create execution %s/%d: %w", exec.PlanID, exec.StepIndex, err)
	}
	return nil
}

// UpdateStepExecution writes the status, result and error of an existing record.
func (s *Store) UpdateStepExecution(ctx context.Context, exec *plan.StepExecution) error {
	exec.UpdatedAt = now()
	query := `UPDATE plan_executions SET status = ?, result = ?, error = ?, updated_at = ? WHERE plan_id = ? AND step_index = ?`
	res, err := s.exec(ctx, query, string(exec.Status), nullString(exec.Result), nullString(exec.Error),
		toUnix(exec.UpdatedAt), exec.PlanID, exec.StepIndex)
	if err != nil {
		return fmt.Errorf("update execution %s/%d: %w", exec.PlanID, exec.StepIndex, err)
	}
	return expectRow(res)
}

// ListStepExecutions returns the executions of one plan in step order.
func (s *Store) ListStepExecutions(ctx context.Context, planID string) ([]*plan.StepExecution, error) {
	query := `SELECT plan_id, step_index, status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM plan_executions WHERE plan_id = ? ORDER BY step_index`
	rows, err := s.query(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("list executions %s: %w", planID, err)
	}
	defer rows.Close()

	var out []*plan.StepExecution
	for rows.Next() {
		var (
			e                plan.StepExecution
			status           string
			created, updated int64
		)
		if err := rows.Scan(&e.PlanID, &e.StepIndex, &status, &e.Result, &e.Error, &created, &updated); err != nil {
			return nil, err
		}
		e.Status = plan.Status(status)
		e.CreatedAt = fromUnix(created)
		e.UpdatedAt = fromUnix(updated)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
