// Package plan holds the data model shared by the engine, the store and the
// HTTP surface: plans, their steps and the per-step execution records.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Plan or a StepExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step of the
// pending -> running -> completed|failed state machine. Staying in the same
// non-terminal state is allowed so the cursor can advance while running.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusRunning
	case StatusRunning:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Step is one {tool, args} unit of work. Args values are literals or
// references to earlier step results (keys ending in "Ref").
type Step struct {
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args" yaml:"args"`
}

// Provider returns the part of the tool name before the dot.
func (s Step) Provider() string {
	provider, _, _ := strings.Cut(s.Tool, ".")
	return provider
}

// Plan is an ordered list of steps plus the mutable status and cursor.
type Plan struct {
	ID          string    `json:"id"`
	Steps       []Step    `json:"steps"`
	Status      Status    `json:"status"`
	CurrentStep int       `json:"currentStep"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StepExecution is the durable record of one attempted step.
type StepExecution struct {
	PlanID    string    `json:"planId"`
	StepIndex int       `json:"stepIndex"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"` // JSON encoded tool output
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var (
	ErrNoSteps     = errors.New("plan has no steps")
	ErrInvalidTool = errors.New("invalid tool name")
)

// ValidateSteps checks a finalized step list before a plan is created.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	for i, s := range steps {
		provider, op, ok := strings.Cut(s.Tool, ".")
		if !ok || provider == "" || op == "" || strings.Contains(op, ".") {
			return fmt.Errorf("step %d: %w %q (want Provider.operation)", i, ErrInvalidTool, s.Tool)
		}
	}
	return nil
}
