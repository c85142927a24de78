// Package engine drives plans through their steps: one goroutine per plan,
// steps strictly in order, stopping at the first failure.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/progress"
	"github.com/rahul/agentichq/internal/tools"
)

var (
	ErrEmptyPlan      = errors.New("engine: plan has no steps")
	ErrAlreadyRunning = errors.New("engine: plan is already running")
	ErrShuttingDown   = errors.New("engine: shutting down")
	ErrPlanTerminal   = errors.New("engine: plan already finished")
	ErrStepsMismatch  = errors.New("engine: steps differ from the stored plan")
)

const (
	reasonCancelled   = "plan cancelled"
	reasonInterrupted = "interrupted before completion"
)

// Store is the persistence the engine needs.
type Store interface {
	CreatePlan(ctx context.Context, steps []plan.Step) (*plan.Plan, error)
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	UpdatePlan(ctx context.Context, id string, status plan.Status, currentStep int) error
	ListPlans(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error)
	CreateStepExecution(ctx context.Context, exec *plan.StepExecution) error
	UpdateStepExecution(ctx context.Context, exec *plan.StepExecution) error
}

// Invoker calls a tool by name. Failures are returned as errors whose text is
// the reason recorded on the step.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (tools.Output, error)
}

type Engine struct {
	store     Store
	invoker   Invoker
	publisher progress.Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics

	stepTimeout time.Duration

	mu      sync.Mutex
	active  map[string]*Run
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStepTimeout bounds each tool invocation. Zero means no limit.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

func New(store Store, invoker Invoker, publisher progress.Publisher, opts ...Option) *Engine {
	if publisher == nil {
		publisher = progress.Fanout(nil)
	}
	e := &Engine{
		store:     store,
		invoker:   invoker,
		publisher: publisher,
		active:    make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates steps, creates the Plan record and starts executing it.
func (e *Engine) Submit(ctx context.Context, steps []plan.Step) (*Run, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyPlan
	}
	if err := plan.ValidateSteps(steps); err != nil {
		return nil, err
	}
	p, err := e.store.CreatePlan(ctx, steps)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, p.ID, p.Steps), nil
}

// Execute starts running planID in its own goroutine and returns its handle.
// Only a stored Pending plan is run; anything else finishes the Run with an
// error and publishes nothing. Cancelling ctx fails the next step with
// "plan cancelled"; records are still written.
func (e *Engine) Execute(ctx context.Context, planID string, steps []plan.Step) *Run {
	r := newRun(planID, steps)

	e.mu.Lock()
	switch {
	case e.closing:
		e.mu.Unlock()
		r.finish(ErrShuttingDown)
		return r
	case e.active[planID] != nil:
		e.mu.Unlock()
		r.finish(ErrAlreadyRunning)
		return r
	case len(steps) == 0:
		e.mu.Unlock()
		r.finish(ErrEmptyPlan)
		return r
	}
	e.active[planID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		err := e.run(ctx, r)
		if err != nil {
			log.Printf("Plan %s aborted: %v", planID, err)
		}

		e.mu.Lock()
		delete(e.active, planID)
		e.mu.Unlock()
		r.finish(err)
	}()
	return r
}

// Active returns the handle of a plan currently executing in this process.
func (e *Engine) Active(planID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[planID]
	return r, ok
}

// Shutdown stops accepting plans and waits for running ones or ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publish(evt progress.Event) {
	evt.Time = time.Now()
	e.publisher.Publish(evt)
}

// run executes every step of r. It returns only persistence errors; step
// failures end the plan normally.
func (e *Engine) run(ctx context.Context, r *Run) error {
	// Records must be written even after ctx is cancelled.
	pctx := context.WithoutCancel(ctx)
	total := len(r.steps)

	if err := e.admit(pctx, r); err != nil {
		return err
	}

	e.metrics.PlanStarted()
	observability.SetActiveStep(r.PlanID, "")
	defer observability.ClearPlan(r.PlanID)

	if err := e.store.UpdatePlan(pctx, r.PlanID, plan.StatusRunning, 0); err != nil {
		e.metrics.PlanFinished(string(plan.StatusFailed))
		e.publish(progress.Event{Kind: progress.PlanStarted, PlanID: r.PlanID, TotalSteps: total})
		e.publish(progress.Event{Kind: progress.PlanFailed, PlanID: r.PlanID, TotalSteps: total, Error: "could not start plan"})
		return fmt.Errorf("mark plan running: %w", err)
	}
	r.setState(plan.StatusRunning, 0, "")
	e.logger.LogPlan(r.PlanID, string(plan.StatusRunning), map[string]any{"steps": total})
	e.publish(progress.Event{Kind: progress.PlanStarted, PlanID: r.PlanID, TotalSteps: total})

	for i := range r.steps {
		step := r.steps[i]
		e.publish(progress.Event{Kind: progress.StepStarted, PlanID: r.PlanID, StepIndex: i, TotalSteps: total, Step: &step})

		exec := &plan.StepExecution{PlanID: r.PlanID, StepIndex: i, Status: plan.StatusRunning}
		if err := e.store.CreateStepExecution(pctx, exec); err != nil {
			e.fail(pctx, r, exec, "could not record step")
			return fmt.Errorf("create execution %d: %w", i, err)
		}
		e.logger.LogStep(r.PlanID, i, step.Tool, string(plan.StatusRunning), "")
		observability.SetActiveStep(r.PlanID, step.Tool)

		out, reason := e.attempt(ctx, r, i, step)
		if reason != "" {
			return e.fail(pctx, r, exec, reason)
		}

		r.results.set(i, out)
		payload, err := json.Marshal(out)
		if err != nil {
			payload = []byte(`{}`)
		}
		exec.Status = plan.StatusCompleted
		exec.Result = string(payload)
		if err := e.store.UpdateStepExecution(pctx, exec); err != nil {
			e.fail(pctx, r, exec, "could not record step result")
			return fmt.Errorf("complete execution %d: %w", i, err)
		}
		if err := e.store.UpdatePlan(pctx, r.PlanID, plan.StatusRunning, i+1); err != nil {
			e.fail(pctx, r, exec, "could not advance plan")
			return fmt.Errorf("advance plan: %w", err)
		}
		r.setState(plan.StatusRunning, i+1, "")
		e.logger.LogStep(r.PlanID, i, step.Tool, string(plan.StatusCompleted), "")
		e.publish(progress.Event{Kind: progress.StepCompleted, PlanID: r.PlanID, StepIndex: i, TotalSteps: total, Result: out})
	}

	if err := e.store.UpdatePlan(pctx, r.PlanID, plan.StatusCompleted, total); err != nil {
		e.metrics.PlanFinished(string(plan.StatusFailed))
		e.publish(progress.Event{Kind: progress.PlanFailed, PlanID: r.PlanID, StepIndex: total, Error: "could not complete plan"})
		return fmt.Errorf("complete plan: %w", err)
	}
	r.setState(plan.StatusCompleted, total, "")
	e.metrics.PlanFinished(string(plan.StatusCompleted))
	e.logger.LogPlan(r.PlanID, string(plan.StatusCompleted), nil)
	e.publish(progress.Event{Kind: progress.PlanCompleted, PlanID: r.PlanID, StepIndex: total, TotalSteps: total})
	return nil
}

// admit checks the stored plan before anything is written: it must still be
// Pending and hold the same steps.
func (e *Engine) admit(ctx context.Context, r *Run) error {
	p, err := e.store.GetPlan(ctx, r.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	switch {
	case !p.Status.CanTransition(plan.StatusRunning):
		return ErrPlanTerminal
	case p.Status != plan.StatusPending:
		return ErrAlreadyRunning
	case !sameTools(p.Steps, r.steps):
		return ErrStepsMismatch
	}
	return nil
}

func sameTools(a, b []plan.Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Tool != b[i].Tool {
			return false
		}
	}
	return true
}

// attempt resolves references and invokes the tool of step i. A non-empty
// reason means the step failed.
func (e *Engine) attempt(ctx context.Context, r *Run, i int, step plan.Step) (tools.Output, string) {
	if ctx.Err() != nil {
		return tools.Output{}, reasonCancelled
	}

	args, err := ResolveArgs(step.Args, i, r.results)
	if err != nil {
		return tools.Output{}, err.Error()
	}

	if encoded, err := json.Marshal(args); err == nil {
		e.logger.LogToolCall(r.PlanID, i, step.Tool, string(encoded))
	}

	start := time.Now()
	out, err := e.invoke(ctx, r.PlanID, step.Tool, args)
	elapsed := time.Since(start)
	e.logger.LogToolResult(r.PlanID, i, step.Tool, elapsed, err)

	if err != nil {
		e.metrics.StepFinished(step.Tool, string(plan.StatusFailed), elapsed)
		if ctx.Err() != nil {
			return tools.Output{}, reasonCancelled
		}
		reason := err.Error()
		if reason == "" {
			reason = "step failed"
		}
		return tools.Output{}, reason
	}
	e.metrics.StepFinished(step.Tool, string(plan.StatusCompleted), elapsed)
	return out, ""
}

// invoke calls the tool, converting a panic into an ordinary failure.
func (e *Engine) invoke(ctx context.Context, planID, tool string, args map[string]any) (out tools.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Panic in tool %s (plan %s): %v\n%s", tool, planID, p, debug.Stack())
			out, err = tools.Output{}, fmt.Errorf("internal error in %s", tool)
		}
	}()

	ictx := tools.WithPlanID(ctx, planID)
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ictx, e.stepTimeout)
		defer cancel()
	}
	return e.invoker.Invoke(ictx, tool, args)
}

// fail records the failure of exec's step, freezes the plan at that index and
// publishes the failure events.
func (e *Engine) fail(ctx context.Context, r *Run, exec *plan.StepExecution, reason string) error {
	i := exec.StepIndex
	exec.Status = plan.StatusFailed
	exec.Result = ""
	exec.Error = reason

	var errs []error
	if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
		errs = append(errs, fmt.Errorf("fail execution %d: %w", i, err))
	}
	if err := e.store.UpdatePlan(ctx, r.PlanID, plan.StatusFailed, i); err != nil {
		errs = append(errs, fmt.Errorf("fail plan: %w", err))
	}

	r.setState(plan.StatusFailed, i, reason)
	e.metrics.PlanFinished(string(plan.StatusFailed))
	e.logger.LogStep(r.PlanID, i, r.steps[i].Tool, string(plan.StatusFailed), reason)
	e.logger.LogPlan(r.PlanID, string(plan.StatusFailed), map[string]any{"step": i, "error": reason})
	log.Printf("Plan %s failed at step %d (%s): %s", r.PlanID, i, r.steps[i].Tool, reason)

	e.publish(progress.Event{Kind: progress.StepFailed, PlanID: r.PlanID, StepIndex: i, TotalSteps: len(r.steps), Error: reason})
	e.publish(progress.Event{Kind: progress.PlanFailed, PlanID: r.PlanID, StepIndex: i, TotalSteps: len(r.steps), Error: reason})
	return errors.Join(errs...)
}
