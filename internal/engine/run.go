package engine

import (
	"context"
	"sync"

	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/tools"
)

// Run is the handle of one plan execution. The plan runs independently of the
// caller; Wait is optional.
type Run struct {
	PlanID string

	steps   []plan.Step
	results *Results
	done    chan struct{}

	mu     sync.Mutex
	status plan.Status
	cursor int
	reason string
	err    error
}

func newRun(planID string, steps []plan.Step) *Run {
	return &Run{
		PlanID:  planID,
		steps:   steps,
		results: newResults(len(steps)),
		done:    make(chan struct{}),
		status:  plan.StatusPending,
	}
}

// Done is closed when the run finished, successfully or not.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finished or ctx ends. It returns the run's hard
// error (persistence failure or a refused plan); a failed step is not an
// error here, see Status.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the hard error of a finished run.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns the plan status as last recorded by the run, its cursor and
// the failure reason when Failed.
func (r *Run) Status() (plan.Status, int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.cursor, r.reason
}

// Results returns a copy of the outputs of the completed steps.
func (r *Run) Results() []tools.Output {
	return r.results.Completed()
}

func (r *Run) setState(status plan.Status, cursor int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.cursor = cursor
	r.reason = reason
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}
