package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/progress"
	"github.com/rahul/agentichq/internal/store"
	"github.com/rahul/agentichq/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	tool string
	args map[string]any
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, tool string, args map[string]any) (tools.Output, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (tools.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{tool: tool, args: args})
	f.mu.Unlock()
	if f.fn == nil {
		return tools.Output{Content: tool + " ok"}, nil
	}
	return f.fn(ctx, tool, args)
}

func (f *fakeInvoker) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Publish(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) For(planID string) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.PlanID == planID {
			out = append(out, e)
		}
	}
	return out
}

func kinds(events []progress.Event) []progress.Kind {
	out := make([]progress.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	store   *store.Store
	invoker *fakeInvoker
	events  *recorder
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, invoker: &fakeInvoker{}, events: &recorder{}}
	f.engine = New(st, f.invoker, f.events)
	return f
}

func (f *fixture) submit(t *testing.T, steps []plan.Step) *Run {
	t.Helper()
	r, err := f.engine.Submit(context.Background(), steps)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	return r
}

func (f *fixture) records(t *testing.T, planID string) (*plan.Plan, []*plan.StepExecution) {
	t.Helper()
	p, err := f.store.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	execs, err := f.store.ListStepExecutions(context.Background(), planID)
	require.NoError(t, err)
	return p, execs
}

func steps(n int) []plan.Step {
	out := make([]plan.Step, n)
	for i := range out {
		out[i] = plan.Step{Tool: fmt.Sprintf("Tool.op%d", i), Args: map[string]any{"n": i}}
	}
	return out
}

func TestForwardReferenceResolved(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(_ context.Context, tool string, args map[string]any) (tools.Output, error) {
		if tool == "Docs.create" {
			return tools.Output{Fields: map[string]any{"content": "hello"}}, nil
		}
		return tools.Output{Content: "added"}, nil
	}

	r := f.submit(t, []plan.Step{
		{Tool: "Docs.create", Args: map[string]any{"name": "readme"}},
		{Tool: "Repo.addFile", Args: map[string]any{"path": "README.md", "contentRef": float64(0)}},
	})

	calls := f.invoker.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"path": "README.md", "content": "hello"}, calls[1].args)

	p, execs := f.records(t, r.PlanID)
	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.Equal(t, 2, p.CurrentStep)
	require.Len(t, execs, 2)
	assert.JSONEq(t, `{"fields":{"content":"hello"}}`, execs[0].Result)

	// the stored plan keeps the reference
	assert.Equal(t, float64(0), p.Steps[1].Args["contentRef"])
	assert.Len(t, r.Results(), 2)
}

func TestAllStepsSucceed(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d steps", n), func(t *testing.T) {
			f := newFixture(t)
			r := f.submit(t, steps(n))

			p, execs := f.records(t, r.PlanID)
			assert.Equal(t, plan.StatusCompleted, p.Status)
			assert.Equal(t, n, p.CurrentStep)
			require.Len(t, execs, n)
			for i, e := range execs {
				assert.Equal(t, i, e.StepIndex)
				assert.Equal(t, plan.StatusCompleted, e.Status)
				assert.Empty(t, e.Error)
			}

			status, cursor, reason := r.Status()
			assert.Equal(t, plan.StatusCompleted, status)
			assert.Equal(t, n, cursor)
			assert.Empty(t, reason)

			want := []progress.Kind{progress.PlanStarted}
			for i := 0; i < n; i++ {
				want = append(want, progress.StepStarted, progress.StepCompleted)
			}
			want = append(want, progress.PlanCompleted)
			assert.Equal(t, want, kinds(f.events.For(r.PlanID)))
		})
	}
}

func TestFailureStopsPlanAtStep(t *testing.T) {
	const n = 4
	for k := 0; k < n; k++ {
		t.Run(fmt.Sprintf("fail at %d", k), func(t *testing.T) {
			f := newFixture(t)
			failing := fmt.Sprintf("Tool.op%d", k)
			f.invoker.fn = func(_ context.Context, tool string, _ map[string]any) (tools.Output, error) {
				if tool == failing {
					return tools.Output{}, errors.New("remote rejected")
				}
				return tools.Output{Content: "ok"}, nil
			}

			r := f.submit(t, steps(n))

			p, execs := f.records(t, r.PlanID)
			assert.Equal(t, plan.StatusFailed, p.Status)
			assert.Equal(t, k, p.CurrentStep)
			require.Len(t, execs, k+1)
			for i := 0; i < k; i++ {
				assert.Equal(t, plan.StatusCompleted, execs[i].Status)
			}
			assert.Equal(t, plan.StatusFailed, execs[k].Status)
			assert.Equal(t, "remote rejected", execs[k].Error)
			assert.Empty(t, execs[k].Result)

			assert.Len(t, f.invoker.Calls(), k+1, "no tool runs after the failing step")

			want := []progress.Kind{progress.PlanStarted}
			for i := 0; i < k; i++ {
				want = append(want, progress.StepStarted, progress.StepCompleted)
			}
			want = append(want, progress.StepStarted, progress.StepFailed, progress.PlanFailed)
			assert.Equal(t, want, kinds(f.events.For(r.PlanID)))
		})
	}
}

func TestToolFailureReported(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(context.Context, string, map[string]any) (tools.Output, error) {
		return tools.Output{}, errors.New("invalid recipient")
	}

	r := f.submit(t, []plan.Step{{Tool: "Mail.send", Args: map[string]any{"to": "x@example.com"}}})

	p, execs := f.records(t, r.PlanID)
	assert.Equal(t, plan.StatusFailed, p.Status)
	require.Len(t, execs, 1)
	assert.Equal(t, "invalid recipient", execs[0].Error)

	var failed []progress.Event
	for _, e := range f.events.For(r.PlanID) {
		if e.Kind == progress.PlanFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "invalid recipient", failed[0].Error)

	_, _, reason := r.Status()
	assert.Equal(t, "invalid recipient", reason)
}

func TestPanicIsAnOrdinaryFailure(t *testing.T) {
	outcome := func(t *testing.T, fail func()) ([]progress.Kind, []plan.Status, *plan.Plan, string) {
		f := newFixture(t)
		f.invoker.fn = func(_ context.Context, tool string, _ map[string]any) (tools.Output, error) {
			if tool == "Tool.op1" {
				fail()
				return tools.Output{}, errors.New("ordinary failure")
			}
			return tools.Output{Content: "ok"}, nil
		}
		r := f.submit(t, steps(3))
		p, execs := f.records(t, r.PlanID)
		statuses := make([]plan.Status, len(execs))
		for i, e := range execs {
			statuses[i] = e.Status
		}
		return kinds(f.events.For(r.PlanID)), statuses, p, execs[len(execs)-1].Error
	}

	panicKinds, panicStatuses, panicPlan, panicReason := outcome(t, func() { panic("nil map write") })
	okKinds, okStatuses, okPlan, _ := outcome(t, func() {})

	assert.Equal(t, okKinds, panicKinds)
	assert.Equal(t, okStatuses, panicStatuses)
	assert.Equal(t, okPlan.Status, panicPlan.Status)
	assert.Equal(t, okPlan.CurrentStep, panicPlan.CurrentStep)
	assert.Equal(t, "internal error in Tool.op1", panicReason)
}

func TestUnresolvedReferenceFailsStep(t *testing.T) {
	cases := []struct {
		name   string
		ref    any
		reason string
	}{
		{"self", float64(1), "unresolved reference: step 1"},
		{"future", float64(7), "unresolved reference: step 7"},
		{"negative", float64(-1), "unresolved reference: step -1"},
		{"fraction", 0.5, "invalid reference contentRef: 0.5"},
		{"text", "first", "invalid reference contentRef: first"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.submit(t, []plan.Step{
				{Tool: "Docs.create"},
				{Tool: "Repo.addFile", Args: map[string]any{"contentRef": c.ref}},
			})

			p, execs := f.records(t, r.PlanID)
			assert.Equal(t, plan.StatusFailed, p.Status)
			require.Len(t, execs, 2)
			assert.Equal(t, c.reason, execs[1].Error)
			assert.Len(t, f.invoker.Calls(), 1, "tool must not be invoked")
		})
	}
}

func TestHubSubscriberSeesOrderedSequence(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	hub := progress.NewHub()
	inv := &fakeInvoker{}
	eng := New(st, inv, hub)

	p, err := st.CreatePlan(context.Background(), steps(3))
	require.NoError(t, err)
	sub := hub.Subscribe(p.ID)

	r := eng.Execute(context.Background(), p.ID, p.Steps)
	require.NoError(t, r.Wait(context.Background()))

	var got []progress.Event
	for evt := range sub.Events() {
		got = append(got, evt)
	}
	require.NoError(t, sub.Err())
	require.Len(t, got, 8)
	assert.Equal(t, 3, got[0].TotalSteps)
	for i := 0; i < 3; i++ {
		started, completed := got[1+2*i], got[2+2*i]
		assert.Equal(t, progress.StepStarted, started.Kind)
		assert.Equal(t, i, started.StepIndex)
		require.NotNil(t, started.Step)
		assert.Equal(t, p.Steps[i].Tool, started.Step.Tool)
		assert.Equal(t, progress.StepCompleted, completed.Kind)
		assert.Equal(t, i, completed.StepIndex)
	}
	assert.Equal(t, progress.PlanCompleted, got[7].Kind)
}

func TestConcurrentPlansAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(_ context.Context, tool string, args map[string]any) (tools.Output, error) {
		if tool == "Docs.create" {
			time.Sleep(time.Millisecond)
			return tools.Output{Content: "doc-" + tools.Args(args).String("name")}, nil
		}
		return tools.Output{Content: tools.Args(args).String("content")}, nil
	}

	const plans = 12
	runs := make([]*Run, plans)
	for i := range runs {
		r, err := f.engine.Submit(context.Background(), []plan.Step{
			{Tool: "Docs.create", Args: map[string]any{"name": fmt.Sprint(i)}},
			{Tool: "Repo.addFile", Args: map[string]any{"contentRef": 0}},
		})
		require.NoError(t, err)
		runs[i] = r
	}

	for i, r := range runs {
		require.NoError(t, r.Wait(context.Background()))
		results := r.Results()
		require.Len(t, results, 2)
		assert.Equal(t, fmt.Sprintf("doc-%d", i), results[1].Content)

		_, execs := f.records(t, r.PlanID)
		require.Len(t, execs, 2)
		for _, e := range execs {
			assert.Equal(t, r.PlanID, e.PlanID)
		}
	}
}

func TestCancelledContextFailsNextStep(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.invoker.fn = func(context.Context, string, map[string]any) (tools.Output, error) {
		cancel()
		return tools.Output{Content: "ok"}, nil
	}

	r, err := f.engine.Submit(ctx, steps(3))
	require.NoError(t, err)
	require.NoError(t, r.Wait(context.Background()))

	p, execs := f.records(t, r.PlanID)
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, 1, p.CurrentStep)
	require.Len(t, execs, 2)
	assert.Equal(t, plan.StatusCompleted, execs[0].Status)
	assert.Equal(t, "plan cancelled", execs[1].Error)
	assert.Len(t, f.invoker.Calls(), 1)
}

type flakyStore struct {
	*store.Store
	failComplete bool
	failStart    bool
}

func (s *flakyStore) UpdatePlan(ctx context.Context, id string, status plan.Status, currentStep int) error {
	if s.failStart && status == plan.StatusRunning && currentStep == 0 {
		return errors.New("database is locked")
	}
	return s.Store.UpdatePlan(ctx, id, status, currentStep)
}

func (s *flakyStore) UpdateStepExecution(ctx context.Context, exec *plan.StepExecution) error {
	if s.failComplete && exec.Status == plan.StatusCompleted {
		return errors.New("disk full")
	}
	return s.Store.UpdateStepExecution(ctx, exec)
}

func TestPersistenceFailureIsReturned(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	events := &recorder{}
	eng := New(&flakyStore{Store: st, failComplete: true}, &fakeInvoker{}, events)
	r, err := eng.Submit(context.Background(), steps(2))
	require.NoError(t, err)

	err = r.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, progress.PlanFailed, kinds(events.For(r.PlanID))[len(events.For(r.PlanID))-1])
}

func TestStartFailureStillAnnouncesPlan(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	events := &recorder{}
	inv := &fakeInvoker{}
	eng := New(&flakyStore{Store: st, failStart: true}, inv, events)
	r, err := eng.Submit(context.Background(), steps(2))
	require.NoError(t, err)

	err = r.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, []progress.Kind{progress.PlanStarted, progress.PlanFailed}, kinds(events.For(r.PlanID)))
	assert.Empty(t, inv.Calls())
}

func TestSubmitRejectsInvalidPlans(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = f.engine.Submit(context.Background(), []plan.Step{{Tool: "createRepo"}})
	assert.ErrorIs(t, err, plan.ErrInvalidTool)

	r := f.engine.Execute(context.Background(), "p", nil)
	assert.ErrorIs(t, r.Wait(context.Background()), ErrEmptyPlan)
}

func TestExecuteRejectsDuplicateAndShutdownWaits(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.invoker.fn = func(context.Context, string, map[string]any) (tools.Output, error) {
		<-release
		return tools.Output{Content: "ok"}, nil
	}

	p, err := f.store.CreatePlan(context.Background(), steps(1))
	require.NoError(t, err)
	first := f.engine.Execute(context.Background(), p.ID, p.Steps)

	dup := f.engine.Execute(context.Background(), p.ID, p.Steps)
	assert.ErrorIs(t, dup.Wait(context.Background()), ErrAlreadyRunning)
	_, active := f.engine.Active(p.ID)
	assert.True(t, active)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.Shutdown(short), context.DeadlineExceeded)

	late := f.engine.Execute(context.Background(), "other", steps(1))
	assert.ErrorIs(t, late.Wait(context.Background()), ErrShuttingDown)

	close(release)
	require.NoError(t, f.engine.Shutdown(context.Background()))
	require.NoError(t, first.Err())
	status, _, _ := first.Status()
	assert.Equal(t, plan.StatusCompleted, status)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running, err := f.store.CreatePlan(ctx, steps(3))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePlan(ctx, running.ID, plan.StatusRunning, 1))
	require.NoError(t, f.store.CreateStepExecution(ctx, &plan.StepExecution{PlanID: running.ID, StepIndex: 0, Status: plan.StatusCompleted}))
	require.NoError(t, f.store.CreateStepExecution(ctx, &plan.StepExecution{PlanID: running.ID, StepIndex: 1, Status: plan.StatusRunning}))

	finished, err := f.store.CreatePlan(ctx, steps(2))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePlan(ctx, finished.ID, plan.StatusRunning, 2))

	pending, err := f.store.CreatePlan(ctx, steps(1))
	require.NoError(t, err)

	n, err := f.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, execs := f.records(t, running.ID)
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, 1, p.CurrentStep)
	require.Len(t, execs, 2)
	assert.Equal(t, plan.StatusFailed, execs[1].Status)
	assert.Equal(t, "interrupted before completion", execs[1].Error)

	p, _ = f.records(t, finished.ID)
	assert.Equal(t, plan.StatusCompleted, p.Status)

	p, execs = f.records(t, pending.ID)
	assert.Equal(t, plan.StatusFailed, p.Status)
	require.Len(t, execs, 1)

	n, err = f.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecuteRefusesCompletedPlan(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, steps(2))
	before := len(f.events.For(first.PlanID))
	require.Len(t, f.invoker.Calls(), 2)

	p, execsBefore := f.records(t, first.PlanID)
	again := f.engine.Execute(context.Background(), p.ID, p.Steps)
	assert.ErrorIs(t, again.Wait(context.Background()), ErrPlanTerminal)

	assert.Len(t, f.invoker.Calls(), 2)
	assert.Len(t, f.events.For(first.PlanID), before)
	p, execs := f.records(t, first.PlanID)
	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.Equal(t, 2, p.CurrentStep)
	assert.Equal(t, execsBefore, execs)
}

func TestExecuteRefusesFailedPlan(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(context.Context, string, map[string]any) (tools.Output, error) {
		return tools.Output{}, errors.New("GitHub token not configured")
	}
	first := f.submit(t, steps(2))
	before := len(f.events.For(first.PlanID))

	f.invoker.fn = nil
	p, _ := f.records(t, first.PlanID)
	again := f.engine.Execute(context.Background(), p.ID, p.Steps)
	assert.ErrorIs(t, again.Wait(context.Background()), ErrPlanTerminal)

	assert.Len(t, f.invoker.Calls(), 1)
	assert.Len(t, f.events.For(first.PlanID), before)
	p, execs := f.records(t, first.PlanID)
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, 0, p.CurrentStep)
	require.Len(t, execs, 1)
	assert.Equal(t, plan.StatusFailed, execs[0].Status)
	assert.Equal(t, "GitHub token not configured", execs[0].Error)
}

func TestExecuteRequiresStoredSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.store.CreatePlan(ctx, steps(2))
	require.NoError(t, err)
	r := f.engine.Execute(ctx, p.ID, steps(3))
	assert.ErrorIs(t, r.Wait(ctx), ErrStepsMismatch)

	stale, err := f.store.CreatePlan(ctx, steps(1))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePlan(ctx, stale.ID, plan.StatusRunning, 0))
	r = f.engine.Execute(ctx, stale.ID, stale.Steps)
	assert.ErrorIs(t, r.Wait(ctx), ErrAlreadyRunning)

	r = f.engine.Execute(ctx, "missing", steps(1))
	assert.ErrorIs(t, r.Wait(ctx), store.ErrNotFound)

	assert.Empty(t, f.invoker.Calls())
	assert.Empty(t, f.events.For(p.ID))
	p, execs := f.records(t, p.ID)
	assert.Equal(t, plan.StatusPending, p.Status)
	assert.Empty(t, execs)
}
