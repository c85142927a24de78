package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/progress"
)

// PlanLoader reads the persisted state of a plan.
type PlanLoader interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
}

// Notifier tells a chat how a plan it started ended. It listens on the hub,
// subscribes again when dropped as a slow subscriber, and falls back to the
// stored plan when the plan finished before a subscription existed.
type Notifier struct {
	hub   *progress.Hub
	plans PlanLoader

	wg sync.WaitGroup
}

func NewNotifier(hub *progress.Hub, plans PlanLoader) *Notifier {
	return &Notifier{hub: hub, plans: plans}
}

// Watch sends one message to chatID on m when planID completes or fails.
// It returns immediately.
func (n *Notifier) Watch(ctx context.Context, planID string, m Messenger, chatID string) {
	sub := n.hub.Subscribe(planID)

	var once sync.Once
	notify := func(text string) {
		once.Do(func() {
			if err := m.Send(chatID, text); err != nil {
				log.Printf("Failed to notify %s about plan %s: %v", chatID, planID, err)
			}
		})
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for !n.follow(ctx, sub, planID, notify) {
			// Dropped for falling behind while the plan still runs.
			log.Printf("Resubscribing to progress of plan %s", planID)
			sub = n.hub.Subscribe(planID)
		}
	}()
}

// follow reads sub until the plan ends or ctx is done and reports true. It
// reports false when the hub dropped sub before the plan ended.
func (n *Notifier) follow(ctx context.Context, sub *progress.Subscription, planID string, notify func(string)) bool {
	defer sub.Close()

	// The plan may have ended before Subscribe.
	if p, err := n.plans.GetPlan(ctx, planID); err == nil && p.Status.Terminal() {
		notify(summarizePlan(p))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case evt, ok := <-sub.Events():
			if !ok {
				return !errors.Is(sub.Err(), progress.ErrSlowSubscriber)
			}
			if evt.Kind.Terminal() {
				notify(summarizeEvent(evt))
				return true
			}
		}
	}
}

// Wait blocks until every pending watch has ended.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func summarizeEvent(evt progress.Event) string {
	if evt.Kind == progress.PlanCompleted {
		return fmt.Sprintf("✅ Plan %s completed (%d steps).", evt.PlanID, evt.TotalSteps)
	}
	return fmt.Sprintf("❌ Plan %s failed at step %d: %s", evt.PlanID, evt.StepIndex+1, evt.Error)
}

func summarizePlan(p *plan.Plan) string {
	if p.Status == plan.StatusCompleted {
		return fmt.Sprintf("✅ Plan %s completed (%d steps).", p.ID, len(p.Steps))
	}
	return fmt.Sprintf("❌ Plan %s failed at step %d.", p.ID, p.CurrentStep+1)
}
