// Package progress delivers live execution events of a plan to observers.
// Events are not stored; Plan and StepExecution records are the durable truth.
package progress

import (
	"time"

	"github.com/rahul/agentichq/internal/plan"
)

// Kind names an event in the life of a plan.
type Kind string

const (
	PlanStarted   Kind = "plan_started"
	StepStarted   Kind = "step_started"
	StepCompleted Kind = "step_completed"
	StepFailed    Kind = "step_failed"
	PlanCompleted Kind = "plan_completed"
	PlanFailed    Kind = "plan_failed"
)

// Terminal reports whether no event of the same plan follows k.
func (k Kind) Terminal() bool {
	return k == PlanCompleted || k == PlanFailed
}

// Event is one progress notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind       Kind       `json:"kind"`
	PlanID     string     `json:"planId"`
	StepIndex  int        `json:"stepIndex"`
	TotalSteps int        `json:"totalSteps,omitempty"`
	Step       *plan.Step `json:"step,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Time       time.Time  `json:"time"`
}

// Publisher receives every event the engine emits. Publish must not block.
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(evt Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }

// Fanout publishes to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(evt)
		}
	}
}
