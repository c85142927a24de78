package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/rahul/agentichq/internal/engine"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/store"
)

const (
	RoleHuman = "human"
	RoleAI    = "ai"

	noPlanReply = "I understand your request, but I'm not sure how to create a plan for that. Could you try rephrasing or asking for something specific like creating a repository or sending an email?"
)

// Proposer produces plans from requests.
type Proposer interface {
	Propose(ctx context.Context, chatID, request string, history []store.Message) (*Proposal, error)
}

// Submitter starts plans.
type Submitter interface {
	Submit(ctx context.Context, steps []plan.Step) (*engine.Run, error)
}

// HistoryStore keeps chat transcripts.
type HistoryStore interface {
	AddMessage(ctx context.Context, chatID, role, content, planID string) (*store.Message, error)
	GetHistory(ctx context.Context, chatID string, limit int) ([]store.Message, error)
}

// Reply is the assistant's answer to one message.
type Reply struct {
	Message string      `json:"assistantMessage"`
	PlanID  string      `json:"planId,omitempty"`
	Steps   []plan.Step `json:"steps,omitempty"`
}

// ChatService turns chat messages into plans and starts them.
type ChatService struct {
	Planner Proposer
	Engine  Submitter
	History HistoryStore

	// RunContext bounds plan executions; they outlive the request that
	// started them.
	RunContext   context.Context
	HistoryLimit int
}

func NewChatService(runCtx context.Context, planner Proposer, eng Submitter, history HistoryStore) *ChatService {
	return &ChatService{
		Planner:      planner,
		Engine:       eng,
		History:      history,
		RunContext:   runCtx,
		HistoryLimit: 10,
	}
}

// HandleMessage stores the message, asks for a plan and, when there is one,
// starts it in the background.
func (s *ChatService) HandleMessage(ctx context.Context, chatID, text string) (*Reply, error) {
	history, err := s.History.GetHistory(ctx, chatID, s.HistoryLimit)
	if err != nil {
		log.Printf("Warning: failed to load history for %s: %v", chatID, err)
	}
	if _, err := s.History.AddMessage(ctx, chatID, RoleHuman, text, ""); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	proposal, err := s.Planner.Propose(ctx, chatID, text, history)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Message: proposal.Reply}
	if len(proposal.Steps) == 0 {
		if reply.Message == "" {
			reply.Message = noPlanReply
		}
	} else {
		runCtx := s.RunContext
		if runCtx == nil {
			runCtx = context.WithoutCancel(ctx)
		}
		run, err := s.Engine.Submit(runCtx, proposal.Steps)
		if err != nil {
			return nil, fmt.Errorf("start plan: %w", err)
		}
		reply.PlanID = run.PlanID
		reply.Steps = proposal.Steps

		summary := fmt.Sprintf("I've created a plan with %d steps and started it (plan %s). You can watch the progress as it runs.", len(proposal.Steps), run.PlanID)
		if reply.Message != "" {
			reply.Message += "\n\n" + summary
		} else {
			reply.Message = summary
		}
	}

	if _, err := s.History.AddMessage(ctx, chatID, RoleAI, reply.Message, reply.PlanID); err != nil {
		log.Printf("Warning: failed to save reply for %s: %v", chatID, err)
	}
	return reply, nil
}
