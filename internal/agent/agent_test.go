package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rahul/agentichq/internal/engine"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/store"
	"github.com/rahul/agentichq/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type scriptedModel struct {
	choice   *llms.ContentChoice
	err      error
	messages []llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{m.choice}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func planCall(args string) *llms.ContentChoice {
	return &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "propose_plan", Arguments: args},
		}},
		GenerationInfo: map[string]any{"PromptTokens": 120, "CompletionTokens": 30},
	}
}

type staticCatalog []string

func (c staticCatalog) Catalog() []tools.Descriptor {
	out := make([]tools.Descriptor, len(c))
	for i, name := range c {
		out[i] = tools.Descriptor{Name: name, Description: name}
	}
	return out
}

var catalog = staticCatalog{"FileCreator.createMarkdown", "GitHub.addFile", "GitHub.createRepo"}

func newPlanner(m llms.Model) *Planner {
	return NewPlanner(m, "test-model", catalog, NewPromptManager("./does-not-exist"), nil)
}

func TestPlannerParsesProposal(t *testing.T) {
	model := &scriptedModel{choice: planCall(`{
		"summary": "Create the repo and its README.",
		"steps": [
			{"tool": "GitHub.createRepo", "args": {"name": "demo"}},
			{"tool": "FileCreator.createMarkdown", "args": {"filename": "README", "contents": "# demo"}},
			{"tool": "GitHub.addFile", "args": {"repo": "demo", "path": "README.md", "contentRef": 1}}
		]}`)}

	history := []store.Message{{Role: "human", Content: "hi"}, {Role: "ai", Content: "hello"}}
	p, err := newPlanner(model).Propose(context.Background(), "c1", "make a demo repo", history)
	require.NoError(t, err)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, "Create the repo and its README.", p.Reply)
	assert.Equal(t, float64(1), p.Steps[2].Args["contentRef"])

	require.Len(t, model.messages, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[2].Role)
	system := model.messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, system, "GitHub.addFile")
	assert.Contains(t, system, "propose_plan")
}

func TestPlannerTextAnswer(t *testing.T) {
	model := &scriptedModel{choice: &llms.ContentChoice{Content: "Hello! How can I help?"}}
	p, err := newPlanner(model).Propose(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
	assert.Equal(t, "Hello! How can I help?", p.Reply)
}

func TestPlannerRejectsUnknownTool(t *testing.T) {
	model := &scriptedModel{choice: planCall(`{"steps":[{"tool":"Shell.exec","args":{"cmd":"ls"}}]}`)}
	_, err := newPlanner(model).Propose(context.Background(), "c1", "list files", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool Shell.exec")

	model = &scriptedModel{choice: planCall(`{"steps":`)}
	_, err = newPlanner(model).Propose(context.Background(), "c1", "x", nil)
	assert.Error(t, err)

	model = &scriptedModel{err: errors.New("rate limited")}
	_, err = newPlanner(model).Propose(context.Background(), "c1", "x", nil)
	assert.ErrorContains(t, err, "rate limited")
}

func TestTokenUsage(t *testing.T) {
	p, c, ok := tokenUsage(map[string]any{"InputTokens": 10, "OutputTokens": 5})
	assert.True(t, ok)
	assert.Equal(t, 10, p)
	assert.Equal(t, 5, c)

	_, _, ok = tokenUsage(nil)
	assert.False(t, ok)
}

type okInvoker struct{}

func (okInvoker) Invoke(_ context.Context, name string, _ map[string]any) (tools.Output, error) {
	return tools.Output{Content: name}, nil
}

func TestChatServiceStartsPlan(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	eng := engine.New(st, okInvoker{}, nil)
	model := &scriptedModel{choice: planCall(`{"steps":[{"tool":"GitHub.createRepo","args":{"name":"demo"}}]}`)}
	svc := NewChatService(context.Background(), newPlanner(model), eng, st)

	ctx := context.Background()
	reply, err := svc.HandleMessage(ctx, "c1", "create a repo called demo")
	require.NoError(t, err)
	require.NotEmpty(t, reply.PlanID)
	assert.Len(t, reply.Steps, 1)
	assert.Contains(t, reply.Message, "1 steps")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(shutdownCtx))

	p, err := st.GetPlan(ctx, reply.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, p.Status)

	history, err := st.GetHistory(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleHuman, history[0].Role)
	assert.Equal(t, RoleAI, history[1].Role)
	assert.Equal(t, reply.PlanID, history[1].PlanID)
}

func TestChatServiceNoPlan(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	model := &scriptedModel{choice: &llms.ContentChoice{}}
	svc := NewChatService(context.Background(), newPlanner(model), engine.New(st, okInvoker{}, nil), st)

	reply, err := svc.HandleMessage(context.Background(), "c1", "???")
	require.NoError(t, err)
	assert.Empty(t, reply.PlanID)
	assert.Equal(t, noPlanReply, reply.Message)
}
