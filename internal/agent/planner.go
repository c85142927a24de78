package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/store"
	"github.com/rahul/agentichq/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

const proposePlanTool = "propose_plan"

// Catalog lists the tools a plan may use.
type Catalog interface {
	Catalog() []tools.Descriptor
}

// Proposal is the planner's answer: steps to run, or a direct reply when
// Steps is empty.
type Proposal struct {
	Steps []plan.Step `json:"steps,omitempty"`
	Reply string      `json:"reply"`
}

// Planner turns a user request into a step list with one propose_plan call.
type Planner struct {
	Model     llms.Model
	ModelName string
	Tools     Catalog
	Prompts   *PromptManager
	Logger    *observability.Logger
}

func NewPlanner(model llms.Model, modelName string, catalog Catalog, prompts *PromptManager, logger *observability.Logger) *Planner {
	return &Planner{
		Model:     model,
		ModelName: modelName,
		Tools:     catalog,
		Prompts:   prompts,
		Logger:    logger,
	}
}

func (p *Planner) proposePlanDefinition(names []string) llms.Tool {
	toolProp := map[string]any{
		"type":        "string",
		"description": "Tool name, Provider.operation",
	}
	if len(names) > 0 {
		toolProp["enum"] = names
	}
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        proposePlanTool,
			Description: "Submit the ordered steps that fulfil the user request.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "One sentence telling the user what the plan will do",
					},
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tool": toolProp,
								"args": map[string]any{
									"type":        "object",
									"description": "Arguments of the tool. Use <arg>Ref with a 0-based step index to pass an earlier output.",
								},
							},
							"required": []string{"tool", "args"},
						},
					},
				},
				"required": []string{"steps"},
			},
		},
	}
}

func (p *Planner) systemPrompt(catalog []tools.Descriptor) (string, error) {
	plannerPrompt, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return "", fmt.Errorf("failed to load planner prompt: %v", err)
	}
	if persona, err := p.Prompts.GetPersonaPrompt(); err == nil {
		plannerPrompt = persona + "\n\n---\n\n" + plannerPrompt
	}

	var toolDescriptions []string
	for _, d := range catalog {
		params, _ := json.Marshal(d.Parameters)
		toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s Arguments schema: %s", d.Name, d.Description, params))
	}
	return fmt.Sprintf("%s\n\n## Available Tools:\n%s", plannerPrompt, strings.Join(toolDescriptions, "\n")), nil
}

// Propose asks the model for a plan. history gives conversational context.
func (p *Planner) Propose(ctx context.Context, chatID, request string, history []store.Message) (*Proposal, error) {
	catalog := p.Tools.Catalog()
	names := make([]string, len(catalog))
	known := make(map[string]bool, len(catalog))
	for i, d := range catalog {
		names[i] = d.Name
		known[d.Name] = true
	}

	system, err := p.systemPrompt(catalog)
	if err != nil {
		return nil, err
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, system)}
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Role == "ai" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, request))

	resp, err := p.Model.GenerateContent(ctx, messages,
		llms.WithTools([]llms.Tool{p.proposePlanDefinition(names)}),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		return nil, fmt.Errorf("planning error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("planner returned no choices")
	}
	choice := resp.Choices[0]

	p.Logger.LogLLM(chatID, request, choice.Content, choice.ToolCalls)
	if prompt, completion, ok := tokenUsage(choice.GenerationInfo); ok {
		p.Logger.LogCost(chatID, prompt, completion, p.ModelName)
	}

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != proposePlanTool {
			continue
		}
		var args struct {
			Summary string      `json:"summary"`
			Steps   []plan.Step `json:"steps"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse propose_plan arguments: %v", err)
		}
		if len(args.Steps) == 0 {
			break
		}
		if err := plan.ValidateSteps(args.Steps); err != nil {
			return nil, fmt.Errorf("planner proposed an invalid plan: %w", err)
		}
		for _, s := range args.Steps {
			if !known[s.Tool] {
				return nil, fmt.Errorf("planner proposed unknown tool %s", s.Tool)
			}
		}
		log.Printf("[Planner] %d steps proposed for chat %s", len(args.Steps), chatID)
		return &Proposal{Steps: args.Steps, Reply: args.Summary}, nil
	}

	if choice.Content != "" {
		return &Proposal{Reply: choice.Content}, nil
	}
	return &Proposal{}, nil
}

// tokenUsage reads token counts reported by the openai and anthropic providers.
func tokenUsage(info map[string]any) (prompt, completion int, ok bool) {
	asInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
		return 0, false
	}
	for _, keys := range [][2]string{{"PromptTokens", "CompletionTokens"}, {"InputTokens", "OutputTokens"}} {
		pt, okP := asInt(info[keys[0]])
		ct, okC := asInt(info[keys[1]])
		if okP && okC {
			return pt, ct, true
		}
	}
	return 0, 0, false
}
