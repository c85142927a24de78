package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// GenerateTool asks the configured language model to write text, typically
// the content a later step references.
type GenerateTool struct {
	Model     llms.Model
	MaxTokens int
}

func NewGenerateTool(model llms.Model) *GenerateTool {
	return &GenerateTool{Model: model, MaxTokens: 2048}
}

func (t *GenerateTool) Name() string { return "Text.generate" }

func (t *GenerateTool) Description() string {
	return "Generate text (documents, READMEs, email bodies) from an instruction."
}

func (t *GenerateTool) Parameters() map[string]any {
	return object([]string{"prompt"}, map[string]any{
		"prompt": stringProp("What to write"),
		"system": stringProp("Optional system instruction"),
	})
}

func (t *GenerateTool) Invoke(ctx context.Context, args Args) (Output, error) {
	prompt := args.String("prompt")
	if strings.TrimSpace(prompt) == "" {
		return Output{}, errors.New("prompt is required")
	}

	var messages []llms.MessageContent
	if system := args.String("system"); system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	resp, err := t.Model.GenerateContent(ctx, messages, llms.WithMaxTokens(t.MaxTokens))
	if err != nil {
		return Output{}, fmt.Errorf("text generation failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return Output{}, errors.New("text generation returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	return Output{
		Content: text,
		Fields:  map[string]any{"length": len(text)},
	}, nil
}
