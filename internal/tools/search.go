package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Searcher is the subset of langchaingo tools used for web search.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type SearchTool struct {
	client Searcher
}

func NewSearchTool() (*SearchTool, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{client: ddg}, nil
}

// NewSearchToolWith wraps any Searcher.
func NewSearchToolWith(s Searcher) *SearchTool {
	return &SearchTool{client: s}
}

func (s *SearchTool) Name() string { return "Search.web" }

func (s *SearchTool) Description() string {
	return "Search the web using DuckDuckGo for real-time information."
}

func (s *SearchTool) Parameters() map[string]any {
	return object([]string{"query"}, map[string]any{
		"query": stringProp("The search query to look up"),
	})
}

func (s *SearchTool) Invoke(ctx context.Context, args Args) (Output, error) {
	query := strings.TrimSpace(args.String("query"))
	if query == "" {
		return Output{}, fmt.Errorf("query is required")
	}
	res, err := s.client.Call(ctx, query)
	if err != nil {
		return Output{}, fmt.Errorf("search failed: %v", err)
	}
	return Output{
		Content: res,
		Fields:  map[string]any{"query": query},
	}, nil
}
