package engine

import (
	"testing"

	"github.com/rahul/agentichq/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOrder(t *testing.T) {
	cases := []struct {
		name string
		out  tools.Output
		want string
	}{
		{"content wins", tools.Output{Content: "c", Fields: map[string]any{"content": "f"}}, "c"},
		{"content field", tools.Output{Fields: map[string]any{"body": "b", "content": "f"}}, "f"},
		{"text before body", tools.Output{Fields: map[string]any{"body": "b", "text": "t"}}, "t"},
		{"empty strings skipped", tools.Output{Fields: map[string]any{"content": "", "body": "b"}}, "b"},
		{"non string ignored", tools.Output{Fields: map[string]any{"content": map[string]any{"x": 1}}}, `{"content":{"x":1}}`},
		{"json of fields", tools.Output{Fields: map[string]any{"url": "u", "id": 3}}, `{"id":3,"url":"u"}`},
		{"nothing", tools.Output{}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Extract(c.out))
		})
	}
}

func TestResolveArgs(t *testing.T) {
	results := newResults(3)
	results.set(0, tools.Output{Content: "readme text"})
	results.set(1, tools.Output{Fields: map[string]any{"text": "email body"}})

	args := map[string]any{
		"path":       "README.md",
		"content":    "placeholder",
		"contentRef": float64(0),
		"bodyRef":    "1",
	}
	first, err := ResolveArgs(args, 2, results)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "README.md", "content": "readme text", "body": "email body"}, first)

	second, err := ResolveArgs(args, 2, results)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Contains(t, args, "contentRef", "input must not be modified")
	assert.Equal(t, "placeholder", args["content"])
}

func TestResolveArgsErrors(t *testing.T) {
	results := newResults(3)
	results.set(0, tools.Output{Content: "x"})

	_, err := ResolveArgs(map[string]any{"contentRef": 2}, 2, results)
	assert.EqualError(t, err, "unresolved reference: step 2")

	// step 1 never completed
	_, err = ResolveArgs(map[string]any{"contentRef": 1}, 2, results)
	assert.EqualError(t, err, "unresolved reference: step 1")

	_, err = ResolveArgs(map[string]any{"contentRef": true}, 2, results)
	assert.EqualError(t, err, "invalid reference contentRef: true")

	// "Ref" alone is an ordinary key
	got, err := ResolveArgs(map[string]any{"Ref": "main"}, 0, results)
	require.NoError(t, err)
	assert.Equal(t, "main", got["Ref"])
}

func TestResultsCompletedPrefix(t *testing.T) {
	results := newResults(3)
	results.set(0, tools.Output{Content: "a"})
	results.set(2, tools.Output{Content: "c"})
	assert.Equal(t, []tools.Output{{Content: "a"}}, results.Completed())

	_, ok := results.Get(5)
	assert.False(t, ok)
}
