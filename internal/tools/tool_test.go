package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/rahul/agentichq/internal/governance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	lastArgs Args
	lastPlan string
}

func (e *echoTool) Name() string { return "Echo.say" }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]any {
	return object([]string{"text"}, map[string]any{"text": stringProp("text to echo")})
}
func (e *echoTool) Invoke(ctx context.Context, args Args) (Output, error) {
	e.lastArgs = args
	e.lastPlan = PlanIDFromContext(ctx)
	return Output{Content: args.String("text")}, nil
}

type staticCreds map[string]string

func (c staticCreds) GetKey(_ context.Context, provider string) (string, error) {
	return c[provider], nil
}

func TestRegistryInvoke(t *testing.T) {
	reg := NewRegistry(nil)
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	ctx := WithPlanID(context.Background(), "plan-7")
	out, err := reg.Invoke(ctx, "Echo.say", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Content)
	assert.Equal(t, "plan-7", echo.lastPlan)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Invoke(context.Background(), "Nope.run", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.Equal(t, "unknown tool: Nope.run", err.Error())
}

func TestRegistrySchemaValidation(t *testing.T) {
	reg := NewRegistry(nil)
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	_, err := reg.Invoke(context.Background(), "Echo.say", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for Echo.say")
	assert.Nil(t, echo.lastArgs, "tool must not run on invalid arguments")

	_, err = reg.Invoke(context.Background(), "Echo.say", map[string]any{"text": 42})
	require.Error(t, err)
}

func TestRegistryPolicyDeny(t *testing.T) {
	policy := governance.NewDefaultPolicyEngine()
	policy.DenyTool("Echo.say")
	reg := NewRegistry(policy)
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	_, err := reg.Invoke(context.Background(), "Echo.say", map[string]any{"text": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by policy")
	assert.Nil(t, echo.lastArgs)
}

func TestRegisterRejectsUndottedName(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&namedTool{name: "search"})
	assert.Error(t, err)
}

func TestCatalogSorted(t *testing.T) {
	reg := NewRegistry(nil)
	cleanup, err := RegisterBuiltins(reg, Options{Workspace: t.TempDir(), Creds: staticCreds{}})
	require.NoError(t, err)
	defer cleanup()

	cat := reg.Catalog()
	names := make([]string, len(cat))
	for i, d := range cat {
		names[i] = d.Name
	}
	assert.Equal(t, []string{
		"FileCreator.createMarkdown",
		"GitHub.addFile",
		"GitHub.createRepo",
		"Gmail.sendEmail",
		"Web.fetch",
	}, names)
	assert.True(t, reg.Has("Gmail.sendEmail"))
	assert.False(t, reg.Has("Browser.render"))
}

// namedTool is a minimal tool with a configurable name.
type namedTool struct{ name string }

func (n *namedTool) Name() string { return n.name }
func (n *namedTool) Description() string { return "" }
func (n *namedTool) Parameters() map[string]any { return nil }
func (n *namedTool) Invoke(context.Context, Args) (Output, error) { return Output{}, nil }
