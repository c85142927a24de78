package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/rahul/agentichq/internal/engine"
	"github.com/rahul/agentichq/internal/governance"
	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/internal/progress"
	"github.com/rahul/agentichq/internal/secrets"
	"github.com/rahul/agentichq/internal/store"
	"github.com/rahul/agentichq/internal/tools"
	"github.com/rahul/agentichq/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultConfigPath = "config.json"

var errNoProvider = errors.New("no enabled provider found in config")

// loadConfig reads path. A missing default config file means defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		log.Printf("No %s found, using defaults", path)
		return config.LoadConfig("")
	}
	return cfg, err
}

// app is the wired runtime shared by the subcommands.
type app struct {
	cfg       *config.Config
	store     *store.Store
	keys      *secrets.Service
	registry  *tools.Registry
	hub       *progress.Hub
	metrics   *observability.Metrics
	logger    *observability.Logger
	engine    *engine.Engine
	tester    *tools.ConnectionTester
	model     llms.Model
	modelName string

	closers []func()
}

// openStore opens the database and the key service, enough for the commands
// that only read records or manage keys.
func openStore(cfg *config.Config) (*store.Store, *secrets.Service, error) {
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	keys, err := secrets.NewService(st, cfg.Secrets.MasterSecret())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, keys, nil
}

// newApp wires store, tools, progress and engine. When requireModel is false
// a missing LLM provider only disables Text.generate.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger, requireModel bool) (*app, error) {
	st, keys, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		store:   st,
		keys:    keys,
		metrics: observability.NewMetrics(),
		logger:  logger,
	}
	a.closers = append(a.closers, func() { st.Close() })

	a.model, a.modelName, err = buildModel(ctx, cfg, keys)
	if err != nil {
		if requireModel {
			a.Close()
			return nil, err
		}
		log.Printf("Text generation disabled: %v", err)
	}

	policy := governance.NewDefaultPolicyEngine()
	for _, name := range cfg.Tools.DeniedTools {
		policy.DenyTool(name)
	}
	for _, pattern := range cfg.Tools.DeniedArguments {
		if err := policy.DenyArguments(pattern); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.registry = tools.NewRegistry(policy)
	toolOpts := tools.Options{
		Workspace:      cfg.App.Workspace,
		GitHubAPI:      cfg.Tools.GitHubAPIURL,
		SMTPAddr:       cfg.Tools.SMTPAddr,
		BrowserEnabled: cfg.Tools.BrowserEnabled,
		SearchEnabled:  cfg.Tools.SearchEnabled,
		Creds:          keys,
		Model:          a.model,
	}
	cleanup, err := tools.RegisterBuiltins(a.registry, toolOpts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.tester = tools.NewConnectionTester(toolOpts, func(ctx context.Context, provider, apiKey string) (llms.Model, error) {
		p := cfg.Providers[provider]
		if p.Model == "" {
			p.Model = defaultModels[provider]
		}
		return newModel(provider, apiKey, p)
	})

	a.hub = progress.NewHub(
		progress.WithBuffer(cfg.Engine.SubscriberBuffer),
		progress.WithDropHook(a.metrics.SubscriberDropped),
	)
	publishers := progress.Fanout{a.hub}
	if cfg.NATS.Enabled {
		nc, err := progress.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() { drainNATS(nc) })
		publishers = append(publishers, progress.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		log.Printf("Forwarding progress to NATS at %s", cfg.NATS.URL)
	}

	a.engine = engine.New(st, a.registry, publishers,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithStepTimeout(cfg.Engine.StepTimeoutDuration()),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func drainNATS(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		log.Printf("Failed to drain NATS connection: %v", err)
	}
}

// Base URLs of the OpenAI-compatible providers.
var openAICompatible = map[string]string{
	"openai":     "",
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// buildModel creates the client of the default provider. A key missing from
// the config is looked up in the key service.
func buildModel(ctx context.Context, cfg *config.Config, keys *secrets.Service) (llms.Model, string, error) {
	name, p := cfg.GetDefaultProvider()
	if name == "" {
		return nil, "", errNoProvider
	}

	apiKey := p.APIKey
	if apiKey == "" && name != "ollama" {
		key, err := keys.GetKey(ctx, name)
		if err != nil {
			return nil, "", fmt.Errorf("load %s key: %w", name, err)
		}
		apiKey = key
	}

	llm, err := newModel(name, apiKey, p)
	if err != nil {
		return nil, "", err
	}
	return llm, p.Model, nil
}

// Models used by connection tests of providers missing from the config.
var defaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"openrouter": "openai/gpt-4o-mini",
	"deepseek":   "deepseek-chat",
	"anthropic":  "claude-3-5-haiku-latest",
	"ollama":     "llama3.2",
}

// newModel creates the langchaingo client of provider name.
func newModel(name, apiKey string, p config.ProviderConfig) (llms.Model, error) {
	var (
		llm llms.Model
		err error
	)
	switch name {
	case "openai", "openrouter", "deepseek":
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(p.Model),
		}
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = openAICompatible[name]
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		llm, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(p.BaseURL))
		}
		llm, err = ollama.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		llm, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not yet implemented", name)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", name, err)
	}
	return llm, nil
}
