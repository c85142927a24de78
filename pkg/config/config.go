package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app" toml:"app"`
	Server    ServerConfig              `json:"server" yaml:"server" toml:"server"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways" toml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	Store     StoreConfig               `json:"store" yaml:"store" toml:"store"`
	Secrets   SecretsConfig             `json:"secrets" yaml:"secrets" toml:"secrets"`
	NATS      NATSConfig                `json:"nats" yaml:"nats" toml:"nats"`
	Tools     ToolsConfig               `json:"tools" yaml:"tools" toml:"tools"`
	Engine    EngineConfig              `json:"engine" yaml:"engine" toml:"engine"`
}

type AppConfig struct {
	Name       string `json:"name" yaml:"name" toml:"name"`
	Workspace  string `json:"workspace" yaml:"workspace" toml:"workspace"`
	PromptsDir string `json:"prompts_dir" yaml:"prompts_dir" toml:"prompts_dir"`
	Dashboard  bool   `json:"dashboard" yaml:"dashboard" toml:"dashboard"`
}

type ServerConfig struct {
	Addr      string  `json:"addr" yaml:"addr" toml:"addr"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"` // mutating requests per second
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token" toml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// StoreConfig selects the database. DSN is a SQLite path, a postgres:// URL
// or a libsql:// URL.
type StoreConfig struct {
	DSN string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type SecretsConfig struct {
	// MasterSecretEnv names the environment variable holding the master secret.
	MasterSecretEnv string `json:"master_secret_env" yaml:"master_secret_env" toml:"master_secret_env"`
}

// MasterSecret reads the master secret from the configured variable.
func (s SecretsConfig) MasterSecret() string {
	return os.Getenv(s.MasterSecretEnv)
}

type NATSConfig struct {
	URL           string `json:"url" yaml:"url" toml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type ToolsConfig struct {
	GitHubAPIURL    string   `json:"github_api_url" yaml:"github_api_url" toml:"github_api_url"`
	SMTPAddr        string   `json:"smtp_addr" yaml:"smtp_addr" toml:"smtp_addr"`
	BrowserEnabled  bool     `json:"browser_enabled" yaml:"browser_enabled" toml:"browser_enabled"`
	SearchEnabled   bool     `json:"search_enabled" yaml:"search_enabled" toml:"search_enabled"`
	DeniedTools     []string `json:"denied_tools" yaml:"denied_tools" toml:"denied_tools"`
	DeniedArguments []string `json:"denied_arguments" yaml:"denied_arguments" toml:"denied_arguments"`
}

type EngineConfig struct {
	SubscriberBuffer int    `json:"subscriber_buffer" yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	StepTimeout      string `json:"step_timeout" yaml:"step_timeout" toml:"step_timeout"` // e.g. "2m"; empty means no limit
}

// StepTimeoutDuration returns the parsed step timeout. Call Validate first.
func (e EngineConfig) StepTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(e.StepTimeout)
	return d
}

// Default returns a configuration that runs locally with SQLite and no
// gateways.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:       "agentichq",
			Workspace:  "./workspace",
			PromptsDir: "./prompts",
		},
		Server: ServerConfig{
			Addr:      ":8080",
			RateLimit: 5,
			RateBurst: 10,
		},
		Gateways:  map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{},
		Store:     StoreConfig{DSN: "agentichq.db"},
		Secrets:   SecretsConfig{MasterSecretEnv: "MASTER_SECRET"},
		NATS:      NATSConfig{SubjectPrefix: "agentichq.progress"},
		Tools: ToolsConfig{
			GitHubAPIURL:  "https://api.github.com",
			SMTPAddr:      "smtp.gmail.com:587",
			SearchEnabled: true,
		},
		Engine: EngineConfig{SubscriberBuffer: 64},
	}
}

// LoadConfig reads path (.json, .yaml, .yml or .toml) on top of Default,
// after loading a .env file from the working directory when present. An empty
// path yields the defaults. Values of the form ${VAR} in tokens and keys are
// expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func (c *Config) expandEnv() {
	for name, g := range c.Gateways {
		g.Token = os.ExpandEnv(g.Token)
		c.Gateways[name] = g
	}
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[name] = p
	}
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.NATS.URL = os.ExpandEnv(c.NATS.URL)
}

// Validate fills unset values with defaults and rejects impossible ones.
func (c *Config) Validate() error {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = def.Server.RateLimit
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = def.Server.RateBurst
	}
	if c.Store.DSN == "" {
		c.Store.DSN = def.Store.DSN
	}
	if c.Secrets.MasterSecretEnv == "" {
		c.Secrets.MasterSecretEnv = def.Secrets.MasterSecretEnv
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}
	if c.Tools.GitHubAPIURL == "" {
		c.Tools.GitHubAPIURL = def.Tools.GitHubAPIURL
	}
	if c.Tools.SMTPAddr == "" {
		c.Tools.SMTPAddr = def.Tools.SMTPAddr
	}
	if c.Gateways == nil {
		c.Gateways = map[string]GatewayConfig{}
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}

	var errs []error
	if c.Engine.SubscriberBuffer < 0 {
		errs = append(errs, fmt.Errorf("engine.subscriber_buffer must not be negative, got %d", c.Engine.SubscriberBuffer))
	}
	if c.Engine.SubscriberBuffer == 0 {
		c.Engine.SubscriberBuffer = def.Engine.SubscriberBuffer
	}
	if c.Engine.StepTimeout != "" {
		if d, err := time.ParseDuration(c.Engine.StepTimeout); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("engine.step_timeout: invalid duration %q", c.Engine.StepTimeout))
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	for name, g := range c.Gateways {
		if g.Enabled && g.Token == "" {
			errs = append(errs, fmt.Errorf("gateways.%s: token is required when enabled", name))
		}
	}
	return errors.Join(errs...)
}

// providerPreference orders providers when more than one is enabled.
var providerPreference = []string{"openai", "anthropic", "deepseek", "openrouter", "ollama"}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	rank := func(name string) int {
		for i, p := range providerPreference {
			if p == name {
				return i
			}
		}
		return len(providerPreference)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank(names[i]), rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
