// Package config loads gateway configuration from a YAML file and
// CONDUIT_-prefixed environment variables. API keys are environment
// secrets: they are never persisted and never allowed in URLs.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Providers ProvidersConfig `koanf:"providers"`
	Routing   RoutingConfig   `koanf:"routing"`
	Fallback  FallbackConfig  `koanf:"fallback"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `koanf:"anthropic"`
	OpenAI    ProviderConfig `koanf:"openai"`
	Gemini    ProviderConfig `koanf:"gemini"`
}

type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// Enabled reports whether the provider has a key configured.
func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

type RoutingConfig struct {
	// DefaultModel serves requests with model "auto" when the routing
	// engine has no stronger opinion.
	DefaultModel string `koanf:"default_model"`

	// ParallelPool is the round-robin model pool for parallel sub-tasks.
	ParallelPool []string `koanf:"parallel_pool"`

	// AggregatorModel synthesizes parallel sub-task results.
	AggregatorModel string `koanf:"aggregator_model"`
}

type FallbackConfig struct {
	Chains []ChainConfig `koanf:"chains"`
}

type ChainConfig struct {
	Name    string   `koanf:"name"`
	Models  []string `koanf:"models"`
	Handles []string `koanf:"handles"`
}

type TelemetryConfig struct {
	TracingEnabled bool `koanf:"tracing_enabled"`
}

// Load reads configuration. path may be "" to skip file loading; env vars
// override file values (CONDUIT_PROVIDERS_OPENAI_API_KEY and friends).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("CONDUIT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CONDUIT_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// env mangles provider keys like providers.openai.api.key; repair the
	// well-known leaf names before unmarshalling
	repairEnvKeys(k)

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func repairEnvKeys(k *koanf.Koanf) {
	rewrites := map[string]string{
		"providers.anthropic.api.key":  "providers.anthropic.api_key",
		"providers.openai.api.key":     "providers.openai.api_key",
		"providers.gemini.api.key":     "providers.gemini.api_key",
		"providers.anthropic.base.url": "providers.anthropic.base_url",
		"providers.openai.base.url":    "providers.openai.base_url",
		"providers.gemini.base.url":    "providers.gemini.base_url",
		"routing.default.model":        "routing.default_model",
		"routing.parallel.pool":        "routing.parallel_pool",
		"routing.aggregator.model":     "routing.aggregator_model",
		"telemetry.tracing.enabled":    "telemetry.tracing_enabled",
	}
	for from, to := range rewrites {
		if k.Exists(from) {
			k.Set(to, k.Get(from))
			k.Delete(from)
		}
	}
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("routing.default_model") {
		k.Set("routing.default_model", "gpt-4o-mini")
	}
	if !k.Exists("routing.parallel_pool") {
		k.Set("routing.parallel_pool", []string{"claude-sonnet-4", "gpt-4o", "gemini-2.0-flash"})
	}
	if !k.Exists("routing.aggregator_model") {
		k.Set("routing.aggregator_model", "claude-sonnet-4")
	}
}

func (c *Config) validate() error {
	for name, p := range map[string]ProviderConfig{
		"anthropic": c.Providers.Anthropic,
		"openai":    c.Providers.OpenAI,
		"gemini":    c.Providers.Gemini,
	} {
		if err := rejectKeyInURL(p.BaseURL); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}

// rejectKeyInURL enforces the protocol rule that credentials never ride in
// URLs: any query parameter that looks like a secret fails validation
// before a provider call could be made with it.
func rejectKeyInURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	for param := range u.Query() {
		switch strings.ToLower(param) {
		case "key", "api_key", "apikey", "token", "access_token":
			return fmt.Errorf("base url must not carry credentials in query parameter %q", param)
		}
	}
	return nil
}
