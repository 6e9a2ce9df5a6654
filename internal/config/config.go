package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/middleware"
	"github.com/modelrelay/llm-relay/internal/routing"
	"github.com/modelrelay/llm-relay/internal/security"
	"github.com/modelrelay/llm-relay/internal/server"
	"github.com/modelrelay/llm-relay/internal/types"
)

// Config is the complete relay configuration.
type Config struct {
	Server    server.Config            `yaml:"server"`
	Router    routing.Config           `yaml:"router"`
	Endpoints []EndpointConfig         `yaml:"endpoints"`
	Budget    limits.BudgetConfig      `yaml:"budget"`
	RateLimit limits.RateLimitConfig   `yaml:"rate_limit"`
	Logging   LoggingConfig            `yaml:"logging"`
	Security  *middleware.ChainConfig  `yaml:"security"`
}

// EndpointConfig describes one upstream endpoint in the configuration file.
type EndpointConfig struct {
	ID             string        `yaml:"id"`
	Type           string        `yaml:"type"` // openai, anthropic, mock
	Enabled        bool          `yaml:"enabled"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	OrgID          string        `yaml:"org_id"`
	Model          string        `yaml:"model"`
	CostPerMillion float64       `yaml:"cost_per_million"`
	AvgLatencyMS   float64       `yaml:"avg_latency_ms"`
	Priority       int           `yaml:"priority"`
	Availability   float64       `yaml:"availability"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Descriptor converts the config entry to a routing descriptor.
func (ec *EndpointConfig) Descriptor() types.EndpointDescriptor {
	return types.EndpointDescriptor{
		ID:             ec.ID,
		Enabled:        ec.Enabled,
		CostPerMillion: ec.CostPerMillion,
		AvgLatencyMS:   ec.AvgLatencyMS,
		Priority:       ec.Priority,
		Availability:   ec.Availability,
		Timeout:        ec.Timeout,
	}
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()

	// The security section lives at the top level of the file but is
	// consumed by the HTTP server when building its middleware chain.
	if cfg.Security != nil && cfg.Server.Security == nil {
		cfg.Server.Security = cfg.Security
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Server = server.Config{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	c.Router = routing.Config{
		Strategy:        routing.StrategyPriority,
		FallbackEnabled: true,
		RequestTimeout:  60 * time.Second,
		RaceCandidates:  2,
		RaceStrategy:    routing.StrategySpeed,
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("LLM_RELAY_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("LLM_RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LLM_RELAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if strategy := os.Getenv("LLM_RELAY_STRATEGY"); strategy != "" {
		if parsed, err := routing.ParseStrategy(strategy); err == nil {
			c.Router.Strategy = parsed
		}
	}
	if fallback := os.Getenv("LLM_RELAY_FALLBACK"); fallback != "" {
		if enabled, err := strconv.ParseBool(fallback); err == nil {
			c.Router.FallbackEnabled = enabled
		}
	}

	// Provider keys are conventionally supplied via environment.
	for i := range c.Endpoints {
		if c.Endpoints[i].APIKey != "" {
			continue
		}
		switch c.Endpoints[i].Type {
		case "openai":
			c.Endpoints[i].APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			c.Endpoints[i].APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := routing.ParseStrategy(string(c.Router.Strategy)); err != nil {
		return err
	}
	if c.Router.RaceStrategy != "" {
		if _, err := routing.ParseStrategy(string(c.Router.RaceStrategy)); err != nil {
			return err
		}
		if c.Router.RaceStrategy == routing.StrategySpeculative {
			return fmt.Errorf("race strategy cannot itself be speculative")
		}
	}
	if c.Router.RaceCandidates < 1 {
		return fmt.Errorf("race candidate count must be at least 1")
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.ID == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoint %s: duplicate id", ep.ID)
		}
		seen[ep.ID] = true

		switch ep.Type {
		case "openai", "anthropic":
			if ep.Enabled && ep.APIKey == "" {
				return fmt.Errorf("endpoint %s: api key is required", ep.ID)
			}
		case "mock":
		default:
			return fmt.Errorf("endpoint %s: unknown type %q", ep.ID, ep.Type)
		}

		if ep.CostPerMillion < 0 {
			return fmt.Errorf("endpoint %s: cost must not be negative", ep.ID)
		}
		if ep.Availability < 0 || ep.Availability > 1 {
			return fmt.Errorf("endpoint %s: availability must be within [0, 1]", ep.ID)
		}
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// EnabledEndpoints returns the configured endpoints that are switched on.
func (c *Config) EnabledEndpoints() []EndpointConfig {
	enabled := make([]EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}
	return enabled
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// AuthConfig resolves the security section, returning nil when auth is not
// configured.
func (c *Config) AuthConfig() *security.Config {
	if c.Security == nil {
		return nil
	}
	return c.Security.Auth
}
