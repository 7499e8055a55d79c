// Package config is the coordinator's single source of truth for timeouts,
// discovery endpoints, MCP server definitions, and LLM provider parameters
// (C8). Loading follows the teacher's three-tier precedence: hardcoded
// defaults, then config files, then environment overrides — no reflection,
// explicit os.Getenv checks, matching core/config.go's LoadFromEnv idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jobop/agentcoord/core"
	"gopkg.in/yaml.v3"
)

// Timeouts holds every named timeout as a time.Duration, per §4.8; the
// config file and AGENTCOORD_TIMEOUT_* variables give them in seconds.
type Timeouts struct {
	AgentCommunication time.Duration `yaml:"agent_communication"`
	LLMAPI             time.Duration `yaml:"llm_api"`
	MCPTools           time.Duration `yaml:"mcp_tools"`
	HTTPRequest        time.Duration `yaml:"http_request"`
	TaskProcessing     time.Duration `yaml:"task_processing"`
	HealthCheck        time.Duration `yaml:"health_check"`
	AgentDiscovery     time.Duration `yaml:"agent_discovery"`
}

// LLMConfig holds LLM provider parameters.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// MCPServerDef is one entry in config/mcp_servers.json.
type MCPServerDef struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Description string            `json:"description"`
}

// systemYAML is the shape of config/system.yaml.
type systemYAML struct {
	Port               int      `yaml:"port"`
	DiscoveryEndpoints []string `yaml:"discovery_endpoints"`
	Timeouts           struct {
		AgentCommunication int `yaml:"agent_communication"`
		LLMAPI             int `yaml:"llm_api"`
		MCPTools           int `yaml:"mcp_tools"`
		HTTPRequest        int `yaml:"http_request"`
		TaskProcessing     int `yaml:"task_processing"`
		HealthCheck        int `yaml:"health_check"`
		AgentDiscovery     int `yaml:"agent_discovery"`
	} `yaml:"timeouts"`
	LLM struct {
		Provider    string  `yaml:"provider"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float32 `yaml:"temperature"`
	} `yaml:"llm"`
	DiscoveryRefreshInterval int    `yaml:"discovery_refresh_interval"`
	RegistryMirrorRedisURL   string `yaml:"registry_mirror_redis_url"`
	MetricsMode              string `yaml:"metrics_mode"`
}

// Config is the fully resolved configuration for one coordinator process.
type Config struct {
	Port                     int
	DiscoveryEndpoints       []string
	DiscoveryRefreshInterval time.Duration
	DiscoveryBackoff         time.Duration
	Timeouts                 Timeouts
	LLM                      LLMConfig
	MCPServers               map[string]MCPServerDef
	RegistryMirrorRedisURL   string
	MetricsMode              string
	Logger                   core.Logger
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		AgentCommunication: 600 * time.Second,
		LLMAPI:             600 * time.Second,
		MCPTools:           600 * time.Second,
		HTTPRequest:        600 * time.Second,
		TaskProcessing:     1800 * time.Second,
		HealthCheck:        30 * time.Second,
		AgentDiscovery:     60 * time.Second,
	}
}

// DefaultConfig returns the hardcoded-default layer, tier 1 of the
// precedence described in SPEC_FULL.md §4.8.1.
func DefaultConfig() *Config {
	return &Config{
		Port:                     8080,
		DiscoveryEndpoints:       nil,
		DiscoveryRefreshInterval: 30 * time.Second,
		DiscoveryBackoff:         5 * time.Second,
		Timeouts:                 defaultTimeouts(),
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4",
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   1000,
			Temperature: 0.7,
			MaxRetries:  0,
		},
		MCPServers:  map[string]MCPServerDef{},
		MetricsMode: "json",
		Logger:      &core.NoOpLogger{},
	}
}

// Option mutates a Config during construction (functional-options pattern,
// matching core.NewConfig's signature shape).
type Option func(*Config)

// WithLogger sets the validator/warning logger.
func WithLogger(l core.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// NewConfig builds a Config by applying, in order: hardcoded defaults,
// config files (searched in ./, ../, ../../ per §6), environment overrides,
// then any caller-supplied functional options. Malformed or missing entries
// are warned about, never fatal (§4.8).
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if path, ok := findConfigFile("config/system.yaml"); ok {
		if err := loadSystemYAML(c, path); err != nil {
			c.Logger.Warn("malformed system.yaml, keeping defaults for affected fields", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	if path, ok := findConfigFile("config/mcp_servers.json"); ok {
		if err := loadMCPServers(c, path); err != nil {
			c.Logger.Warn("malformed mcp_servers.json, MCP server list unchanged", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}

	loadFromEnv(c)

	for _, opt := range opts {
		opt(c)
	}

	c.validate()
	return c, nil
}

// findConfigFile searches ./, ../, ../../ for rel, matching §6's search order.
func findConfigFile(rel string) (string, bool) {
	for _, base := range []string{".", "..", "../.."} {
		p := filepath.Join(base, rel)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func loadSystemYAML(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sy systemYAML
	if err := yaml.Unmarshal(data, &sy); err != nil {
		return fmt.Errorf("parse system.yaml: %w", err)
	}
	if sy.Port != 0 {
		c.Port = sy.Port
	}
	if len(sy.DiscoveryEndpoints) > 0 {
		c.DiscoveryEndpoints = sy.DiscoveryEndpoints
	}
	if sy.DiscoveryRefreshInterval > 0 {
		c.DiscoveryRefreshInterval = time.Duration(sy.DiscoveryRefreshInterval) * time.Second
	}
	if sy.RegistryMirrorRedisURL != "" {
		c.RegistryMirrorRedisURL = sy.RegistryMirrorRedisURL
	}
	if sy.MetricsMode != "" {
		c.MetricsMode = sy.MetricsMode
	}
	applyTimeout(&c.Timeouts.AgentCommunication, sy.Timeouts.AgentCommunication)
	applyTimeout(&c.Timeouts.LLMAPI, sy.Timeouts.LLMAPI)
	applyTimeout(&c.Timeouts.MCPTools, sy.Timeouts.MCPTools)
	applyTimeout(&c.Timeouts.HTTPRequest, sy.Timeouts.HTTPRequest)
	applyTimeout(&c.Timeouts.TaskProcessing, sy.Timeouts.TaskProcessing)
	applyTimeout(&c.Timeouts.HealthCheck, sy.Timeouts.HealthCheck)
	applyTimeout(&c.Timeouts.AgentDiscovery, sy.Timeouts.AgentDiscovery)

	if sy.LLM.Provider != "" {
		c.LLM.Provider = sy.LLM.Provider
	}
	if sy.LLM.APIKey != "" {
		c.LLM.APIKey = sy.LLM.APIKey
	}
	if sy.LLM.Model != "" {
		c.LLM.Model = sy.LLM.Model
	}
	if sy.LLM.BaseURL != "" {
		c.LLM.BaseURL = sy.LLM.BaseURL
	}
	if sy.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = sy.LLM.MaxTokens
	}
	if sy.LLM.Temperature != 0 {
		c.LLM.Temperature = sy.LLM.Temperature
	}
	return nil
}

func applyTimeout(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

func loadMCPServers(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs map[string]MCPServerDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse mcp_servers.json: %w", err)
	}
	c.MCPServers = defs
	return nil
}

// loadFromEnv applies AGENTCOORD_* overrides, tier 3, per §4.8.1. No
// reflection: each field gets its own explicit check, matching
// core/config.go's LoadFromEnv.
func loadFromEnv(c *Config) {
	if v := os.Getenv("AGENTCOORD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		} else {
			c.Logger.Warn("AGENTCOORD_PORT is not a valid integer, keeping prior value", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("AGENTCOORD_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTCOORD_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("AGENTCOORD_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("AGENTCOORD_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("AGENTCOORD_DISCOVERY_ENDPOINTS"); v != "" {
		parts := strings.Split(v, ",")
		endpoints := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				endpoints = append(endpoints, p)
			}
		}
		if len(endpoints) > 0 {
			c.DiscoveryEndpoints = endpoints
		}
	}
	if v := os.Getenv("AGENTCOORD_REGISTRY_MIRROR_REDIS_URL"); v != "" {
		c.RegistryMirrorRedisURL = v
	}
	if v := os.Getenv("AGENTCOORD_METRICS_MODE"); v != "" {
		c.MetricsMode = v
	}

	envTimeout(&c.Timeouts.AgentCommunication, "AGENTCOORD_TIMEOUT_AGENT_COMMUNICATION", c.Logger)
	envTimeout(&c.Timeouts.LLMAPI, "AGENTCOORD_TIMEOUT_LLM_API", c.Logger)
	envTimeout(&c.Timeouts.MCPTools, "AGENTCOORD_TIMEOUT_MCP_TOOLS", c.Logger)
	envTimeout(&c.Timeouts.HTTPRequest, "AGENTCOORD_TIMEOUT_HTTP_REQUEST", c.Logger)
	envTimeout(&c.Timeouts.TaskProcessing, "AGENTCOORD_TIMEOUT_TASK_PROCESSING", c.Logger)
	envTimeout(&c.Timeouts.HealthCheck, "AGENTCOORD_TIMEOUT_HEALTH_CHECK", c.Logger)
	envTimeout(&c.Timeouts.AgentDiscovery, "AGENTCOORD_TIMEOUT_AGENT_DISCOVERY", c.Logger)
}

func envTimeout(dst *time.Duration, envVar string, logger core.Logger) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("timeout env var is not a valid integer, keeping prior value", map[string]interface{}{
			"var": envVar, "value": v,
		})
		return
	}
	*dst = time.Duration(seconds) * time.Second
}

// validate warns on malformed entries but never aborts startup, per §4.8.
func (c *Config) validate() {
	if c.LLM.Provider == "openai" && c.LLM.APIKey != "" && !strings.HasPrefix(c.LLM.APIKey, "sk-") {
		c.Logger.Warn("llm api_key does not match the expected OpenAI prefix", map[string]interface{}{
			"provider": c.LLM.Provider,
		})
	}
	if c.LLM.BaseURL != "" && !strings.Contains(c.LLM.BaseURL, "://") {
		c.Logger.Warn("llm base_url is missing a scheme", map[string]interface{}{"base_url": c.LLM.BaseURL})
	}
	if len(c.DiscoveryEndpoints) == 0 {
		c.Logger.Warn("no discovery endpoints configured; agent registry will start empty", nil)
	}
}

// Get returns a config value by key, defaulting and warning on a miss —
// the accessor contract named in §4.8's last paragraph. Present for
// ad-hoc lookups (e.g. admin endpoints); typed fields above are preferred
// everywhere else.
func (c *Config) Get(key, defaultValue string) string {
	switch key {
	case "llm.provider":
		if c.LLM.Provider != "" {
			return c.LLM.Provider
		}
	case "llm.model":
		if c.LLM.Model != "" {
			return c.LLM.Model
		}
	}
	c.Logger.Warn("missing config key, using default", map[string]interface{}{"key": key, "default": defaultValue})
	return defaultValue
}
