// Package config loads the cmd/aofd process entrypoint's YAML document into
// the structured values internal/agent, internal/modelclient, and
// internal/mcp accept. It is ambient plumbing only: the core agent contract
// never parses a file itself (see AgentDefinition).
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agenticopsorg/aof/internal/mcp"
	"github.com/agenticopsorg/aof/pkg/models"
)

// Config is the top-level document cmd/aofd reads at startup.
type Config struct {
	Logging      LoggingConfig            `yaml:"logging"`
	Orchestrator OrchestratorConfig       `yaml:"orchestrator"`
	Memory       MemoryConfig             `yaml:"memory"`
	Providers    ProvidersConfig          `yaml:"providers"`
	MCPServers   []mcp.ServerConfig       `yaml:"mcp_servers"`
	Agents       []models.AgentDefinition `yaml:"agents"`
}

// LoggingConfig controls the observability.Logger cmd/aofd constructs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OrchestratorConfig maps directly onto orchestrator.Config.
type OrchestratorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	PerUserLimit  int `yaml:"per_user_limit"`
}

// MemoryConfig selects and configures a memory.Store.
type MemoryConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file; required when Backend is "sqlite".
	Path string `yaml:"path"`
}

// ProvidersConfig carries credentials for every ModelClient cmd/aofd may
// construct. Empty sub-configs (zero APIKey) are skipped rather than
// registered with an invalid client.
type ProvidersConfig struct {
	Anthropic *AnthropicProviderConfig `yaml:"anthropic"`
	OpenAI    *OpenAIProviderConfig    `yaml:"openai"`
	Azure     *AzureProviderConfig     `yaml:"azure"`
	Bedrock   *BedrockProviderConfig   `yaml:"bedrock"`
	Gemini    *GeminiProviderConfig    `yaml:"gemini"`
}

type AnthropicProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OpenAIProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type AzureProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	DeploymentName string `yaml:"deployment_name"`
	APIVersion     string `yaml:"api_version"`
}

type BedrockProviderConfig struct {
	Region          string `yaml:"region"`
	Model           string `yaml:"model"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type GeminiProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Load reads path, expands ${VAR}/$VAR environment references the way the
// teacher's config loader does, decodes exactly one YAML document with
// unknown-field rejection, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Orchestrator.MaxConcurrent == 0 {
		cfg.Orchestrator.MaxConcurrent = 5
	}
	if cfg.Orchestrator.PerUserLimit == 0 {
		cfg.Orchestrator.PerUserLimit = 3
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "memory"
	}
}

func validate(cfg *Config) error {
	if cfg.Memory.Backend != "memory" && cfg.Memory.Backend != "sqlite" {
		return fmt.Errorf("memory.backend must be \"memory\" or \"sqlite\", got %q", cfg.Memory.Backend)
	}
	if cfg.Memory.Backend == "sqlite" && strings.TrimSpace(cfg.Memory.Path) == "" {
		return fmt.Errorf("memory.path is required when memory.backend is \"sqlite\"")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, agentDef := range cfg.Agents {
		if agentDef.Name == "" {
			return fmt.Errorf("agents: every entry requires a name")
		}
		if seen[agentDef.Name] {
			return fmt.Errorf("agents: duplicate agent name %q", agentDef.Name)
		}
		seen[agentDef.Name] = true
	}
	for i, server := range cfg.MCPServers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
	}
	return nil
}
