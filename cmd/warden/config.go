// config.go holds the CLI configuration schema and loading helpers.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/agent"
	"github.com/haasonsaas/warden/internal/netguard"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/scouts"
)

// DefaultConfigName is the config file name under the data directory.
const DefaultConfigName = "warden.yaml"

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	// Name is "anthropic" or "mock".
	Name string `yaml:"name" json:"name"`

	// Model overrides the provider's default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// SandboxConfig tunes command isolation.
type SandboxConfig struct {
	Level         sandbox.Level `yaml:"level" json:"level"`
	DockerImage   string        `yaml:"docker_image,omitempty" json:"docker_image,omitempty"`
	AllowFallback bool          `yaml:"allow_fallback" json:"allow_fallback"`
}

// MemoryConfig tunes the persistent memory store.
type MemoryConfig struct {
	// Embeddings is a provider spec: "openai:<model>" or "mock:<dim>".
	Embeddings string `yaml:"embeddings" json:"embeddings"`

	MaxEpisodesPerUser int `yaml:"max_episodes_per_user,omitempty" json:"max_episodes_per_user,omitempty"`
}

// Config is the full CLI configuration.
type Config struct {
	// DataDir holds sessions, audit logs, and the memory database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Provider ProviderConfig         `yaml:"provider" json:"provider"`
	Agent    agent.Config           `yaml:"agent" json:"agent"`
	Network  netguard.Config        `yaml:"network" json:"network"`
	Sandbox  SandboxConfig          `yaml:"sandbox" json:"sandbox"`
	Memory   MemoryConfig           `yaml:"memory" json:"memory"`
	Scouts   scouts.SchedulerConfig `yaml:"scouts" json:"scouts"`

	// ApprovalTimeout bounds how long an approval prompt waits.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"`

	// CostBudgetUSD is the per-session spend threshold the cost scout
	// notifies on.
	CostBudgetUSD float64 `yaml:"cost_budget_usd" json:"cost_budget_usd"`
}

// DefaultDataDir is ~/.warden, falling back to the working directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("WARDEN_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(DefaultDataDir(), DefaultConfigName)
}

// DefaultCLIConfig returns a working offline configuration.
func DefaultCLIConfig() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Provider: ProviderConfig{
			Name:      "anthropic",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Agent:   agent.DefaultConfig(),
		Network: netguard.DefaultConfig(),
		Sandbox: SandboxConfig{
			Level:         sandbox.LevelProcess,
			AllowFallback: true,
		},
		Memory: MemoryConfig{
			Embeddings: "mock:256",
		},
		Scouts:          scouts.DefaultSchedulerConfig(),
		ApprovalTimeout: 60 * time.Second,
		CostBudgetUSD:   5.00,
	}
}

// LoadConfig reads the YAML file at path, layered over the defaults. A
// missing file is not an error; the defaults apply as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultCLIConfig()

	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	return cfg, nil
}

// apiKey resolves the provider's API key from the environment.
func (c ProviderConfig) apiKey() string {
	env := c.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}
