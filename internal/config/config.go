// Package config loads and validates the agentd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perchlabs/agentd/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	StateDir  string         `yaml:"state_dir"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Memory    MemoryConfig   `yaml:"memory"`
	Browser   BrowserConfig  `yaml:"browser"`
	Runner    RunnerConfig   `yaml:"runner"`
	Agents    []models.Agent `yaml:"agents"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig holds credentials for a chat/embedding API.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MemoryConfig configures the vector memory store.
type MemoryConfig struct {
	Path           string `yaml:"path"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// BrowserConfig configures the shared browser session manager.
type BrowserConfig struct {
	Headless    *bool         `yaml:"headless"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RunnerConfig bounds the conversation loop.
type RunnerConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	MaxWallTime    time.Duration `yaml:"max_wall_time"`
	NudgeBudget    int           `yaml:"nudge_budget"`
	MaxResultChars int           `yaml:"max_result_chars"`
	KeepImages     int           `yaml:"keep_images"`
}

// Load reads a YAML config file, expanding ${ENV} references, and applies
// defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.StateDir = filepath.Join(home, ".agentd")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.StateDir, "memory.db")
	}
	if c.Memory.EmbeddingModel == "" {
		c.Memory.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Browser.IdleTimeout <= 0 {
		c.Browser.IdleTimeout = 5 * time.Minute
	}
	if c.Runner.MaxIterations <= 0 {
		c.Runner.MaxIterations = 25
	}
	if c.Runner.MaxWallTime <= 0 {
		c.Runner.MaxWallTime = 30 * time.Minute
	}
	if c.Runner.NudgeBudget <= 0 {
		c.Runner.NudgeBudget = 2
	}
	if c.Runner.MaxResultChars <= 0 {
		c.Runner.MaxResultChars = 6000
	}
	if c.Runner.KeepImages <= 0 {
		c.Runner.KeepImages = 2
	}
	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		if agent.MemoryPath == "" {
			agent.MemoryPath = "agents/" + agent.ID
		}
		if agent.Provider == "" {
			agent.Provider = "openai"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return fmt.Errorf("agent missing id (name=%q)", agent.Name)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
		if agent.Model == "" {
			return fmt.Errorf("agent %s missing model", agent.ID)
		}
	}
	return nil
}

// Agent returns the agent with the given id.
func (c *Config) Agent(id string) (*models.Agent, bool) {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// AgentByName returns the agent with the given name.
func (c *Config) AgentByName(name string) (*models.Agent, bool) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// HeadlessMode reports whether the browser should run headless (default true).
func (b BrowserConfig) HeadlessMode() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}
