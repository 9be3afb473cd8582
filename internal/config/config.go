// Package config holds the runtime's static path layout (YAML file,
// environment override) and the LIVE_STATE toggle document consumed by
// the long-lived processes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the static layout of the runtime on disk. Everything lives
// under Root unless overridden.
type Config struct {
	// Root is the runtime home, default ~/.warden.
	Root string `yaml:"root"`

	StateDir      string `yaml:"state_dir"`
	AuditDir      string `yaml:"audit_dir"`
	BreakerDir    string `yaml:"breaker_dir"`
	QueuePath     string `yaml:"queue_path"`
	RememberPath  string `yaml:"remember_path"`
	ClaimsPath    string `yaml:"claims_path"`
	SidebandPath  string `yaml:"sideband_path"`
	LiveStatePath string `yaml:"live_state_path"`
	DBPath        string `yaml:"db_path"`

	GatewaySocket string `yaml:"gateway_socket"`
	DaemonSocket  string `yaml:"daemon_socket"`

	// AllowedModels restricts sub-agent model selection by prefix.
	// Empty means any model passes.
	AllowedModels []string `yaml:"allowed_models"`

	// OpenAIKeyEnv names the env var holding the embeddings API key.
	OpenAIKeyEnv string `yaml:"openai_key_env"`
	// AnthropicKeyEnv names the env var for the handoff summarizer.
	AnthropicKeyEnv string `yaml:"anthropic_key_env"`
}

// Load reads the config file at path when it exists, then fills
// defaults for anything unset. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the config with no file applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		if env := os.Getenv("WARDEN_ROOT"); env != "" {
			c.Root = env
		} else if home, err := os.UserHomeDir(); err == nil {
			c.Root = filepath.Join(home, ".warden")
		} else {
			c.Root = ".warden"
		}
	}
	def := func(field *string, rel string) {
		if *field == "" {
			*field = filepath.Join(c.Root, rel)
		}
	}
	def(&c.StateDir, "state")
	def(&c.AuditDir, "audit")
	def(&c.BreakerDir, "breakers")
	def(&c.QueuePath, "capture_queue.jsonl")
	def(&c.RememberPath, "auto_remember.jsonl")
	def(&c.ClaimsPath, "claims.json")
	def(&c.SidebandPath, ".memory_last_queried")
	def(&c.LiveStatePath, "live_state.json")
	def(&c.DBPath, "memory.db")
	def(&c.GatewaySocket, "gateway.sock")
	def(&c.DaemonSocket, "daemon.sock")
	if c.OpenAIKeyEnv == "" {
		c.OpenAIKeyEnv = "OPENAI_API_KEY"
	}
	if c.AnthropicKeyEnv == "" {
		c.AnthropicKeyEnv = "ANTHROPIC_API_KEY"
	}
}

// EnsureDirs creates the directories the runtime writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Root, c.StateDir, c.AuditDir, c.BreakerDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
