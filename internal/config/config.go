// Package config loads run configuration from an optional YAML file plus
// environment overrides. Environment always wins over the file; defaults
// fill whatever neither sets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Model is the default model for planning and execution
	// Env: PENTAGENT_MODEL
	Model string `yaml:"model"`

	// APIKey is the Anthropic API key. Never read from the YAML file;
	// env only (ANTHROPIC_API_KEY).
	APIKey string `yaml:"-"`

	// DatabasePath is where the audit database lives
	// Env: PENTAGENT_DB
	DatabasePath string `yaml:"database_path"`

	// MaxSteps is the hard step cap per run
	// Env: PENTAGENT_MAX_STEPS
	MaxSteps int `yaml:"max_steps"`

	// MaxConsecutiveFailures triggers a replan
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// MaxToolCalls bounds the executor loop per task
	MaxToolCalls int `yaml:"max_tool_calls"`

	// SandboxImage is the container image for fresh sandboxes
	// Env: PENTAGENT_IMAGE
	SandboxImage string `yaml:"sandbox_image"`

	// SandboxNetwork names the docker network sandboxes join; empty means
	// no network access
	// Env: PENTAGENT_NETWORK
	SandboxNetwork string `yaml:"sandbox_network"`

	// PresetSandboxID adopts an operator-provided container as the default
	// sandbox instead of creating fresh ones
	// Env: PENTAGENT_SANDBOX_ID
	PresetSandboxID string `yaml:"preset_sandbox_id"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DatabasePath:           ".pentagent/audit.db",
		MaxSteps:               30,
		MaxConsecutiveFailures: 3,
		MaxToolCalls:           8,
	}
}

// Load reads the YAML file at path (when it exists) over the defaults, then
// applies environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PENTAGENT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("PENTAGENT_DB"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PENTAGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSteps = n
		} else {
			fmt.Fprintf(os.Stderr, "warning: ignoring invalid PENTAGENT_MAX_STEPS=%q\n", v)
		}
	}
	if v := os.Getenv("PENTAGENT_IMAGE"); v != "" {
		c.SandboxImage = v
	}
	if v := os.Getenv("PENTAGENT_NETWORK"); v != "" {
		c.SandboxNetwork = v
	}
	if v := os.Getenv("PENTAGENT_SANDBOX_ID"); v != "" {
		c.PresetSandboxID = v
	}
}

// Validate checks the configuration for values the run loop cannot work with.
func (c *Config) Validate() error {
	if c.MaxSteps < 1 || c.MaxSteps > 500 {
		return fmt.Errorf("max_steps must be between 1 and 500 (got %d)", c.MaxSteps)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1 (got %d)", c.MaxConsecutiveFailures)
	}
	if c.MaxToolCalls < 1 {
		return fmt.Errorf("max_tool_calls must be at least 1 (got %d)", c.MaxToolCalls)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	return nil
}
