package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a configuration with every setting filled in
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      "127.0.0.1:8001",
			CORSOrigins: []string{"*"},
		},
		SSH: SSHConfig{
			Port:              22,
			ConnectTimeout:    D(10 * time.Second),
			KeepAliveInterval: D(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: D(500 * time.Millisecond),
			MaxDelay:     D(5 * time.Second),
			Multiplier:   2,
		},
		Execution: ExecutionConfig{
			CommandTimeout: D(60 * time.Second),
			HistoryLimit:   100,
		},
		Broadcast: BroadcastConfig{
			Buffer: 64,
		},
		Terminal: TerminalConfig{
			GracePeriod: D(2 * time.Second),
			DefaultCols: 80,
			DefaultRows: 24,
		},
		Planner: PlannerConfig{
			MaxSteps:  10,
			Model:     "gemini-2.0-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			CacheSize: 128,
		},
	}
}

// LoadFile loads a configuration file, fills unset settings from Default
// and validates the result
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued settings from Default
func (c *Config) ApplyDefaults() {
	def := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = def.Server.CORSOrigins
	}

	if c.SSH.Port == 0 {
		c.SSH.Port = def.SSH.Port
	}
	if c.SSH.ConnectTimeout.Duration == 0 {
		c.SSH.ConnectTimeout = def.SSH.ConnectTimeout
	}
	if c.SSH.KeepAliveInterval.Duration == 0 {
		c.SSH.KeepAliveInterval = def.SSH.KeepAliveInterval
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay.Duration == 0 {
		c.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if c.Retry.MaxDelay.Duration == 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}

	if c.Execution.CommandTimeout.Duration == 0 {
		c.Execution.CommandTimeout = def.Execution.CommandTimeout
	}
	if c.Execution.HistoryLimit == 0 {
		c.Execution.HistoryLimit = def.Execution.HistoryLimit
	}

	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = def.Broadcast.Buffer
	}

	if c.Terminal.GracePeriod.Duration == 0 {
		c.Terminal.GracePeriod = def.Terminal.GracePeriod
	}
	if c.Terminal.DefaultCols == 0 {
		c.Terminal.DefaultCols = def.Terminal.DefaultCols
	}
	if c.Terminal.DefaultRows == 0 {
		c.Terminal.DefaultRows = def.Terminal.DefaultRows
	}

	if c.Planner.MaxSteps == 0 {
		c.Planner.MaxSteps = def.Planner.MaxSteps
	}
	if c.Planner.Model == "" {
		c.Planner.Model = def.Planner.Model
	}
	if c.Planner.APIKeyEnv == "" {
		c.Planner.APIKeyEnv = def.Planner.APIKeyEnv
	}
	if c.Planner.CacheSize == 0 {
		c.Planner.CacheSize = def.Planner.CacheSize
	}
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	var problems []string

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		problems = append(problems, fmt.Sprintf("ssh.port %d out of range", c.SSH.Port))
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.Broadcast.Buffer < 1 {
		problems = append(problems, "broadcast.buffer must be at least 1")
	}
	if c.Planner.MaxSteps < 1 {
		problems = append(problems, "planner.max_steps must be at least 1")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.ID == "":
			problems = append(problems, fmt.Sprintf("devices[%d]: id is required", i))
		case seen[d.ID]:
			problems = append(problems, fmt.Sprintf("devices[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		if d.Address == "" {
			problems = append(problems, fmt.Sprintf("devices[%d]: address is required", i))
		}
		if d.Username == "" {
			problems = append(problems, fmt.Sprintf("devices[%d]: username is required", i))
		}
		if d.Port < 0 || d.Port > 65535 {
			problems = append(problems, fmt.Sprintf("devices[%d]: port %d out of range", i, d.Port))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
