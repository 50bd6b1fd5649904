// Package config provides configuration structures and loading utilities
package config

// Config is the top-level configuration file structure
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	SSH       SSHConfig       `yaml:"ssh" json:"ssh"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Execution ExecutionConfig `yaml:"execution" json:"execution"`
	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`
	Terminal  TerminalConfig  `yaml:"terminal" json:"terminal"`
	Planner   PlannerConfig   `yaml:"planner" json:"planner"`
	Devices   []DeviceConfig  `yaml:"devices" json:"devices"`
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Listen      string   `yaml:"listen" json:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
}

// SSHConfig contains transport settings shared by every device session
type SSHConfig struct {
	Port              int      `yaml:"port" json:"port"`
	ConnectTimeout    Duration `yaml:"connect_timeout" json:"connect_timeout"`
	KeepAliveInterval Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
	// IdleTimeout closes sessions nobody leased for that long; zero keeps them
	IdleTimeout Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	// KnownHostsFile enables host key verification when set
	KnownHostsFile string `yaml:"known_hosts_file,omitempty" json:"known_hosts_file,omitempty"`
}

// RetryConfig controls reconnect attempts on transient network errors
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier"`
}

// ExecutionConfig controls batch command execution
type ExecutionConfig struct {
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout"`
	HistoryLimit   int      `yaml:"history_limit" json:"history_limit"`
	// StorePath persists executions as JSON when set
	StorePath string `yaml:"store_path,omitempty" json:"store_path,omitempty"`
}

// BroadcastConfig controls progress event fan-out
type BroadcastConfig struct {
	Buffer int `yaml:"buffer" json:"buffer"`
}

// TerminalConfig controls interactive terminal sessions
type TerminalConfig struct {
	GracePeriod Duration `yaml:"grace_period" json:"grace_period"`
	DefaultCols int      `yaml:"default_cols" json:"default_cols"`
	DefaultRows int      `yaml:"default_rows" json:"default_rows"`
}

// PlannerConfig controls AI plan generation
type PlannerConfig struct {
	MaxSteps  int    `yaml:"max_steps" json:"max_steps"`
	Model     string `yaml:"model" json:"model"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
}

// DeviceConfig describes one inventory entry
type DeviceConfig struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	Address        string `yaml:"address" json:"address"`
	Port           int    `yaml:"port,omitempty" json:"port,omitempty"`
	Family         string `yaml:"family" json:"family"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	EnablePassword string `yaml:"enable_password,omitempty" json:"enable_password,omitempty"`
	Vendor         string `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Role           string `yaml:"role,omitempty" json:"role,omitempty"`
}
