package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string ("250ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResourceLimits caps what running tasks may commit at once.
type ResourceLimits struct {
	MemoryMB           uint64  `json:"memory_mb" yaml:"memory_mb"`
	CPUPercent         float64 `json:"cpu_percent" yaml:"cpu_percent"`
	NetworkMbps        float64 `json:"network_mbps" yaml:"network_mbps"`
	StorageMB          uint64  `json:"storage_mb" yaml:"storage_mb"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// Retry strategies accepted in RetryConfig.Strategy.
const (
	RetryNone        = "none"
	RetryFixed       = "fixed"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// RetryConfig controls what happens after a failed attempt.
type RetryConfig struct {
	Strategy         string   `json:"strategy" yaml:"strategy"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"` // Total attempts, including the first
	BaseDelay        Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay         Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier       float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RetryTimeouts    bool     `json:"retry_timeouts" yaml:"retry_timeouts"`
	BreakerThreshold int      `json:"breaker_threshold" yaml:"breaker_threshold"` // 0 disables circuit breaking
	BreakerCooldown  Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// ChainConfig is an ordered list of task kinds. Completing a task of one
// step submits a follow-up task of the next step for the same target.
type ChainConfig struct {
	Steps []string `json:"steps" yaml:"steps"`
}

// CommandConfig is an external command run for one task kind. The task
// target is appended to Args.
type CommandConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// StoreConfig selects the terminal-record archive. An empty Driver disables it.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite", "bolt" or ""
	Path   string `json:"path" yaml:"path"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// Config is the top-level configuration.
type Config struct {
	Workers         int                      `json:"workers" yaml:"workers"`
	Limits          ResourceLimits           `json:"limits" yaml:"limits"`
	Retry           RetryConfig              `json:"retry" yaml:"retry"`
	DefaultTimeout  Duration                 `json:"default_timeout" yaml:"default_timeout"`
	GracePeriod     Duration                 `json:"grace_period" yaml:"grace_period"`
	PollInterval    Duration                 `json:"poll_interval" yaml:"poll_interval"`
	ResultRetention int                      `json:"result_retention" yaml:"result_retention"` // 0 keeps every result
	Chains          map[string]ChainConfig   `json:"chains,omitempty" yaml:"chains,omitempty"`
	Commands        map[string]CommandConfig `json:"commands,omitempty" yaml:"commands,omitempty"` // Task kind -> command
	Store           StoreConfig              `json:"store" yaml:"store"`
	Log             LogConfig                `json:"log" yaml:"log"`
}

// Clone returns a copy that shares no maps or slices with c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Chains = make(map[string]ChainConfig, len(c.Chains))
	for name, chain := range c.Chains {
		cp.Chains[name] = ChainConfig{Steps: append([]string(nil), chain.Steps...)}
	}
	cp.Commands = make(map[string]CommandConfig, len(c.Commands))
	for kind, cmd := range c.Commands {
		cp.Commands[kind] = CommandConfig{Command: cmd.Command, Args: append([]string(nil), cmd.Args...)}
	}
	return &cp
}
