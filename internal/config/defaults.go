package config

import "time"

// DefaultConfig returns the default configuration: a four-worker pool with
// exponential retries and a SQLite history archive.
func DefaultConfig() *Config {
	return &Config{
		Workers: 4,
		Limits: ResourceLimits{
			MemoryMB:           4096,
			CPUPercent:         400,
			NetworkMbps:        100,
			StorageMB:          10240,
			MaxConcurrentTasks: 4,
		},
		Retry: RetryConfig{
			Strategy:         RetryExponential,
			MaxRetries:       3,
			BaseDelay:        Duration(100 * time.Millisecond),
			MaxDelay:         Duration(5 * time.Second),
			Multiplier:       2,
			RetryTimeouts:    true,
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		DefaultTimeout:  Duration(30 * time.Second),
		GracePeriod:     Duration(5 * time.Second),
		PollInterval:    Duration(250 * time.Millisecond),
		ResultRetention: 10000,
		Chains:          map[string]ChainConfig{},
		Commands: map[string]CommandConfig{
			"syntax": {Command: "gofmt", Args: []string{"-l"}},
			"style":  {Command: "go", Args: []string{"vet"}},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".pipeline/history.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
