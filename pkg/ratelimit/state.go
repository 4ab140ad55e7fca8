// Package ratelimit implements client-side request throttling for SAP
// Gateway calls. Each execution scope owns one token bucket so that
// concurrent executions never share or starve each other's budget.
package ratelimit

import "fmt"

// Strategy decides what happens when the bucket is empty.
type Strategy string

const (
	// StrategyDelay blocks until a token is available.
	StrategyDelay Strategy = "delay"

	// StrategyDrop rejects the request immediately.
	StrategyDrop Strategy = "drop"
)

// Defaults for a throttle configuration.
const (
	DefaultRequestsPerSecond = 10
	DefaultBurstSize         = 10
)

// Config describes a token bucket.
type Config struct {
	// Enabled turns throttling on. A disabled throttle admits every request.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxRequestsPerSecond is the refill rate.
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second"`

	// BurstSize is the bucket capacity.
	BurstSize int `json:"burst_size" yaml:"burst_size"`

	// Strategy is delay or drop.
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// DefaultConfig returns a disabled delay throttle with default limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerSecond: DefaultRequestsPerSecond,
		BurstSize:            DefaultBurstSize,
		Strategy:             StrategyDelay,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("max requests per second must be positive, got %v", c.MaxRequestsPerSecond)
	}
	if c.BurstSize < 1 {
		return fmt.Errorf("burst size must be at least 1, got %d", c.BurstSize)
	}
	switch c.Strategy {
	case StrategyDelay, StrategyDrop, "":
	default:
		return fmt.Errorf("unknown throttle strategy %q", c.Strategy)
	}
	return nil
}

// State is a point-in-time view of a throttle.
type State struct {
	Scope           string   `json:"scope"`
	Enabled         bool     `json:"enabled"`
	Strategy        Strategy `json:"strategy"`
	TokensAvailable float64  `json:"tokens_available"`
	Admitted        int64    `json:"admitted"`
	Denied          int64    `json:"denied"`
}
