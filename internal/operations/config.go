package operations

import (
	"time"
)

const (
	// DefaultStageTimeout bounds a single stage when no override is configured
	DefaultStageTimeout = 30 * time.Minute

	// DefaultPublishInterval is the minimum spacing between intermediate
	// progress publishes within one stage
	DefaultPublishInterval = time.Second

	// DefaultFinalizeTimeout bounds the terminal durable write
	DefaultFinalizeTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds waiting for running jobs on shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

// Config represents the pipeline execution configuration
type Config struct {
	// Stage-specific timeouts
	StageTimeouts map[string]time.Duration `json:"stage_timeouts"`

	// Fallback timeout for stages without an entry in StageTimeouts
	DefaultTimeout time.Duration `json:"default_timeout"`

	// Minimum spacing between intermediate publishes (0 publishes every update)
	PublishInterval time.Duration `json:"publish_interval"`

	// Bound on the terminal durable write
	FinalizeTimeout time.Duration `json:"finalize_timeout"`

	// Bound on waiting for jobs during shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Age of the last update after which Recover treats an unfinished
	// record as abandoned. Zero derives it from the timeouts.
	OrphanAfter time.Duration `json:"orphan_after"`
}

// NewConfig returns the default pipeline configuration
func NewConfig() *Config {
	return &Config{
		StageTimeouts:   make(map[string]time.Duration),
		DefaultTimeout:  DefaultStageTimeout,
		PublishInterval: DefaultPublishInterval,
		FinalizeTimeout: DefaultFinalizeTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// GetStageTimeout returns the timeout for a specific stage
func (c *Config) GetStageTimeout(stage string) time.Duration {
	if timeout, ok := c.StageTimeouts[stage]; ok && timeout > 0 {
		return timeout
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return DefaultStageTimeout
}

// SetStageTimeout sets the timeout for a specific stage
func (c *Config) SetStageTimeout(stage string, timeout time.Duration) {
	if c.StageTimeouts == nil {
		c.StageTimeouts = make(map[string]time.Duration)
	}
	c.StageTimeouts[stage] = timeout
}

func (c *Config) finalizeTimeout() time.Duration {
	if c.FinalizeTimeout > 0 {
		return c.FinalizeTimeout
	}
	return DefaultFinalizeTimeout
}

// orphanAfter is how long a live job can go without publishing: one full
// stage plus the terminal write.
func (c *Config) orphanAfter() time.Duration {
	if c.OrphanAfter > 0 {
		return c.OrphanAfter
	}
	longest := c.GetStageTimeout("")
	for _, t := range c.StageTimeouts {
		if t > longest {
			longest = t
		}
	}
	return longest + c.finalizeTimeout()
}

func (c *Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// ConfigBuilder provides a fluent interface for building pipeline configurations
type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder creates a new configuration builder
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: NewConfig(),
	}
}

// WithStageTimeout sets the timeout for a stage
func (b *ConfigBuilder) WithStageTimeout(stage string, timeout time.Duration) *ConfigBuilder {
	b.config.SetStageTimeout(stage, timeout)
	return b
}

// WithDefaultTimeout sets the fallback stage timeout
func (b *ConfigBuilder) WithDefaultTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.DefaultTimeout = timeout
	return b
}

// WithPublishInterval sets the intermediate publish spacing
func (b *ConfigBuilder) WithPublishInterval(interval time.Duration) *ConfigBuilder {
	b.config.PublishInterval = interval
	return b
}

// WithFinalizeTimeout sets the bound on the terminal durable write
func (b *ConfigBuilder) WithFinalizeTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.FinalizeTimeout = timeout
	return b
}

// WithShutdownTimeout sets the bound on waiting for jobs during shutdown
func (b *ConfigBuilder) WithShutdownTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.ShutdownTimeout = timeout
	return b
}

// WithOrphanAfter sets how stale an unfinished record must be before
// Recover fails it
func (b *ConfigBuilder) WithOrphanAfter(age time.Duration) *ConfigBuilder {
	b.config.OrphanAfter = age
	return b
}

// Build returns the built configuration
func (b *ConfigBuilder) Build() *Config {
	return b.config
}
