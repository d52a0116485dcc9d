package dispatcher

import (
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

const (
	DefaultLimit       = 50
	MaxLimit           = 500
	DefaultCatchUp     = 36
	MaxCatchUp         = 36
	DefaultConcurrency = 1
	MaxConcurrency     = 32
)

// Config holds the batch tuning knobs. Correctness never depends on them.
type Config struct {
	DefaultLimit   int
	MaxLimit       int
	DefaultCatchUp int
	MaxCatchUp     int
	Concurrency    int
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   DefaultLimit,
		MaxLimit:       MaxLimit,
		DefaultCatchUp: DefaultCatchUp,
		MaxCatchUp:     MaxCatchUp,
		Concurrency:    DefaultConcurrency,
	}
}

// ConfigFromEnv reads GRANT_* overrides.
func ConfigFromEnv() Config {
	return Config{
		DefaultLimit:   env.GetEnvInt("GRANT_DEFAULT_LIMIT", DefaultLimit),
		MaxLimit:       env.GetEnvInt("GRANT_MAX_LIMIT", MaxLimit),
		DefaultCatchUp: env.GetEnvInt("GRANT_DEFAULT_CATCH_UP", DefaultCatchUp),
		MaxCatchUp:     env.GetEnvInt("GRANT_MAX_CATCH_UP", MaxCatchUp),
		Concurrency:    env.GetEnvInt("GRANT_CONCURRENCY", DefaultConcurrency),
	}.Normalize()
}

// Normalize repairs nonsensical values so every field is at least 1 and
// defaults never exceed their ceilings.
func (c Config) Normalize() Config {
	if c.MaxLimit < 1 {
		c.MaxLimit = MaxLimit
	}
	if c.MaxCatchUp < 1 {
		c.MaxCatchUp = MaxCatchUp
	}
	if c.DefaultLimit < 1 {
		c.DefaultLimit = DefaultLimit
	}
	if c.DefaultCatchUp < 1 {
		c.DefaultCatchUp = DefaultCatchUp
	}
	c.DefaultLimit = min(c.DefaultLimit, c.MaxLimit)
	c.DefaultCatchUp = min(c.DefaultCatchUp, c.MaxCatchUp)
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	c.Concurrency = min(c.Concurrency, MaxConcurrency)
	return c
}

// Resolve applies defaults to zero values and clamps to the ceilings.
func (c Config) Resolve(limit, catchUp int) (int, int) {
	if limit <= 0 {
		limit = c.DefaultLimit
	}
	if catchUp <= 0 {
		catchUp = c.DefaultCatchUp
	}
	return min(limit, c.MaxLimit), min(catchUp, c.MaxCatchUp)
}
