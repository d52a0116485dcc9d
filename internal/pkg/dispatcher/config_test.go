package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

func TestConfigResolve(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name                 string
		limit, catchUp       int
		wantLimit, wantCatch int
	}{
		{"defaults", 0, 0, 50, 36},
		{"explicit", 10, 5, 10, 5},
		{"clamped", 501, 37, 500, 36},
		{"negative means default", -1, -1, 50, 36},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, c := cfg.Resolve(tt.limit, tt.catchUp)
			assert.Equal(t, tt.wantLimit, l)
			assert.Equal(t, tt.wantCatch, c)
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{DefaultLimit: 900, MaxLimit: 100, DefaultCatchUp: 0, MaxCatchUp: 12, Concurrency: 1000}.Normalize()

	assert.Equal(t, 100, cfg.DefaultLimit)
	assert.Equal(t, 12, cfg.DefaultCatchUp)
	assert.Equal(t, MaxConcurrency, cfg.Concurrency)

	zero := Config{}.Normalize()
	assert.Equal(t, DefaultConfig(), zero)
}

func TestConfigFromEnv(t *testing.T) {
	old := env.Env
	t.Cleanup(func() { env.Env = old })
	env.Env = map[string]string{
		"GRANT_DEFAULT_LIMIT": "20",
		"GRANT_MAX_CATCH_UP":  "6",
		"GRANT_CONCURRENCY":   "4",
	}

	cfg := ConfigFromEnv()
	assert.Equal(t, 20, cfg.DefaultLimit)
	assert.Equal(t, MaxLimit, cfg.MaxLimit)
	assert.Equal(t, 6, cfg.DefaultCatchUp)
	assert.Equal(t, 6, cfg.MaxCatchUp)
	assert.Equal(t, 4, cfg.Concurrency)
}
