package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"CREDITD_TEST_KEY": "from-file"})
	t.Setenv("CREDITD_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("CREDITD_TEST_KEY", "default"))
}

func TestGetEnvFallsBackToOSAndDefault(t *testing.T) {
	withEnv(t, map[string]string{})
	t.Setenv("CREDITD_TEST_OS_ONLY", "from-os")

	assert.Equal(t, "from-os", GetEnv("CREDITD_TEST_OS_ONLY", "default"))
	assert.Equal(t, "default", GetEnv("CREDITD_TEST_MISSING", "default"))
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"LIMIT":   "120",
		"BAD_INT": "twelve",
		"ENABLED": "true",
		"BAD":     "maybe",
		"TIMEOUT": "45s",
		"BAD_DUR": "soon",
	})

	assert.Equal(t, 120, GetEnvInt("LIMIT", 50))
	assert.Equal(t, 50, GetEnvInt("BAD_INT", 50))
	assert.Equal(t, 7, GetEnvInt("UNSET_INT", 7))

	assert.True(t, GetEnvBool("ENABLED", false))
	assert.False(t, GetEnvBool("BAD", false))

	assert.Equal(t, 45*time.Second, GetEnvDuration("TIMEOUT", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("BAD_DUR", time.Minute))
}
