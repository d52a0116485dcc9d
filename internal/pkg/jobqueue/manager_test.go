package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
)

type fakeRunner struct {
	calls    atomic.Int32
	deadline atomic.Bool
	opts     dispatcher.Options
	err      error
}

func (f *fakeRunner) ProcessDueSchedules(ctx context.Context, opts dispatcher.Options) (*dispatcher.BatchResult, error) {
	f.calls.Add(1)
	_, ok := ctx.Deadline()
	f.deadline.Store(ok)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &dispatcher.BatchResult{RunID: "run"}, nil
}

func TestRunOnceAppliesTimeoutAndOptions(t *testing.T) {
	r := &fakeRunner{}
	m := NewManager(r, Config{Options: dispatcher.Options{Limit: 7, CatchUp: 3}})

	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run", res.RunID)
	assert.True(t, r.deadline.Load())
	assert.Equal(t, 7, r.opts.Limit)
	assert.Equal(t, 3, r.opts.CatchUp)

	r.err = errors.New("boom")
	_, err = m.RunOnce(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestStartStop(t *testing.T) {
	m := NewManager(&fakeRunner{}, Config{Schedule: "@every 1h"})

	assert.False(t, m.IsRunning())
	m.Stop() // stop without start is safe

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), ErrAlreadyRunning)

	m.Stop()
	assert.False(t, m.IsRunning())

	// restartable
	require.NoError(t, m.Start())
	m.Stop()
}

func TestStartWithoutScheduleIsNoop(t *testing.T) {
	m := NewManager(&fakeRunner{}, Config{})
	require.NoError(t, m.Start())
	assert.False(t, m.IsRunning())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := NewManager(&fakeRunner{}, Config{Schedule: "every tuesday"})
	assert.Error(t, m.Start())
	assert.False(t, m.IsRunning())
}

func TestTickRunsDispatcher(t *testing.T) {
	r := &fakeRunner{}
	m := NewManager(r, Config{Schedule: "@every 1s", Timeout: time.Second})
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GRANT_SCHEDULE_CRON", "off")
	t.Setenv("GRANT_RUN_TIMEOUT", "45s")
	cfg := ConfigFromEnv()
	assert.Empty(t, cfg.Schedule)
	assert.Equal(t, 45*time.Second, cfg.Timeout)

	t.Setenv("GRANT_SCHEDULE_CRON", "")
	t.Setenv("GRANT_RUN_TIMEOUT", "")
	cfg = ConfigFromEnv()
	assert.Equal(t, DefaultSchedule, cfg.Schedule)
	assert.Equal(t, DefaultRunTimeout, cfg.Timeout)
}
