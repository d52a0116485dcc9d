package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

const (
	DefaultSchedule   = "*/5 * * * *"
	DefaultRunTimeout = 2 * time.Minute
)

var ErrAlreadyRunning = errors.New("grant scheduler already running")

// Runner executes one grant batch. *dispatcher.Dispatcher implements it.
type Runner interface {
	ProcessDueSchedules(ctx context.Context, opts dispatcher.Options) (*dispatcher.BatchResult, error)
}

// Config for the in-process grant trigger.
type Config struct {
	// Schedule is a five-field cron expression. Empty disables the trigger.
	Schedule string
	Timeout  time.Duration
	Options  dispatcher.Options
}

// ConfigFromEnv reads GRANT_SCHEDULE_CRON and GRANT_RUN_TIMEOUT. Set
// GRANT_SCHEDULE_CRON=off to rely on external triggers only.
func ConfigFromEnv() Config {
	schedule := strings.TrimSpace(env.GetEnv("GRANT_SCHEDULE_CRON", DefaultSchedule))
	if strings.EqualFold(schedule, "off") {
		schedule = ""
	}
	return Config{
		Schedule: schedule,
		Timeout:  env.GetEnvDuration("GRANT_RUN_TIMEOUT", DefaultRunTimeout),
	}
}

// Manager runs the grant dispatcher on a cron schedule. It can run next to
// external triggers; overlapping batches are safe. A tick that fires while the
// previous run is still busy is skipped.
type Manager struct {
	runner  Runner
	cfg     Config
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewManager creates a stopped manager.
func NewManager(runner Runner, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRunTimeout
	}
	return &Manager{runner: runner, cfg: cfg}
}

// Start registers the schedule and starts the cron loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}
	if m.cfg.Schedule == "" {
		log.Info("[GrantScheduler] No schedule configured, in-process trigger disabled")
		return nil
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	if _, err := c.AddFunc(m.cfg.Schedule, m.tick); err != nil {
		return fmt.Errorf("invalid grant schedule %q: %w", m.cfg.Schedule, err)
	}

	m.cron = c
	m.running = true
	c.Start()
	log.Infof("[GrantScheduler] Started (schedule %q, timeout %s)", m.cfg.Schedule, m.cfg.Timeout)
	return nil
}

// Stop halts the schedule and waits for a running batch to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	c := m.cron
	m.cron = nil
	m.running = false
	m.mu.Unlock()

	log.Info("[GrantScheduler] Stopping...")
	<-c.Stop().Done()
	log.Info("[GrantScheduler] Stopped")
}

// IsRunning reports whether the cron loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce executes a single batch bounded by the configured timeout.
func (m *Manager) RunOnce(ctx context.Context) (*dispatcher.BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.runner.ProcessDueSchedules(ctx, m.cfg.Options)
}

func (m *Manager) tick() {
	res, err := m.RunOnce(context.Background())
	if err != nil {
		log.Errorf("[GrantScheduler] Scheduled run failed: %v", err)
		return
	}
	if res.StillDue > 0 {
		log.Infof("[GrantScheduler] Run %s left %d schedules due, next tick continues", res.RunID, res.StillDue)
	}
}

// cronLogger routes cron's own messages to the fiber logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("[GrantScheduler] %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorf("[GrantScheduler] %s: %v %v", msg, err, keysAndValues)
}
