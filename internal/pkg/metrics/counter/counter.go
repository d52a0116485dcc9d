// Package counter keeps cumulative grant counters and the last run summary
// in Redis so operators can inspect dispatcher activity without a database.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/cache"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
)

const (
	grantCountersKey = "grants:counters"
	lastRunKey       = "grants:last_run"

	fieldRuns       = "runs"
	fieldGrants     = "grants"
	fieldDuplicates = "duplicates"
	fieldCredits    = "credits"
	fieldFailures   = "failures"
	failurePrefix   = "failures:"
)

// RunSummary is the stored form of the last dispatcher run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	AsOf        time.Time `json:"as_of"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Schedules   int       `json:"schedules"`
	TotalGrants int       `json:"total_grants"`
	Credits     int64     `json:"credits"`
	StillDue    int       `json:"still_due"`
	Failures    int       `json:"failures"`
}

// Snapshot is the cumulative view returned by Snapshot.
type Snapshot struct {
	Runs       int64            `json:"runs"`
	Grants     int64            `json:"grants"`
	Duplicates int64            `json:"duplicates"`
	Credits    int64            `json:"credits"`
	Failures   int64            `json:"failures"`
	ByKind     map[string]int64 `json:"failures_by_kind"`
	LastRun    *RunSummary      `json:"last_run,omitempty"`
}

// Recorder implements dispatcher.Recorder on top of Redis.
type Recorder struct {
	client *redis.Client
}

// NewRecorder uses client, or the shared cache client when nil.
func NewRecorder(client *redis.Client) *Recorder {
	if client == nil {
		client = cache.GetClient()
	}
	return &Recorder{client: client}
}

// RecordRun increments the counters and replaces the last run summary.
// Failures are logged and otherwise ignored.
func (r *Recorder) RecordRun(ctx context.Context, res *dispatcher.BatchResult) {
	if r == nil || r.client == nil || res == nil {
		return
	}
	summary, err := json.Marshal(RunSummary{
		RunID:       res.RunID,
		AsOf:        res.AsOf,
		StartedAt:   res.StartedAt,
		DurationMS:  res.Duration.Milliseconds(),
		Schedules:   res.SchedulesTouched,
		TotalGrants: res.TotalGrants,
		Credits:     res.TotalCredits,
		StillDue:    res.StillDue,
		Failures:    res.Failures,
	})
	if err != nil {
		log.Warnf("[GrantCounter] Failed to encode run summary: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, grantCountersKey, fieldRuns, 1)
		pipe.HIncrBy(ctx, grantCountersKey, fieldGrants, int64(res.TotalGrants))
		pipe.HIncrBy(ctx, grantCountersKey, fieldDuplicates, int64(res.TotalDuplicates))
		pipe.HIncrBy(ctx, grantCountersKey, fieldCredits, res.TotalCredits)
		pipe.HIncrBy(ctx, grantCountersKey, fieldFailures, int64(res.Failures))
		for kind, n := range res.FailuresByKind() {
			pipe.HIncrBy(ctx, grantCountersKey, failurePrefix+string(kind), int64(n))
		}
		pipe.Set(ctx, lastRunKey, summary, 0)
		return nil
	})
	if err != nil {
		log.Warnf("[GrantCounter] Failed to record run %s: %v", res.RunID, err)
	}
}

// Snapshot reads the cumulative counters and the last run summary.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.HGetAll(ctx, grantCountersKey).Result()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{ByKind: map[string]int64{}}
	for field, raw := range data {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		switch field {
		case fieldRuns:
			snap.Runs = v
		case fieldGrants:
			snap.Grants = v
		case fieldDuplicates:
			snap.Duplicates = v
		case fieldCredits:
			snap.Credits = v
		case fieldFailures:
			snap.Failures = v
		default:
			if len(field) > len(failurePrefix) && field[:len(failurePrefix)] == failurePrefix {
				snap.ByKind[field[len(failurePrefix):]] = v
			}
		}
	}

	raw, err := r.client.Get(ctx, lastRunKey).Result()
	if errors.Is(err, redis.Nil) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	var last RunSummary
	if err := json.Unmarshal([]byte(raw), &last); err != nil {
		return nil, err
	}
	snap.LastRun = &last
	return snap, nil
}

// Reset drops all counters.
func (r *Recorder) Reset(ctx context.Context) error {
	return r.client.Del(ctx, grantCountersKey, lastRunKey).Err()
}
