// Package dispatcher turns due subscription schedules into ledger grants in
// bounded batches. Overlapping runs are safe: the ledger's idempotency key and
// conditional cursor update decide which run commits each grant.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/schedule"
)

// SubscriptionSource selects due subscriptions, oldest due first.
type SubscriptionSource interface {
	ListDueSubscriptions(ctx context.Context, q ledger.DueQuery) ([]models.Subscription, error)
}

// PlanResolver resolves plan keys. *catalog.Catalog implements it.
type PlanResolver interface {
	ResolvePlan(key string) (catalog.Plan, error)
}

// Ledger commits grants. *ledger.Service implements it.
type Ledger interface {
	ApplyGrant(ctx context.Context, req ledger.GrantRequest) (*ledger.ApplyResult, error)
}

// Recorder observes finished runs. Implementations must not block for long
// and handle their own failures.
type Recorder interface {
	RecordRun(ctx context.Context, res *BatchResult)
}

// Options for one run. Zero values fall back to the dispatcher config.
type Options struct {
	Limit       int
	CatchUp     int
	Concurrency int
	// Now overrides the evaluation time; zero means the dispatcher clock.
	Now time.Time
}

type Dispatcher struct {
	subs      SubscriptionSource
	plans     PlanResolver
	ledger    Ledger
	cfg       Config
	recorders []Recorder
	clock     func() time.Time
}

// New creates a dispatcher.
func New(subs SubscriptionSource, plans PlanResolver, l Ledger, cfg Config, recorders ...Recorder) *Dispatcher {
	return &Dispatcher{
		subs:      subs,
		plans:     plans,
		ledger:    l,
		cfg:       cfg.Normalize(),
		recorders: recorders,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the dispatcher clock.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// ProcessDueSchedules runs one bounded batch. Only a failure to select due
// subscriptions fails the call; per-subscription problems are reported in
// the result and never abort the batch.
func (d *Dispatcher) ProcessDueSchedules(ctx context.Context, opts Options) (*BatchResult, error) {
	limit, catchUp := d.cfg.Resolve(opts.Limit, opts.CatchUp)
	concurrency := d.cfg.Concurrency
	if opts.Concurrency > 0 {
		concurrency = min(opts.Concurrency, MaxConcurrency)
	}
	now := opts.Now
	if now.IsZero() {
		now = d.clock()
	}

	started := time.Now()
	batch := &BatchResult{
		RunID:     uuid.NewString(),
		AsOf:      now,
		Limit:     limit,
		CatchUp:   catchUp,
		StartedAt: started,
	}

	slots, err := d.selectDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due subscriptions: %w", err)
	}

	batch.Results = make([]ScheduleResult, len(slots))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, slot := range slots {
		if slot.skip != nil {
			batch.Results[i] = skippedResult(slot)
			continue
		}
		i, slot := i, slot
		g.Go(func() error {
			batch.Results[i] = d.processSubscription(ctx, slot.sub, catchUp, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch.summarize()
	batch.Duration = time.Since(started)
	batch.DurationMS = batch.Duration.Milliseconds()

	if batch.Failures > 0 {
		log.Warnf("[GrantDispatcher] Run %s: %d grants (%d credits) across %d schedules, %d failed",
			batch.RunID, batch.TotalGrants, batch.TotalCredits, batch.SchedulesTouched, batch.Failures)
	} else if batch.SchedulesTouched > 0 {
		log.Infof("[GrantDispatcher] Run %s: %d grants (%d credits) across %d schedules",
			batch.RunID, batch.TotalGrants, batch.TotalCredits, batch.SchedulesTouched)
	}

	for _, r := range d.recorders {
		r.RecordRun(context.WithoutCancel(ctx), batch)
	}
	return batch, nil
}

type dueSlot struct {
	sub  models.Subscription
	skip *ScheduleError
}

// selectDue walks the due order until limit workable subscriptions are found.
// Rows with an unknown plan or a broken cursor are reported but take no slot,
// so they cannot hold the head of the queue against healthy ones.
func (d *Dispatcher) selectDue(ctx context.Context, now time.Time, limit int) ([]dueSlot, error) {
	var (
		slots    []dueSlot
		workable int
		after    *ledger.DuePosition
	)
	for workable < limit {
		page, err := d.subs.ListDueSubscriptions(ctx, ledger.DueQuery{Now: now, Limit: limit, After: after})
		if err != nil {
			return nil, err
		}
		for _, sub := range page {
			if workable == limit {
				break
			}
			slot := dueSlot{sub: sub, skip: d.screen(sub, now)}
			if slot.skip == nil {
				workable++
			} else {
				log.Errorf("[GrantDispatcher] Subscription %d skipped: %v", sub.ID, slot.skip)
			}
			slots = append(slots, slot)
		}
		if len(page) < limit {
			break
		}
		after = ledger.PositionOf(page[len(page)-1])
	}
	return slots, nil
}

// screen reports problems that no retry will fix. It has no side effects.
func (d *Dispatcher) screen(sub models.Subscription, now time.Time) *ScheduleError {
	plan, err := d.plans.ResolvePlan(sub.PlanKey)
	if err == nil {
		_, err = schedule.Next(schedule.SnapshotOf(&sub), plan, now)
	}
	if err != nil {
		return newScheduleError(err)
	}
	return nil
}

func skippedResult(slot dueSlot) ScheduleResult {
	return ScheduleResult{
		SubscriptionID: slot.sub.ID,
		UserID:         slot.sub.UserID,
		PlanKey:        slot.sub.PlanKey,
		StillDue:       true,
		Error:          slot.skip,
	}
}

func (d *Dispatcher) processSubscription(ctx context.Context, sub models.Subscription, catchUp int, now time.Time) (res ScheduleResult) {
	res = ScheduleResult{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanKey:        sub.PlanKey,
	}
	snap := schedule.SnapshotOf(&sub)
	defer func() {
		res.StillDue = snap.Status == models.SubscriptionStatusActive &&
			snap.NextGrantAt != nil && !snap.NextGrantAt.After(now)
	}()

	plan, err := d.plans.ResolvePlan(sub.PlanKey)
	if err != nil {
		res.Error = newScheduleError(err)
		log.Errorf("[GrantDispatcher] Subscription %d skipped: %v", sub.ID, err)
		return res
	}

	for res.Granted+res.Duplicates < catchUp {
		if err := ctx.Err(); err != nil {
			res.Error = newScheduleError(err)
			break
		}

		decision, err := schedule.Next(snap, plan, now)
		if err != nil {
			res.Error = newScheduleError(err)
			log.Errorf("[GrantDispatcher] Subscription %d anomaly: %v", sub.ID, err)
			break
		}
		if !decision.Due {
			break
		}

		out, err := d.ledger.ApplyGrant(ctx, grantRequest(snap, decision))
		if err != nil {
			res.Error = newScheduleError(err)
			log.Errorf("[GrantDispatcher] Subscription %d grant %d/%d failed: %v",
				sub.ID, decision.Grant.CycleIndex, decision.Grant.GrantIndex, err)
			break
		}

		switch out.Status {
		case ledger.StatusApplied:
			res.Granted++
			res.CreditsGranted += decision.Grant.Amount
		case ledger.StatusAlreadyApplied:
			res.Duplicates++
		}
		snap = snap.Advance(decision)
	}
	return res
}

func grantRequest(snap schedule.Snapshot, d schedule.Decision) ledger.GrantRequest {
	subID := d.Grant.SubscriptionID
	cycle := d.Grant.CycleIndex
	grant := d.Grant.GrantIndex
	return ledger.GrantRequest{
		UserID:         d.Grant.UserID,
		Amount:         d.Grant.Amount,
		Reason:         d.Grant.Reason,
		IdempotencyKey: d.Grant.IdempotencyKey(),
		SubscriptionID: &subID,
		CycleIndex:     &cycle,
		GrantIndex:     &grant,
		Cursor: &ledger.CursorAdvance{
			SubscriptionID: snap.SubscriptionID,
			CycleIndex:     snap.CycleIndex,
			FromIssued:     snap.GrantsIssuedInCycle,
			ToIssued:       d.GrantsIssuedInCycle,
			NextGrantAt:    d.NextGrantAt,
		},
	}
}

// ErrorKind classifies per-subscription failures.
type ErrorKind string

const (
	KindUnknownPlan          ErrorKind = "unknown_plan"
	KindInvalidScheduleState ErrorKind = "invalid_schedule_state"
	KindStaleSchedule        ErrorKind = "stale_schedule"
	KindUserNotFound         ErrorKind = "user_not_found"
	KindCanceled             ErrorKind = "canceled"
	KindStorage              ErrorKind = "storage"
)

// ScheduleError is the reportable form of a per-subscription failure.
type ScheduleError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	err     error
}

func (e *ScheduleError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *ScheduleError) Unwrap() error {
	return e.err
}

func newScheduleError(err error) *ScheduleError {
	var kind ErrorKind
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	case errors.Is(err, catalog.ErrUnknownPlan):
		kind = KindUnknownPlan
	case errors.Is(err, schedule.ErrInvalidScheduleState), errors.Is(err, ledger.ErrInvalidRequest):
		kind = KindInvalidScheduleState
	case errors.Is(err, ledger.ErrStaleSchedule):
		kind = KindStaleSchedule
	case errors.Is(err, ledger.ErrUserNotFound):
		kind = KindUserNotFound
	default:
		kind = KindStorage
	}
	return &ScheduleError{Kind: kind, Message: err.Error(), err: err}
}
