// Package schedule decides when a subscription owes its next credit grant.
// Everything here is pure: time only enters through the now argument.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
)

var ErrInvalidScheduleState = errors.New("invalid schedule state")

// Snapshot is the part of a subscription the engine reads.
type Snapshot struct {
	SubscriptionID      uint
	UserID              uint
	Status              string
	CurrentPeriodStart  time.Time
	CycleIndex          int
	GrantsIssuedInCycle int
	NextGrantAt         *time.Time
}

// SnapshotOf copies the schedule fields of a stored subscription.
func SnapshotOf(sub *models.Subscription) Snapshot {
	s := Snapshot{
		SubscriptionID:      sub.ID,
		UserID:              sub.UserID,
		Status:              sub.Status,
		CurrentPeriodStart:  sub.CurrentPeriodStart,
		CycleIndex:          sub.CycleIndex,
		GrantsIssuedInCycle: sub.GrantsIssuedInCycle,
	}
	if sub.NextGrantAt != nil {
		t := *sub.NextGrantAt
		s.NextGrantAt = &t
	}
	return s
}

// GrantEvent identifies one grant occurrence. (SubscriptionID, CycleIndex,
// GrantIndex) is unique per occurrence.
type GrantEvent struct {
	SubscriptionID uint
	UserID         uint
	CycleIndex     int
	GrantIndex     int
	Amount         int64
	DueAt          time.Time
	Reason         string
}

// IdempotencyKey is the ledger key that makes applying this grant exactly-once.
func (e GrantEvent) IdempotencyKey() string {
	return GrantKey(e.SubscriptionID, e.CycleIndex, e.GrantIndex)
}

// GrantKey formats the ledger idempotency key of a scheduled grant.
func GrantKey(subscriptionID uint, cycleIndex, grantIndex int) string {
	return fmt.Sprintf("sub:%d:cycle:%d:grant:%d", subscriptionID, cycleIndex, grantIndex)
}

// Decision is the engine outcome. Due == false means no grant is owed now.
// When Due is set, NextGrantAt and GrantsIssuedInCycle are the cursor values
// to store once Grant is committed.
type Decision struct {
	Due                 bool
	Grant               GrantEvent
	NextGrantAt         *time.Time
	GrantsIssuedInCycle int
}

// Cursor is the schedule state written when a new cycle starts.
type Cursor struct {
	GrantsIssuedInCycle int
	NextGrantAt         *time.Time
}

// Initialize returns the cursor for a cycle that starts at periodStart.
func Initialize(plan catalog.Plan, periodStart time.Time) Cursor {
	first := DueAt(plan, periodStart, 0)
	return Cursor{GrantsIssuedInCycle: 0, NextGrantAt: &first}
}

// DueAt returns when grant g (0-based) of a cycle starting at periodStart is
// due. Installments are anchored at period start, so each grant lands
// IntervalMonths after the previous one without month-end drift.
func DueAt(plan catalog.Plan, periodStart time.Time, g int) time.Time {
	inst := plan.Schedule.Installments
	if plan.Schedule.Kind != catalog.ScheduleInstallments || inst == nil {
		return periodStart
	}
	offset := g
	if inst.InitialGrants == 0 {
		offset = g + 1
	}
	return AddMonths(periodStart, offset*inst.IntervalMonths)
}

// Next computes the single next grant owed at now, if any.
func Next(s Snapshot, plan catalog.Plan, now time.Time) (Decision, error) {
	if s.Status != models.SubscriptionStatusActive {
		return Decision{}, nil
	}
	if s.GrantsIssuedInCycle < 0 || s.CycleIndex < 0 {
		return Decision{}, fmt.Errorf("%w: subscription %d has negative counters", ErrInvalidScheduleState, s.SubscriptionID)
	}

	switch plan.Schedule.Kind {
	case catalog.SchedulePerCycle:
		return nextPerCycle(s, plan, now)
	case catalog.ScheduleInstallments:
		return nextInstallment(s, plan, now)
	default:
		return Decision{}, fmt.Errorf("%w: plan %q has schedule kind %q", ErrInvalidScheduleState, plan.Key, plan.Schedule.Kind)
	}
}

func nextPerCycle(s Snapshot, plan catalog.Plan, now time.Time) (Decision, error) {
	switch {
	case s.GrantsIssuedInCycle > 1:
		return Decision{}, fmt.Errorf("%w: subscription %d issued %d grants on a per_cycle plan",
			ErrInvalidScheduleState, s.SubscriptionID, s.GrantsIssuedInCycle)
	case s.GrantsIssuedInCycle == 1:
		if s.NextGrantAt != nil {
			return Decision{}, fmt.Errorf("%w: subscription %d is fully granted but still has next_grant_at",
				ErrInvalidScheduleState, s.SubscriptionID)
		}
		return Decision{}, nil
	case s.NextGrantAt == nil:
		return Decision{}, fmt.Errorf("%w: subscription %d owes its cycle grant but has no next_grant_at",
			ErrInvalidScheduleState, s.SubscriptionID)
	}
	if now.Before(s.CurrentPeriodStart) {
		return Decision{}, nil
	}
	return Decision{
		Due: true,
		Grant: GrantEvent{
			SubscriptionID: s.SubscriptionID,
			UserID:         s.UserID,
			CycleIndex:     s.CycleIndex,
			GrantIndex:     0,
			Amount:         plan.CreditsPerCycle,
			DueAt:          s.CurrentPeriodStart,
			Reason:         models.CreditReasonSubscriptionCycle,
		},
		NextGrantAt:         nil,
		GrantsIssuedInCycle: 1,
	}, nil
}

func nextInstallment(s Snapshot, plan catalog.Plan, now time.Time) (Decision, error) {
	inst := plan.Schedule.Installments
	if inst == nil {
		return Decision{}, fmt.Errorf("%w: plan %q has no installments block", ErrInvalidScheduleState, plan.Key)
	}
	total := inst.GrantsPerCycle

	switch {
	case s.GrantsIssuedInCycle > total:
		return Decision{}, fmt.Errorf("%w: subscription %d issued %d of %d grants",
			ErrInvalidScheduleState, s.SubscriptionID, s.GrantsIssuedInCycle, total)
	case s.GrantsIssuedInCycle == total:
		if s.NextGrantAt != nil {
			return Decision{}, fmt.Errorf("%w: subscription %d is fully granted but still has next_grant_at",
				ErrInvalidScheduleState, s.SubscriptionID)
		}
		return Decision{}, nil
	case s.NextGrantAt == nil:
		return Decision{}, fmt.Errorf("%w: subscription %d has %d of %d grants left but no next_grant_at",
			ErrInvalidScheduleState, s.SubscriptionID, total-s.GrantsIssuedInCycle, total)
	}

	dueAt := *s.NextGrantAt
	if now.Before(dueAt) {
		return Decision{}, nil
	}

	g := s.GrantsIssuedInCycle
	d := Decision{
		Due: true,
		Grant: GrantEvent{
			SubscriptionID: s.SubscriptionID,
			UserID:         s.UserID,
			CycleIndex:     s.CycleIndex,
			GrantIndex:     g,
			Amount:         inst.CreditsPerGrant,
			DueAt:          dueAt,
			Reason:         models.CreditReasonSubscriptionSchedule,
		},
		GrantsIssuedInCycle: g + 1,
	}
	if g+1 < total {
		next := DueAt(plan, s.CurrentPeriodStart, g+1)
		if !next.After(dueAt) {
			// Cursor sat past its anchored slot; space from the actual due time.
			next = AddMonths(dueAt, inst.IntervalMonths)
		}
		d.NextGrantAt = &next
	}
	return d, nil
}

// Advance applies a committed decision to the snapshot.
func (s Snapshot) Advance(d Decision) Snapshot {
	if !d.Due {
		return s
	}
	s.GrantsIssuedInCycle = d.GrantsIssuedInCycle
	s.NextGrantAt = d.NextGrantAt
	return s
}

// AddMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month = Feb 28/29) instead of overflowing like time.AddDate.
func AddMonths(t time.Time, n int) time.Time {
	if n == 0 {
		return t
	}
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month(), t.Location())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
