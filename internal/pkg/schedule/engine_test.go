package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustPlan(t *testing.T, key string) catalog.Plan {
	t.Helper()
	p, err := catalog.Default().ResolvePlan(key)
	require.NoError(t, err)
	return p
}

func installmentPlan(grants int, perGrant int64, interval, initial int) catalog.Plan {
	return catalog.Plan{
		Key:             "test_installments",
		Currency:        "USD",
		Cycle:           catalog.CycleYear,
		CreditsPerCycle: perGrant * int64(grants),
		Schedule: catalog.GrantSchedule{
			Kind: catalog.ScheduleInstallments,
			Installments: &catalog.Installments{
				GrantsPerCycle:  grants,
				CreditsPerGrant: perGrant,
				IntervalMonths:  interval,
				InitialGrants:   initial,
			},
		},
	}
}

func newSnapshot(plan catalog.Plan, start time.Time) Snapshot {
	cur := Initialize(plan, start)
	return Snapshot{
		SubscriptionID:      7,
		UserID:              3,
		Status:              models.SubscriptionStatusActive,
		CurrentPeriodStart:  start,
		GrantsIssuedInCycle: cur.GrantsIssuedInCycle,
		NextGrantAt:         cur.NextGrantAt,
	}
}

func TestProYearlyScenario(t *testing.T) {
	plan := mustPlan(t, "pro_yearly")
	s := newSnapshot(plan, date(2024, 1, 1))

	d, err := Next(s, plan, date(2024, 1, 1))
	require.NoError(t, err)
	require.True(t, d.Due)
	assert.Equal(t, int64(10000), d.Grant.Amount)
	assert.Equal(t, 0, d.Grant.GrantIndex)
	assert.Equal(t, 1, d.GrantsIssuedInCycle)
	require.NotNil(t, d.NextGrantAt)
	assert.Equal(t, date(2024, 2, 1), *d.NextGrantAt)
	assert.Equal(t, models.CreditReasonSubscriptionSchedule, d.Grant.Reason)
	s = s.Advance(d)

	d, err = Next(s, plan, date(2024, 1, 15))
	require.NoError(t, err)
	assert.False(t, d.Due)

	d, err = Next(s, plan, date(2024, 2, 2))
	require.NoError(t, err)
	require.True(t, d.Due)
	assert.Equal(t, int64(10000), d.Grant.Amount)
	assert.Equal(t, 1, d.Grant.GrantIndex)
	assert.Equal(t, date(2024, 2, 1), d.Grant.DueAt)
	assert.Equal(t, date(2024, 3, 1), *d.NextGrantAt)
}

func TestInstallmentCompleteness(t *testing.T) {
	plan := installmentPlan(12, 1000, 1, 1)
	start := date(2024, 1, 1)
	s := newSnapshot(plan, start)

	var granted int64
	grants := 0
	for i := 0; i < 12; i++ {
		now := AddMonths(start, i)
		d, err := Next(s, plan, now)
		require.NoError(t, err)
		require.True(t, d.Due, "invocation %d", i)
		granted += d.Grant.Amount
		grants++
		s = s.Advance(d)
	}

	assert.Equal(t, 12, grants)
	assert.Equal(t, int64(12000), granted)
	assert.Equal(t, 12, s.GrantsIssuedInCycle)
	assert.Nil(t, s.NextGrantAt)

	d, err := Next(s, plan, AddMonths(start, 24))
	require.NoError(t, err)
	assert.False(t, d.Due)
}

func TestInstallmentsWithoutInitialGrant(t *testing.T) {
	plan := installmentPlan(4, 250, 3, 0)
	start := date(2024, 1, 1)
	s := newSnapshot(plan, start)

	require.NotNil(t, s.NextGrantAt)
	assert.Equal(t, date(2024, 4, 1), *s.NextGrantAt)

	d, err := Next(s, plan, start)
	require.NoError(t, err)
	assert.False(t, d.Due)

	d, err = Next(s, plan, date(2024, 4, 1))
	require.NoError(t, err)
	require.True(t, d.Due)
	assert.Equal(t, date(2024, 7, 1), *d.NextGrantAt)
}

func TestInstallmentSpacingIgnoresNow(t *testing.T) {
	plan := installmentPlan(12, 1000, 1, 1)
	s := newSnapshot(plan, date(2024, 1, 1))

	// A late run must not shift later grants relative to the run time.
	d, err := Next(s, plan, date(2024, 1, 20))
	require.NoError(t, err)
	require.True(t, d.Due)
	assert.Equal(t, date(2024, 2, 1), *d.NextGrantAt)
}

func TestInstallmentMonthEndAnchoring(t *testing.T) {
	plan := installmentPlan(4, 100, 1, 1)
	start := date(2024, 1, 31)
	s := newSnapshot(plan, start)

	expected := []time.Time{date(2024, 2, 29), date(2024, 3, 31), date(2024, 4, 30)}
	now := date(2024, 12, 31)
	for i, want := range expected {
		d, err := Next(s, plan, now)
		require.NoError(t, err)
		require.True(t, d.Due)
		require.NotNil(t, d.NextGrantAt, "grant %d", i)
		assert.Equal(t, want, *d.NextGrantAt)
		s = s.Advance(d)
	}
}

func TestPerCycleGrantsOncePerPeriod(t *testing.T) {
	plan := mustPlan(t, "pro_monthly")
	start := date(2024, 3, 1)
	s := newSnapshot(plan, start)

	d, err := Next(s, plan, date(2024, 2, 28))
	require.NoError(t, err)
	assert.False(t, d.Due)

	d, err = Next(s, plan, start)
	require.NoError(t, err)
	require.True(t, d.Due)
	assert.Equal(t, int64(10000), d.Grant.Amount)
	assert.Equal(t, models.CreditReasonSubscriptionCycle, d.Grant.Reason)
	assert.Nil(t, d.NextGrantAt)
	s = s.Advance(d)

	for _, now := range []time.Time{date(2024, 3, 2), date(2024, 3, 31), date(2025, 1, 1)} {
		d, err = Next(s, plan, now)
		require.NoError(t, err)
		assert.False(t, d.Due)
	}
}

func TestInactiveSubscriptionNeverDue(t *testing.T) {
	plan := mustPlan(t, "pro_monthly")
	s := newSnapshot(plan, date(2024, 1, 1))
	s.Status = models.SubscriptionStatusCanceled

	d, err := Next(s, plan, date(2024, 6, 1))
	require.NoError(t, err)
	assert.False(t, d.Due)
}

func TestInvalidScheduleStates(t *testing.T) {
	yearly := installmentPlan(12, 1000, 1, 1)
	monthly := mustPlan(t, "basic_monthly")
	past := date(2024, 1, 1)

	tests := []struct {
		name string
		plan catalog.Plan
		snap Snapshot
	}{
		{
			name: "issued above total",
			plan: yearly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, GrantsIssuedInCycle: 13, NextGrantAt: &past},
		},
		{
			name: "grants left without cursor",
			plan: yearly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, GrantsIssuedInCycle: 3},
		},
		{
			name: "fully granted with cursor",
			plan: yearly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, GrantsIssuedInCycle: 12, NextGrantAt: &past},
		},
		{
			name: "per cycle issued twice",
			plan: monthly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, GrantsIssuedInCycle: 2},
		},
		{
			name: "per cycle owed without cursor",
			plan: monthly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, CurrentPeriodStart: past},
		},
		{
			name: "negative counter",
			plan: monthly,
			snap: Snapshot{Status: models.SubscriptionStatusActive, GrantsIssuedInCycle: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Next(tt.snap, tt.plan, date(2025, 1, 1))
			assert.True(t, errors.Is(err, ErrInvalidScheduleState), "got %v", err)
		})
	}
}

func TestEngineGrantsConfiguredAmountEvenWhenTotalsDisagree(t *testing.T) {
	plan := installmentPlan(12, 10, 1, 1)
	plan.CreditsPerCycle = 1000
	s := newSnapshot(plan, date(2024, 1, 1))

	d, err := Next(s, plan, date(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), d.Grant.Amount)
}

func TestGrantKey(t *testing.T) {
	e := GrantEvent{SubscriptionID: 42, CycleIndex: 2, GrantIndex: 5}
	assert.Equal(t, "sub:42:cycle:2:grant:5", e.IdempotencyKey())
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{date(2024, 1, 15), 1, date(2024, 2, 15)},
		{date(2024, 1, 31), 1, date(2024, 2, 29)},
		{date(2023, 1, 31), 1, date(2023, 2, 28)},
		{date(2024, 12, 31), 2, date(2025, 2, 28)},
		{date(2024, 3, 31), -1, date(2024, 2, 29)},
		{date(2024, 5, 10), 0, date(2024, 5, 10)},
		{date(2024, 1, 1), 12, date(2025, 1, 1)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AddMonths(tt.in, tt.n), "AddMonths(%s, %d)", tt.in.Format("2006-01-02"), tt.n)
	}
}

func TestSnapshotOfCopiesCursor(t *testing.T) {
	next := date(2024, 2, 1)
	sub := &models.Subscription{ID: 1, UserID: 2, Status: models.SubscriptionStatusActive, NextGrantAt: &next, CycleIndex: 3}

	s := SnapshotOf(sub)
	*s.NextGrantAt = date(2030, 1, 1)

	assert.Equal(t, date(2024, 2, 1), *sub.NextGrantAt)
	assert.Equal(t, 3, s.CycleIndex)
}
