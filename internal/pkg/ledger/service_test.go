package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
)

func newTestService(t *testing.T, users ...uint) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, id := range users {
		store.AddUser(id)
	}
	return NewService(store, catalog.Default()), store
}

func grantReq(userID uint, key string, amount int64) GrantRequest {
	return GrantRequest{
		UserID:         userID,
		Amount:         amount,
		Reason:         models.CreditReasonSubscriptionCycle,
		IdempotencyKey: key,
	}
}

func assertInvariant(t *testing.T, svc *Service, userID uint) {
	t.Helper()
	check, err := svc.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, check.Consistent, "balance %d != ledger sum %d", check.Balance, check.LedgerSum)
}

func TestApplyGrantIsIdempotent(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()

	res, err := svc.ApplyGrant(ctx, grantReq(1, "sub:1:cycle:0:grant:0", 1000))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(1000), res.Balance)

	again, err := svc.ApplyGrant(ctx, grantReq(1, "sub:1:cycle:0:grant:0", 1000))
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyApplied, again.Status)
	assert.Equal(t, int64(1000), again.Balance)
	assert.Equal(t, res.EntryID, again.EntryID)

	assert.Len(t, store.Entries(), 1)
	assertInvariant(t, svc, 1)
}

func TestApplyGrantConcurrentDuplicates(t *testing.T) {
	svc, _ := newTestService(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[ApplyStatus]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ApplyGrant(ctx, grantReq(1, "sub:9:cycle:0:grant:3", 500))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			statuses[res.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[StatusApplied])
	assert.Equal(t, 19, statuses[StatusAlreadyApplied])
	bal, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)
}

func TestApplyGrantAdvancesCursor(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	subID := store.AddSubscription(models.Subscription{
		UserID: 1, PlanKey: "pro_yearly", Status: models.SubscriptionStatusActive, NextGrantAt: &due,
	})

	req := grantReq(1, "sub:1:cycle:0:grant:0", 10000)
	req.Cursor = &CursorAdvance{SubscriptionID: subID, CycleIndex: 0, FromIssued: 0, ToIssued: 1, NextGrantAt: &next}

	res, err := svc.ApplyGrant(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	sub, ok := store.Subscription(subID)
	require.True(t, ok)
	assert.Equal(t, 1, sub.GrantsIssuedInCycle)
	assert.Equal(t, next, *sub.NextGrantAt)

	// A second invocation working from the old cursor loses the race.
	again, err := svc.ApplyGrant(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyApplied, again.Status)
	assert.Equal(t, int64(10000), again.Balance)
}

func TestApplyGrantStaleCursorRollsBack(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	subID := store.AddSubscription(models.Subscription{
		UserID: 1, Status: models.SubscriptionStatusActive, CycleIndex: 1, NextGrantAt: &due,
	})

	req := grantReq(1, "sub:1:cycle:0:grant:0", 1000)
	req.Cursor = &CursorAdvance{SubscriptionID: subID, CycleIndex: 0, FromIssued: 0, ToIssued: 1}

	_, err := svc.ApplyGrant(ctx, req)
	assert.True(t, errors.Is(err, ErrStaleSchedule))
	assert.False(t, IsTransient(err))
	assert.Empty(t, store.Entries())

	sub, _ := store.Subscription(subID)
	assert.Equal(t, 0, sub.GrantsIssuedInCycle)
}

func TestApplyGrantUnknownUserRollsBack(t *testing.T) {
	svc, store := newTestService(t)

	_, err := svc.ApplyGrant(context.Background(), grantReq(42, "k", 10))
	assert.True(t, errors.Is(err, ErrUserNotFound))
	assert.Empty(t, store.Entries())
}

func TestApplyGrantValidation(t *testing.T) {
	svc, _ := newTestService(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		req  GrantRequest
	}{
		{"zero amount", grantReq(1, "k", 0)},
		{"negative amount", grantReq(1, "k", -5)},
		{"missing key", grantReq(1, " ", 5)},
		{"missing user", grantReq(0, "k", 5)},
		{"missing reason", GrantRequest{UserID: 1, Amount: 5, IdempotencyKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyGrant(ctx, tt.req)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestGrantPack(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()

	res, err := svc.GrantPack(ctx, 1, "pack_small", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Balance)

	again, err := svc.GrantPack(ctx, 1, "pack_small", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyApplied, again.Status)

	_, err = svc.GrantPack(ctx, 1, "pack_unknown", "pi_124")
	assert.True(t, errors.Is(err, catalog.ErrUnknownPack))

	_, err = svc.GrantPack(ctx, 1, "pack_small", "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.CreditReasonOneTimePack, entries[0].Reason)
	assert.Equal(t, "pi_123", entries[0].PaymentID)
}

func TestConsume(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.ApplyGrant(ctx, grantReq(1, "g", 100))
	require.NoError(t, err)

	res, err := svc.Consume(ctx, ConsumeRequest{UserID: 1, Amount: 40, IdempotencyKey: "msg:1"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Balance)

	res, err = svc.Consume(ctx, ConsumeRequest{UserID: 1, Amount: 40, IdempotencyKey: "msg:1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyApplied, res.Status)
	assert.Equal(t, int64(60), res.Balance)

	_, err = svc.Consume(ctx, ConsumeRequest{UserID: 1, Amount: 61})
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.Len(t, store.Entries(), 2, "refused consumption leaves no entry")

	entries := store.Entries()
	assert.Equal(t, models.CreditReasonChatUsage, entries[1].Reason)
	assertInvariant(t, svc, 1)
}

func TestAdjust(t *testing.T) {
	svc, _ := newTestService(t, 1)
	ctx := context.Background()

	res, err := svc.Adjust(ctx, 1, 250, "support:77", "goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Balance)

	_, err = svc.Adjust(ctx, 1, -300, "support:78", "too much")
	assert.True(t, errors.Is(err, ErrInsufficientCredits))

	_, err = svc.Adjust(ctx, 1, 0, "support:79", "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = svc.Adjust(ctx, 1, 10, "", "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assertInvariant(t, svc, 1)
}

func TestReverse(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx := context.Background()

	granted, err := svc.ApplyGrant(ctx, grantReq(1, "g", 1000))
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeRequest{UserID: 1, Amount: 600})
	require.NoError(t, err)

	res, err := svc.Reverse(ctx, granted.EntryID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(-600), res.Balance)

	again, err := svc.Reverse(ctx, granted.EntryID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyApplied, again.Status)

	_, err = svc.Reverse(ctx, res.EntryID, "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = svc.Reverse(ctx, 999, "")
	assert.True(t, errors.Is(err, ErrEntryNotFound))

	entries := store.Entries()
	require.Len(t, entries, 3)
	require.NotNil(t, entries[2].ReversesEntryID)
	assert.Equal(t, granted.EntryID, *entries[2].ReversesEntryID)
	assertInvariant(t, svc, 1)
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, store := newTestService(t, 1, 2)
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	for _, key := range []string{"a", "b", "c"} {
		_, err := svc.ApplyGrant(ctx, grantReq(1, key, 10))
		require.NoError(t, err)
	}
	_, err := svc.ApplyGrant(ctx, grantReq(2, "other", 10))
	require.NoError(t, err)

	entries, err := svc.History(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", *entries[0].IdempotencyKey)
	assert.Equal(t, "b", *entries[1].IdempotencyKey)

	all, err := svc.History(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCanceledContextWritesNothing(t *testing.T) {
	svc, store := newTestService(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ApplyGrant(ctx, grantReq(1, "k", 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, store.Entries())
}

func TestListDueSubscriptionsOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d int) *time.Time { v := t0.AddDate(0, 0, d); return &v }

	late := store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive, NextGrantAt: at(5)})
	early := store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive, NextGrantAt: at(1)})
	store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusCanceled, NextGrantAt: at(0)})
	store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive, NextGrantAt: at(30)})
	store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive})

	now := t0.AddDate(0, 0, 10)
	subs, err := store.ListDueSubscriptions(ctx, DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, early, subs[0].ID)
	assert.Equal(t, late, subs[1].ID)

	subs, err = store.ListDueSubscriptions(ctx, DueQuery{Now: now, Limit: 1})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, early, subs[0].ID)

	subs, err = store.ListDueSubscriptions(ctx, DueQuery{Now: now, Limit: 10, After: PositionOf(subs[0])})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, late, subs[0].ID)
}

func TestListDueSubscriptionsResumesWithinSameDueTime(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive, NextGrantAt: &at})
	second := store.AddSubscription(models.Subscription{Status: models.SubscriptionStatusActive, NextGrantAt: &at})

	subs, err := store.ListDueSubscriptions(ctx, DueQuery{Now: at, Limit: 10, After: &DuePosition{NextGrantAt: at, ID: first}})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, second, subs[0].ID)
}
