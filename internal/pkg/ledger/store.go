package ledger

import (
	"context"
	"time"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
)

// CursorAdvance moves a subscription's schedule cursor from one grant count to
// the next. It only applies while the stored cursor still matches
// (CycleIndex, FromIssued) and the subscription is active.
type CursorAdvance struct {
	SubscriptionID uint
	CycleIndex     int
	FromIssued     int
	ToIssued       int
	NextGrantAt    *time.Time
}

// Store is the persistence boundary of the ledger. Every method runs inside
// the transaction of the Store it is called on; WithTx opens one.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// AdvanceCursor reports false when the cursor no longer matches.
	AdvanceCursor(ctx context.Context, adv CursorAdvance) (bool, error)
	// InsertEntry reports false when the idempotency key already exists.
	InsertEntry(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error)
	FindEntryByKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error)
	GetEntry(ctx context.Context, id uint) (*models.CreditLedgerEntry, error)
	ListEntries(ctx context.Context, userID uint, limit int) ([]models.CreditLedgerEntry, error)
	SumDeltas(ctx context.Context, userID uint) (int64, error)

	// AddCredits applies delta to the user's balance and returns the new
	// balance. Unless allowNegative is set the update is refused with
	// ErrInsufficientCredits when it would leave the balance below zero.
	AddCredits(ctx context.Context, userID uint, delta int64, allowNegative bool) (int64, error)
	Balance(ctx context.Context, userID uint) (int64, error)

	// ListDueSubscriptions returns active subscriptions with next_grant_at <= now,
	// oldest due first.
	ListDueSubscriptions(ctx context.Context, q DueQuery) ([]models.Subscription, error)
}

// DueQuery selects at most Limit due subscriptions. With After set, only rows
// ordered strictly after that position are returned.
type DueQuery struct {
	Now   time.Time
	Limit int
	After *DuePosition
}

// DuePosition is a place in the (next_grant_at, id) due order.
type DuePosition struct {
	NextGrantAt time.Time
	ID          uint
}

// PositionOf returns the due-order position of a selected subscription.
func PositionOf(sub models.Subscription) *DuePosition {
	pos := &DuePosition{ID: sub.ID}
	if sub.NextGrantAt != nil {
		pos.NextGrantAt = *sub.NextGrantAt
	}
	return pos
}
