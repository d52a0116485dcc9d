package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ApplyStatus is the outcome of an idempotent ledger write.
type ApplyStatus string

const (
	StatusApplied        ApplyStatus = "applied"
	StatusAlreadyApplied ApplyStatus = "already_applied"
)

// GrantRequest describes one positive balance change keyed for idempotency.
// Cursor, when set, is advanced in the same transaction.
type GrantRequest struct {
	UserID         uint
	Amount         int64
	Reason         string
	IdempotencyKey string
	PaymentID      string
	SubscriptionID *uint
	CycleIndex     *int
	GrantIndex     *int
	Note           string
	Cursor         *CursorAdvance
}

// ApplyResult reports what a write did. Balance is the user's balance after
// the call, whether or not this call changed it.
type ApplyResult struct {
	Status  ApplyStatus `json:"status"`
	Balance int64       `json:"balance"`
	EntryID uint        `json:"entry_id"`
}

// ConsumeRequest spends credits. IdempotencyKey is optional.
type ConsumeRequest struct {
	UserID         uint
	Amount         int64
	Reason         string
	IdempotencyKey string
	Note           string
}

// BalanceCheck compares the stored balance with the ledger sum.
type BalanceCheck struct {
	UserID     uint  `json:"user_id"`
	Balance    int64 `json:"balance"`
	LedgerSum  int64 `json:"ledger_sum"`
	Consistent bool  `json:"consistent"`
}

// PackResolver looks up one-time packs. *catalog.Catalog implements it.
type PackResolver interface {
	ResolvePack(key string) (catalog.Pack, error)
}

// Service is the credit ledger. Every balance change goes through here so the
// entry row and users.credits move together.
type Service struct {
	store Store
	packs PackResolver
}

// NewService creates a ledger service.
func NewService(store Store, packs PackResolver) *Service {
	return &Service{store: store, packs: packs}
}

// NewServiceFromDB creates a ledger service backed by GORM.
func NewServiceFromDB(db *gorm.DB, packs PackResolver) *Service {
	return NewService(NewGormStore(db), packs)
}

// Store exposes the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// ApplyGrant credits the user exactly once per idempotency key.
func (s *Service) ApplyGrant(ctx context.Context, req GrantRequest) (*ApplyResult, error) {
	if req.UserID == 0 || req.Amount <= 0 || strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: grant needs user, positive amount and idempotency key", ErrInvalidRequest)
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: grant needs a reason", ErrInvalidRequest)
	}

	var result *ApplyResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		if req.Cursor != nil {
			moved, err := tx.AdvanceCursor(ctx, *req.Cursor)
			if err != nil {
				return storageErr("advance cursor", err)
			}
			if !moved {
				existing, err := tx.FindEntryByKey(ctx, req.IdempotencyKey)
				if errors.Is(err, ErrEntryNotFound) {
					return fmt.Errorf("%w: subscription %d cycle %d grant %d",
						ErrStaleSchedule, req.Cursor.SubscriptionID, req.Cursor.CycleIndex, req.Cursor.FromIssued)
				}
				if err != nil {
					return storageErr("find entry", err)
				}
				result, err = alreadyApplied(ctx, tx, existing)
				return err
			}
		}

		key := req.IdempotencyKey
		entry := &models.CreditLedgerEntry{
			UserID:         req.UserID,
			Delta:          req.Amount,
			Reason:         req.Reason,
			IdempotencyKey: &key,
			PaymentID:      req.PaymentID,
			SubscriptionID: req.SubscriptionID,
			CycleIndex:     req.CycleIndex,
			GrantIndex:     req.GrantIndex,
			Note:           req.Note,
		}
		inserted, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return storageErr("insert entry", err)
		}
		if !inserted {
			existing, err := tx.FindEntryByKey(ctx, key)
			if err != nil {
				return storageErr("find entry", err)
			}
			result, err = alreadyApplied(ctx, tx, existing)
			return err
		}

		balance, err := tx.AddCredits(ctx, req.UserID, req.Amount, true)
		if err != nil {
			return classify("add credits", err)
		}
		result = &ApplyResult{Status: StatusApplied, Balance: balance, EntryID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, classify("apply grant", err)
	}
	return result, nil
}

func alreadyApplied(ctx context.Context, tx Store, existing *models.CreditLedgerEntry) (*ApplyResult, error) {
	balance, err := tx.Balance(ctx, existing.UserID)
	if err != nil {
		return nil, classify("balance", err)
	}
	return &ApplyResult{Status: StatusAlreadyApplied, Balance: balance, EntryID: existing.ID}, nil
}

// PackKey is the idempotency key of a one-time pack purchase.
func PackKey(paymentID string) string {
	return "pack:" + paymentID
}

// ReversalKey is the idempotency key of the entry reversing entryID.
func ReversalKey(entryID uint) string {
	return fmt.Sprintf("reversal:%d", entryID)
}

// GrantPack credits a one-time pack. The payment ID makes it idempotent, so
// webhook replays do not double credit.
func (s *Service) GrantPack(ctx context.Context, userID uint, packKey, paymentID string) (*ApplyResult, error) {
	if s.packs == nil {
		return nil, fmt.Errorf("%w: no pack catalog configured", ErrInvalidRequest)
	}
	pack, err := s.packs.ResolvePack(packKey)
	if err != nil {
		return nil, err
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: pack grant needs a payment id", ErrInvalidRequest)
	}
	return s.ApplyGrant(ctx, GrantRequest{
		UserID:         userID,
		Amount:         pack.Credits,
		Reason:         models.CreditReasonOneTimePack,
		IdempotencyKey: PackKey(paymentID),
		PaymentID:      paymentID,
		Note:           pack.Key,
	})
}

// Consume spends credits. The balance never goes below zero.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ApplyResult, error) {
	if req.UserID == 0 || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: consume needs user and positive amount", ErrInvalidRequest)
	}
	if req.Reason == "" {
		req.Reason = models.CreditReasonChatUsage
	}
	return s.write(ctx, req.UserID, -req.Amount, req.Reason, req.IdempotencyKey, req.Note, nil, false)
}

// Adjust writes a signed administrative correction. A negative adjustment
// cannot take the balance below zero.
func (s *Service) Adjust(ctx context.Context, userID uint, delta int64, idempotencyKey, note string) (*ApplyResult, error) {
	if userID == 0 || delta == 0 {
		return nil, fmt.Errorf("%w: adjustment needs user and non-zero delta", ErrInvalidRequest)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: adjustment needs an idempotency key", ErrInvalidRequest)
	}
	return s.write(ctx, userID, delta, models.CreditReasonAdjustment, idempotencyKey, note, nil, false)
}

// Reverse appends a compensating entry for entryID. Reversing the same entry
// again reports AlreadyApplied. The balance may go negative when the credits
// were already spent.
func (s *Service) Reverse(ctx context.Context, entryID uint, note string) (*ApplyResult, error) {
	original, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, classify("get entry", err)
	}
	if original.Reason == models.CreditReasonReversal {
		return nil, fmt.Errorf("%w: entry %d is itself a reversal", ErrInvalidRequest, entryID)
	}
	id := original.ID
	res, err := s.write(ctx, original.UserID, -original.Delta, models.CreditReasonReversal, ReversalKey(id), note, &id, true)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusApplied {
		log.Infof("[Ledger] Reversed entry %d for user %d (delta %d)", id, original.UserID, -original.Delta)
	}
	return res, nil
}

func (s *Service) write(ctx context.Context, userID uint, delta int64, reason, key, note string, reverses *uint, allowNegative bool) (*ApplyResult, error) {
	var result *ApplyResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		entry := &models.CreditLedgerEntry{
			UserID:          userID,
			Delta:           delta,
			Reason:          reason,
			Note:            note,
			ReversesEntryID: reverses,
		}
		if k := strings.TrimSpace(key); k != "" {
			entry.IdempotencyKey = &k
		}
		inserted, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return storageErr("insert entry", err)
		}
		if !inserted {
			existing, err := tx.FindEntryByKey(ctx, *entry.IdempotencyKey)
			if err != nil {
				return storageErr("find entry", err)
			}
			result, err = alreadyApplied(ctx, tx, existing)
			return err
		}
		balance, err := tx.AddCredits(ctx, userID, delta, allowNegative)
		if err != nil {
			return classify("add credits", err)
		}
		result = &ApplyResult{Status: StatusApplied, Balance: balance, EntryID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, classify(reason, err)
	}
	return result, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID uint) (int64, error) {
	bal, err := s.store.Balance(ctx, userID)
	return bal, classify("balance", err)
}

// History returns the newest entries first. limit is clamped to
// [1, MaxHistoryLimit]; zero means DefaultHistoryLimit.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]models.CreditLedgerEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	entries, err := s.store.ListEntries(ctx, userID, limit)
	return entries, classify("history", err)
}

// VerifyBalance recomputes the ledger sum and compares it with the balance.
func (s *Service) VerifyBalance(ctx context.Context, userID uint) (*BalanceCheck, error) {
	var check *BalanceCheck
	err := s.store.WithTx(ctx, func(tx Store) error {
		bal, err := tx.Balance(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := tx.SumDeltas(ctx, userID)
		if err != nil {
			return err
		}
		check = &BalanceCheck{UserID: userID, Balance: bal, LedgerSum: sum, Consistent: bal == sum}
		return nil
	})
	if err != nil {
		return nil, classify("verify balance", err)
	}
	if !check.Consistent {
		log.Errorf("[Ledger] Balance drift for user %d: balance=%d ledger=%d", userID, check.Balance, check.LedgerSum)
	}
	return check, nil
}
