package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
)

// GormStore keeps the ledger in the application's SQL database (MySQL or
// Postgres). Idempotency rests on the unique index over
// credit_ledger_entries.idempotency_key.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by GORM.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) AdvanceCursor(ctx context.Context, adv CursorAdvance) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND cycle_index = ? AND grants_issued_in_cycle = ? AND status = ?",
			adv.SubscriptionID, adv.CycleIndex, adv.FromIssued, models.SubscriptionStatusActive).
		Updates(map[string]interface{}{
			"grants_issued_in_cycle": adv.ToIssued,
			"next_grant_at":          adv.NextGrantAt,
			"updated_at":             time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) InsertEntry(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) FindEntryByKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error) {
	var e models.CreditLedgerEntry
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) GetEntry(ctx context.Context, id uint) (*models.CreditLedgerEntry, error) {
	var e models.CreditLedgerEntry
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) ListEntries(ctx context.Context, userID uint, limit int) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) SumDeltas(ctx context.Context, userID uint) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return sum, err
}

func (s *GormStore) AddCredits(ctx context.Context, userID uint, delta int64, allowNegative bool) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID)
	if !allowNegative && delta < 0 {
		q = q.Where("credits + ? >= 0", delta)
	}
	res := q.Updates(map[string]interface{}{
		"credits":    gorm.Expr("credits + ?", delta),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Balance(ctx, userID); err != nil {
			return 0, err
		}
		return 0, ErrInsufficientCredits
	}
	return s.Balance(ctx, userID)
}

func (s *GormStore) Balance(ctx context.Context, userID uint) (int64, error) {
	var user models.User
	err := s.db.WithContext(ctx).Select("id", "credits").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

func (s *GormStore) ListDueSubscriptions(ctx context.Context, q DueQuery) ([]models.Subscription, error) {
	var subs []models.Subscription
	query := s.db.WithContext(ctx).
		Where("status = ? AND next_grant_at IS NOT NULL AND next_grant_at <= ?", models.SubscriptionStatusActive, q.Now)
	if q.After != nil {
		query = query.Where("(next_grant_at > ? OR (next_grant_at = ? AND id > ?))",
			q.After.NextGrantAt, q.After.NextGrantAt, q.After.ID)
	}
	err := query.Order("next_grant_at ASC, id ASC").
		Limit(q.Limit).
		Find(&subs).Error
	return subs, err
}
