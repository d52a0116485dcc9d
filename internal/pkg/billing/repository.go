package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
)

// Repository provides DB operations used by the billing service. Lookups
// return gorm.ErrRecordNotFound on a miss.
type Repository interface {
	CreateSubscriptionIfNotExists(sub *models.Subscription) (bool, error)
	GetSubscription(id uint) (*models.Subscription, error)
	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error
	// EndSubscription sets status and canceled_at and clears next_grant_at.
	// The cycle counters are left as stored.
	EndSubscription(id uint, status string, canceledAt time.Time) error
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateSubscriptionIfNotExists(sub *models.Subscription) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}

	created := tx.RowsAffected > 0
	// Ensure the stored row wins when another delivery created it first.
	if err := r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error; err != nil {
		return false, err
	}
	return created, nil
}

func (r *gormRepository) GetSubscription(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	updates := map[string]interface{}{
		"user_id":                sub.UserID,
		"plan_key":               sub.PlanKey,
		"status":                 sub.Status,
		"current_period_start":   sub.CurrentPeriodStart,
		"current_period_end":     sub.CurrentPeriodEnd,
		"cycle_index":            sub.CycleIndex,
		"grants_issued_in_cycle": sub.GrantsIssuedInCycle,
		"next_grant_at":          sub.NextGrantAt,
		"canceled_at":            sub.CanceledAt,
		"updated_at":             time.Now(),
	}
	res := r.db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) EndSubscription(id uint, status string, canceledAt time.Time) error {
	res := r.db.Model(&models.Subscription{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        status,
		"canceled_at":   gorm.Expr("COALESCE(canceled_at, ?)", canceledAt),
		"next_grant_at": nil,
		"updated_at":    time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Order("id ASC").Find(&subs).Error
	return subs, err
}
