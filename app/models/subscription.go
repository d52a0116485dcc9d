package models

import "time"

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// Subscription mirrors a provider subscription and carries the grant schedule
// cursor. Status and period fields are owned by the payment collaborator;
// CycleIndex, GrantsIssuedInCycle and NextGrantAt are advanced by the grant
// dispatcher inside the same transaction as the matching ledger insert.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	PlanKey                string     `gorm:"type:varchar(64);not null;index" json:"plan_key"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'manual';index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_due,priority:1" json:"status"`
	CurrentPeriodStart     time.Time  `gorm:"type:timestamp;not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `gorm:"type:timestamp;not null" json:"current_period_end"`
	CycleIndex             int        `gorm:"not null;default:0" json:"cycle_index"`
	GrantsIssuedInCycle    int        `gorm:"not null;default:0" json:"grants_issued_in_cycle"`
	NextGrantAt            *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_due,priority:2" json:"next_grant_at,omitempty"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the subscription is eligible for grants.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// IsDue reports whether the schedule cursor has passed at the given time.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.IsActive() && s.NextGrantAt != nil && !s.NextGrantAt.After(now)
}
