package models

import "time"

// Ledger entry reasons.
const (
	CreditReasonSubscriptionCycle    = "subscription_cycle"
	CreditReasonSubscriptionSchedule = "subscription_schedule"
	CreditReasonOneTimePack          = "one_time_pack"
	CreditReasonChatUsage            = "chat_usage"
	CreditReasonRefund               = "refund"
	CreditReasonAdjustment           = "adjustment"
	CreditReasonReversal             = "reversal"
)

// CreditLedgerEntry is one append-only balance change. Rows are never updated
// or deleted; corrections are written as new entries pointing at the entry
// they reverse.
type CreditLedgerEntry struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index:idx_credit_ledger_user_created,priority:1" json:"user_id"`
	Delta           int64     `gorm:"not null" json:"delta"`
	Reason          string    `gorm:"type:varchar(32);not null;index" json:"reason"`
	IdempotencyKey  *string   `gorm:"type:varchar(191);default:null;uniqueIndex:ux_credit_ledger_idempotency_key" json:"idempotency_key,omitempty"`
	PaymentID       string    `gorm:"type:varchar(191);not null;default:''" json:"payment_id,omitempty"`
	SubscriptionID  *uint     `gorm:"default:null;index" json:"subscription_id,omitempty"`
	CycleIndex      *int      `gorm:"default:null" json:"cycle_index,omitempty"`
	GrantIndex      *int      `gorm:"default:null" json:"grant_index,omitempty"`
	ReversesEntryID *uint     `gorm:"default:null;index" json:"reverses_entry_id,omitempty"`
	Note            string    `gorm:"type:varchar(255);not null;default:''" json:"note,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_credit_ledger_user_created,priority:2" json:"created_at"`
}
