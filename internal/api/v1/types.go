package apiv1

import (
	"time"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
)

// Pong is the ping response.
type Pong struct {
	Ping string `json:"ping"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TriggerParams are the query parameters of the grant trigger. Zero means
// "use the default"; values above the ceiling are clamped.
type TriggerParams struct {
	Limit   int `query:"limit" validate:"min=0"`
	CatchUp int `query:"catchUp" validate:"min=0"`
}

// HistoryParams bound the credit history returned with a balance.
type HistoryParams struct {
	Limit int `query:"limit" validate:"min=0"`
}

// CreditsResponse is the balance view of one user.
type CreditsResponse struct {
	UserID        uint                       `json:"user_id"`
	Balance       int64                      `json:"balance"`
	History       []models.CreditLedgerEntry `json:"history"`
	Subscriptions []models.Subscription      `json:"subscriptions"`
}

// PackGrantRequest credits a purchased pack.
type PackGrantRequest struct {
	PackKey   string `json:"pack_key" validate:"required,max=64"`
	PaymentID string `json:"payment_id" validate:"required,max=160"`
}

// ConsumeRequest spends credits.
type ConsumeRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Reason         string `json:"reason" validate:"omitempty,oneof=chat_usage refund adjustment"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=191"`
	Note           string `json:"note" validate:"max=255"`
}

// ReverseRequest reverses one ledger entry.
type ReverseRequest struct {
	Note string `json:"note" validate:"max=255"`
}

// SubscriptionSyncRequest is the normalized subscription state pushed by the
// payment collaborator.
type SubscriptionSyncRequest struct {
	UserID                 uint      `json:"user_id" validate:"required"`
	Provider               string    `json:"provider" validate:"max=20"`
	ProviderSubscriptionID string    `json:"provider_subscription_id" validate:"required,max=191"`
	PlanKey                string    `json:"plan_key" validate:"max=64"`
	BillingInterval        string    `json:"billing_interval"`
	Status                 string    `json:"status"`
	CurrentPeriodStart     time.Time `json:"current_period_start"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
}

// SubscriptionSyncResponse reports what the sync changed.
type SubscriptionSyncResponse struct {
	Action       string               `json:"action"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}
