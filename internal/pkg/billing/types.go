package billing

import "time"

// NormalizedSubscription is the provider-agnostic shape the payment
// collaborator hands over when a subscription is created or changes.
type NormalizedSubscription struct {
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	PlanKey                string
	BillingInterval        string
	Status                 string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
}

// SyncAction reports what SyncSubscription did.
type SyncAction string

const (
	SyncCreated   SyncAction = "created"
	SyncRenewed   SyncAction = "renewed"
	SyncReplanned SyncAction = "plan_changed"
	SyncCanceled  SyncAction = "canceled"
	SyncExpired   SyncAction = "expired"
	SyncUnchanged SyncAction = "unchanged"
)
