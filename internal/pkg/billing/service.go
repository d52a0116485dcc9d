package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/schedule"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionInactive = errors.New("subscription is not active")
	ErrStalePeriod          = errors.New("period is older than the current one")
	ErrInvalidSubscription  = errors.New("invalid subscription data")
)

// PlanResolver resolves plan keys. *catalog.Catalog implements it.
type PlanResolver interface {
	ResolvePlan(key string) (catalog.Plan, error)
}

// Service owns the subscription lifecycle on behalf of the payment
// collaborator: it creates subscriptions, opens new cycles and ends them.
// Grant cursors are initialized here and advanced only by the dispatcher.
type Service struct {
	repo  Repository
	plans PlanResolver
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, plans PlanResolver) *Service {
	return &Service{repo: repo, plans: plans}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, plans PlanResolver) *Service {
	return NewService(NewRepository(db), plans)
}

// StartSubscription creates an active subscription with a fresh grant cursor.
// Replays of the same provider subscription return the stored row and false.
func (s *Service) StartSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, bool, error) {
	_ = ctx
	provider := normalizeProvider(in.Provider)
	providerSubID := strings.TrimSpace(in.ProviderSubscriptionID)
	if in.UserID == 0 || providerSubID == "" {
		return nil, false, fmt.Errorf("%w: user_id and provider_subscription_id are required", ErrInvalidSubscription)
	}
	if in.CurrentPeriodStart.IsZero() {
		return nil, false, fmt.Errorf("%w: current_period_start is required", ErrInvalidSubscription)
	}

	plan, err := s.plans.ResolvePlan(in.PlanKey)
	if err != nil {
		return nil, false, err
	}
	if interval := normalizeInterval(in.BillingInterval); in.BillingInterval != "" && interval != string(plan.Cycle) {
		return nil, false, fmt.Errorf("%w: plan %q bills per %s, provider reported %q", ErrInvalidSubscription, plan.Key, plan.Cycle, in.BillingInterval)
	}

	start := storedTime(in.CurrentPeriodStart)
	end := storedTime(in.CurrentPeriodEnd)
	if in.CurrentPeriodEnd.IsZero() {
		end = periodEnd(plan, start)
	}
	cursor := schedule.Initialize(plan, start)

	sub := &models.Subscription{
		UserID:                 in.UserID,
		PlanKey:                plan.Key,
		Provider:               provider,
		ProviderSubscriptionID: providerSubID,
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		GrantsIssuedInCycle:    cursor.GrantsIssuedInCycle,
		NextGrantAt:            cursor.NextGrantAt,
	}
	created, err := s.repo.CreateSubscriptionIfNotExists(sub)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Infof("[Billing] Started subscription %d (%s) for user %d, first grant at %s",
			sub.ID, plan.Key, sub.UserID, cursor.NextGrantAt.Format(time.RFC3339))
	}
	return sub, created, nil
}

// RenewPeriod opens the next billing cycle. Renewing to the current period
// again is a no-op.
func (s *Service) RenewPeriod(ctx context.Context, subscriptionID uint, periodStart, periodEnd time.Time) (*models.Subscription, error) {
	sub, err := s.get(subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, fmt.Errorf("%w: subscription %d is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}
	periodStart = storedTime(periodStart)
	switch {
	case periodStart.Equal(sub.CurrentPeriodStart):
		return sub, nil
	case periodStart.Before(sub.CurrentPeriodStart):
		return nil, fmt.Errorf("%w: subscription %d renewal to %s", ErrStalePeriod, sub.ID, periodStart.Format(time.RFC3339))
	}

	plan, err := s.plans.ResolvePlan(sub.PlanKey)
	if err != nil {
		return nil, err
	}
	if err := s.openCycle(ctx, sub, sub.PlanKey, plan, periodStart, storedTime(periodEnd)); err != nil {
		return nil, err
	}
	return sub, nil
}

// ChangePlan switches plans and starts a new cycle at effectiveAt. Credits
// already granted stay; the new plan's schedule starts from scratch.
func (s *Service) ChangePlan(ctx context.Context, subscriptionID uint, planKey string, effectiveAt time.Time) (*models.Subscription, error) {
	sub, err := s.get(subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, fmt.Errorf("%w: subscription %d is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}
	plan, err := s.plans.ResolvePlan(planKey)
	if err != nil {
		return nil, err
	}
	if plan.Key == sub.PlanKey {
		return sub, nil
	}
	if effectiveAt.IsZero() {
		effectiveAt = time.Now()
	}

	from := sub.PlanKey
	sub.PlanKey = plan.Key
	if err := s.openCycle(ctx, sub, from, plan, storedTime(effectiveAt), time.Time{}); err != nil {
		return nil, err
	}
	log.Infof("[Billing] Subscription %d changed plan %s -> %s", sub.ID, from, plan.Key)
	return sub, nil
}

func (s *Service) openCycle(ctx context.Context, sub *models.Subscription, prevPlanKey string, plan catalog.Plan, start, end time.Time) error {
	_ = ctx
	if old, err := s.plans.ResolvePlan(prevPlanKey); err == nil && sub.GrantsIssuedInCycle < old.GrantsPerCycle() {
		log.Warnf("[Billing] Subscription %d leaves cycle %d with %d of %d grants issued",
			sub.ID, sub.CycleIndex, sub.GrantsIssuedInCycle, old.GrantsPerCycle())
	}
	if end.IsZero() {
		end = periodEnd(plan, start)
	}
	cursor := schedule.Initialize(plan, start)
	sub.CycleIndex++
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = storedTime(end)
	sub.GrantsIssuedInCycle = cursor.GrantsIssuedInCycle
	sub.NextGrantAt = cursor.NextGrantAt
	return s.repo.SaveSubscription(sub)
}

// CancelSubscription stops future grants. Ledger history is untouched.
func (s *Service) CancelSubscription(ctx context.Context, subscriptionID uint, at time.Time) (*models.Subscription, error) {
	return s.end(ctx, subscriptionID, models.SubscriptionStatusCanceled, at)
}

// ExpireSubscription marks a subscription as ended by the provider.
func (s *Service) ExpireSubscription(ctx context.Context, subscriptionID uint, at time.Time) (*models.Subscription, error) {
	return s.end(ctx, subscriptionID, models.SubscriptionStatusExpired, at)
}

func (s *Service) end(ctx context.Context, subscriptionID uint, status string, at time.Time) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.get(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == status {
		return sub, nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	// Only status, canceled_at and next_grant_at change; the grant counters
	// belong to the dispatcher and may have moved since the read above.
	if err := s.repo.EndSubscription(sub.ID, status, storedTime(at)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, sub.ID)
		}
		return nil, err
	}
	log.Infof("[Billing] Subscription %d is now %s", sub.ID, status)
	return s.get(sub.ID)
}

// SyncSubscription reconciles provider state into the local subscription:
// create, plan change, renewal and cancel/expire, in that order.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, SyncAction, error) {
	status := normalizeStatus(in.Status)
	if status == "" {
		return nil, "", fmt.Errorf("%w: unsupported status %q", ErrInvalidSubscription, in.Status)
	}

	existing, err := s.repo.GetSubscriptionByProviderID(normalizeProvider(in.Provider), strings.TrimSpace(in.ProviderSubscriptionID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if status != models.SubscriptionStatusActive {
			return nil, SyncUnchanged, nil
		}
		sub, created, err := s.StartSubscription(ctx, in)
		if err != nil {
			return nil, "", err
		}
		if !created {
			return sub, SyncUnchanged, nil
		}
		return sub, SyncCreated, nil
	}
	if err != nil {
		return nil, "", err
	}

	switch status {
	case models.SubscriptionStatusCanceled, models.SubscriptionStatusExpired:
		if existing.Status == status {
			return existing, SyncUnchanged, nil
		}
		sub, err := s.end(ctx, existing.ID, status, time.Time{})
		if err != nil {
			return nil, "", err
		}
		if status == models.SubscriptionStatusExpired {
			return sub, SyncExpired, nil
		}
		return sub, SyncCanceled, nil
	}

	if !existing.IsActive() {
		return existing, SyncUnchanged, nil
	}
	if planKey := strings.ToLower(strings.TrimSpace(in.PlanKey)); planKey != "" && planKey != existing.PlanKey {
		sub, err := s.ChangePlan(ctx, existing.ID, planKey, in.CurrentPeriodStart)
		if err != nil {
			return nil, "", err
		}
		return sub, SyncReplanned, nil
	}
	if !in.CurrentPeriodStart.IsZero() && storedTime(in.CurrentPeriodStart).After(existing.CurrentPeriodStart) {
		sub, err := s.RenewPeriod(ctx, existing.ID, in.CurrentPeriodStart, in.CurrentPeriodEnd)
		if err != nil {
			return nil, "", err
		}
		return sub, SyncRenewed, nil
	}
	return existing, SyncUnchanged, nil
}

// ListSubscriptionsByUser returns all subscriptions of a user.
func (s *Service) ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.Subscription, error) {
	_ = ctx
	if userID == 0 {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidSubscription)
	}
	return s.repo.ListSubscriptionsByUser(userID)
}

// storedTime drops what a TIMESTAMP column cannot hold, so provider values
// compare equal to what was stored from them earlier.
func storedTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

func (s *Service) get(id uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscription(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	return sub, err
}
