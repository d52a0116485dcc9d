package billing

import (
	"strings"
	"time"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/schedule"
)

// normalizeStatus maps provider status vocabularies onto the three states the
// grant scheduler knows. Unknown values map to "".
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "active", "trialing", "past_due":
		return models.SubscriptionStatusActive
	case "canceled", "cancelled", "paused":
		return models.SubscriptionStatusCanceled
	case "expired", "incomplete_expired", "unpaid", "ended":
		return models.SubscriptionStatusExpired
	default:
		return ""
	}
}

func normalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return "manual"
	}
	return p
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case "month", "monthly":
		return string(catalog.CycleMonth)
	case "year", "yearly", "annual":
		return string(catalog.CycleYear)
	default:
		return "unknown"
	}
}

// periodEnd returns the end of a billing period starting at start.
func periodEnd(plan catalog.Plan, start time.Time) time.Time {
	if plan.Cycle == catalog.CycleYear {
		return schedule.AddMonths(start, 12)
	}
	return schedule.AddMonths(start, 1)
}
