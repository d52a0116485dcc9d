package dispatcher

import "time"

// ScheduleResult is what one run did for one subscription. Counts only
// include grants that were actually committed.
type ScheduleResult struct {
	SubscriptionID uint           `json:"subscription_id"`
	UserID         uint           `json:"user_id"`
	PlanKey        string         `json:"plan_key"`
	Granted        int            `json:"granted"`
	Duplicates     int            `json:"duplicates"`
	CreditsGranted int64          `json:"credits_granted"`
	StillDue       bool           `json:"still_due"`
	Error          *ScheduleError `json:"error,omitempty"`
}

// BatchResult aggregates one run. Results keep selection order.
type BatchResult struct {
	RunID            string           `json:"run_id"`
	AsOf             time.Time        `json:"as_of"`
	Limit            int              `json:"limit"`
	CatchUp          int              `json:"catch_up"`
	TotalGrants      int              `json:"total_grants"`
	TotalDuplicates  int              `json:"total_duplicates"`
	TotalCredits     int64            `json:"total_credits"`
	SchedulesTouched int              `json:"schedules"`
	StillDue         int              `json:"still_due"`
	Failures         int              `json:"failures"`
	StartedAt        time.Time        `json:"started_at"`
	Duration         time.Duration    `json:"-"`
	DurationMS       int64            `json:"duration_ms"`
	Results          []ScheduleResult `json:"results"`
}

func (b *BatchResult) summarize() {
	b.SchedulesTouched = len(b.Results)
	for _, r := range b.Results {
		b.TotalGrants += r.Granted
		b.TotalDuplicates += r.Duplicates
		b.TotalCredits += r.CreditsGranted
		if r.StillDue {
			b.StillDue++
		}
		if r.Error != nil {
			b.Failures++
		}
	}
}

// FailuresByKind counts failed subscriptions per error kind.
func (b *BatchResult) FailuresByKind() map[ErrorKind]int {
	out := map[ErrorKind]int{}
	for _, r := range b.Results {
		if r.Error != nil {
			out[r.Error.Kind]++
		}
	}
	return out
}
