package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownPlan = errors.New("unknown plan")
	ErrUnknownPack = errors.New("unknown pack")
)

type Kind string

const (
	KindSubscription Kind = "subscription"
	KindOneTime      Kind = "one_time"
)

type Cycle string

const (
	CycleMonth Cycle = "month"
	CycleYear  Cycle = "year"
)

type ScheduleKind string

const (
	SchedulePerCycle     ScheduleKind = "per_cycle"
	ScheduleInstallments ScheduleKind = "installments"
)

// GrantSchedule is a closed variant: per_cycle plans carry nothing beyond the
// plan's CreditsPerCycle, installment plans carry their Installments block.
type GrantSchedule struct {
	Kind         ScheduleKind  `yaml:"kind" json:"kind" validate:"required,oneof=per_cycle installments"`
	Installments *Installments `yaml:"installments,omitempty" json:"installments,omitempty"`
}

// Installments splits a cycle's credit into GrantsPerCycle drips.
type Installments struct {
	GrantsPerCycle  int   `yaml:"grants_per_cycle" json:"grants_per_cycle" validate:"min=1"`
	CreditsPerGrant int64 `yaml:"credits_per_grant" json:"credits_per_grant" validate:"gt=0"`
	IntervalMonths  int   `yaml:"interval_months" json:"interval_months" validate:"min=1"`
	InitialGrants   int   `yaml:"initial_grants" json:"initial_grants" validate:"min=0,max=1"`
}

// Plan is a subscription plan definition.
type Plan struct {
	Key             string        `yaml:"key" json:"key" validate:"required,max=64"`
	Name            string        `yaml:"name" json:"name"`
	Kind            Kind          `yaml:"kind" json:"kind" validate:"omitempty,eq=subscription"`
	Price           int64         `yaml:"price" json:"price" validate:"min=0"`
	Currency        string        `yaml:"currency" json:"currency" validate:"required,len=3"`
	Cycle           Cycle         `yaml:"cycle" json:"cycle" validate:"required,oneof=month year"`
	CreditsPerCycle int64         `yaml:"credits_per_cycle" json:"credits_per_cycle" validate:"gt=0"`
	Schedule        GrantSchedule `yaml:"schedule" json:"schedule"`
}

// GrantsPerCycle returns how many grants one billing cycle produces.
func (p Plan) GrantsPerCycle() int {
	if p.Schedule.Kind == ScheduleInstallments && p.Schedule.Installments != nil {
		return p.Schedule.Installments.GrantsPerCycle
	}
	return 1
}

func (p Plan) clone() Plan {
	if p.Schedule.Installments != nil {
		inst := *p.Schedule.Installments
		p.Schedule.Installments = &inst
	}
	return p
}

// Pack is a one-time credit purchase.
type Pack struct {
	Key      string `yaml:"key" json:"key" validate:"required,max=64"`
	Name     string `yaml:"name" json:"name"`
	Price    int64  `yaml:"price" json:"price" validate:"min=0"`
	Currency string `yaml:"currency" json:"currency" validate:"required,len=3"`
	Credits  int64  `yaml:"credits" json:"credits" validate:"gt=0"`
}

// Catalog is an immutable plan and pack registry. Build it once at start and
// share it freely.
type Catalog struct {
	plans map[string]Plan
	packs map[string]Pack
}

// New validates and indexes the given plans and packs.
func New(plans []Plan, packs []Pack) (*Catalog, error) {
	v := validator.New()
	c := &Catalog{
		plans: make(map[string]Plan, len(plans)),
		packs: make(map[string]Pack, len(packs)),
	}

	for _, p := range plans {
		p.Key = normalizeKey(p.Key)
		if p.Kind == "" {
			p.Kind = KindSubscription
		}
		if err := v.Struct(p); err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.Key, err)
		}
		if err := validateSchedule(v, p); err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.Key, err)
		}
		if _, dup := c.plans[p.Key]; dup {
			return nil, fmt.Errorf("plan %q defined twice", p.Key)
		}
		c.plans[p.Key] = p.clone()
	}

	for _, p := range packs {
		p.Key = normalizeKey(p.Key)
		if err := v.Struct(p); err != nil {
			return nil, fmt.Errorf("pack %q: %w", p.Key, err)
		}
		if _, dup := c.packs[p.Key]; dup {
			return nil, fmt.Errorf("pack %q defined twice", p.Key)
		}
		c.packs[p.Key] = p
	}

	return c, nil
}

func validateSchedule(v *validator.Validate, p Plan) error {
	switch p.Schedule.Kind {
	case SchedulePerCycle:
		if p.Schedule.Installments != nil {
			return errors.New("per_cycle schedule must not define installments")
		}
		return nil
	case ScheduleInstallments:
		if p.Schedule.Installments == nil {
			return errors.New("installments schedule requires an installments block")
		}
		return v.Struct(p.Schedule.Installments)
	default:
		return fmt.Errorf("unsupported schedule kind %q", p.Schedule.Kind)
	}
}

// ResolvePlan looks up a plan by key. Unknown keys are never defaulted.
func (c *Catalog) ResolvePlan(key string) (Plan, error) {
	p, ok := c.plans[normalizeKey(key)]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, key)
	}
	return p.clone(), nil
}

// ResolvePack looks up a one-time pack by key.
func (c *Catalog) ResolvePack(key string) (Pack, error) {
	p, ok := c.packs[normalizeKey(key)]
	if !ok {
		return Pack{}, fmt.Errorf("%w: %q", ErrUnknownPack, key)
	}
	return p, nil
}

// Plans returns all plans sorted by key.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Packs returns all packs sorted by key.
func (c *Catalog) Packs() []Pack {
	out := make([]Pack, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Inconsistencies lists installment plans whose drips do not add up to
// CreditsPerCycle. The engine grants the configured per-grant amount either way.
func (c *Catalog) Inconsistencies() []string {
	var out []string
	for _, p := range c.Plans() {
		inst := p.Schedule.Installments
		if p.Schedule.Kind != ScheduleInstallments || inst == nil {
			continue
		}
		total := inst.CreditsPerGrant * int64(inst.GrantsPerCycle)
		if total != p.CreditsPerCycle {
			out = append(out, fmt.Sprintf("plan %q: %d grants x %d = %d credits, credits_per_cycle is %d",
				p.Key, inst.GrantsPerCycle, inst.CreditsPerGrant, total, p.CreditsPerCycle))
		}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
