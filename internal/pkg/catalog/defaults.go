package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

var defaultPlans = []Plan{
	{
		Key:             "basic_monthly",
		Name:            "Basic",
		Price:           990,
		Currency:        "USD",
		Cycle:           CycleMonth,
		CreditsPerCycle: 1000,
		Schedule:        GrantSchedule{Kind: SchedulePerCycle},
	},
	{
		Key:             "pro_monthly",
		Name:            "Pro",
		Price:           2990,
		Currency:        "USD",
		Cycle:           CycleMonth,
		CreditsPerCycle: 10000,
		Schedule:        GrantSchedule{Kind: SchedulePerCycle},
	},
	{
		Key:             "pro_yearly",
		Name:            "Pro (yearly)",
		Price:           29900,
		Currency:        "USD",
		Cycle:           CycleYear,
		CreditsPerCycle: 120000,
		Schedule: GrantSchedule{
			Kind: ScheduleInstallments,
			Installments: &Installments{
				GrantsPerCycle:  12,
				CreditsPerGrant: 10000,
				IntervalMonths:  1,
				InitialGrants:   1,
			},
		},
	},
	{
		Key:             "max_yearly",
		Name:            "Max (yearly)",
		Price:           79900,
		Currency:        "USD",
		Cycle:           CycleYear,
		CreditsPerCycle: 360000,
		Schedule: GrantSchedule{
			Kind: ScheduleInstallments,
			Installments: &Installments{
				GrantsPerCycle:  12,
				CreditsPerGrant: 30000,
				IntervalMonths:  1,
				InitialGrants:   1,
			},
		},
	},
}

var defaultPacks = []Pack{
	{Key: "pack_small", Name: "Small pack", Price: 499, Currency: "USD", Credits: 2000},
	{Key: "pack_large", Name: "Large pack", Price: 1999, Currency: "USD", Credits: 12000},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(defaultPlans, defaultPacks)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

type fileCatalog struct {
	Plans []Plan `yaml:"plans"`
	Packs []Pack `yaml:"packs"`
}

// LoadFile reads a YAML catalog:
//
//	plans:
//	  - key: pro_yearly
//	    currency: USD
//	    cycle: year
//	    credits_per_cycle: 120000
//	    schedule:
//	      kind: installments
//	      installments: {grants_per_cycle: 12, credits_per_grant: 10000, interval_months: 1, initial_grants: 1}
//	packs:
//	  - {key: pack_small, currency: USD, credits: 2000}
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(fc.Plans, fc.Packs)
}

// FromEnv loads CATALOG_FILE when set and falls back to the built-in catalog.
func FromEnv() (*Catalog, error) {
	path := strings.TrimSpace(env.GetEnv("CATALOG_FILE", ""))
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}
