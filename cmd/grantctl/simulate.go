package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/billing"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
)

const simulatedUser = 1

// SimulatedGrant is one grant produced by a simulation.
type SimulatedGrant struct {
	At      time.Time `json:"at"`
	Cycle   int       `json:"cycle"`
	Grant   int       `json:"grant"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}

// Simulation is the outcome of replaying a plan against the in-memory ledger.
type Simulation struct {
	PlanKey string           `json:"plan_key"`
	Start   time.Time        `json:"start"`
	Until   time.Time        `json:"until"`
	Grants  []SimulatedGrant `json:"grants"`
	Total   int64            `json:"total"`
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	var (
		start, until string
		every        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate PLAN_KEY",
		Short: "Replay a plan's grant schedule in memory",
		Long: `Start one subscription on PLAN_KEY in an in-memory ledger, renew it at
every period end and run the dispatcher every --every until --until. Nothing
is written to the database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			from, err := parseTime(start)
			if err != nil {
				return err
			}
			to, err := parseTime(until)
			if err != nil {
				return err
			}
			sim, err := simulate(cmd, cat, args[0], from, to, every)
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), sim)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "AT\tCYCLE\tGRANT\tAMOUNT\tBALANCE")
			for _, g := range sim.Grants {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", g.At.Format("2006-01-02"), g.Cycle, g.Grant, g.Amount, g.Balance)
			}
			fmt.Fprintf(tw, "total\t\t\t%d\t\n", sim.Total)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&start, "start", time.Now().UTC().Format("2006-01-02"), "Period start of the first cycle")
	cmd.Flags().StringVar(&until, "until", time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02"), "Stop the replay at this time")
	cmd.Flags().DurationVar(&every, "every", 24*time.Hour, "Dispatcher interval")
	return cmd
}

func simulate(cmd *cobra.Command, cat *catalog.Catalog, planKey string, start, until time.Time, every time.Duration) (*Simulation, error) {
	if every <= 0 {
		return nil, errors.New("--every must be positive")
	}
	if until.Before(start) {
		return nil, errors.New("--until is before --start")
	}
	ctx := cmd.Context()

	clock := start
	store := ledger.NewMemoryStore()
	store.SetClock(func() time.Time { return clock })
	store.AddUser(simulatedUser)
	ledgerSvc := ledger.NewService(store, cat)
	billingSvc := billing.NewService(store, cat)
	grants := dispatcher.New(store, cat, ledgerSvc, dispatcher.DefaultConfig())

	sub, _, err := billingSvc.StartSubscription(ctx, billing.NormalizedSubscription{
		UserID:                 simulatedUser,
		ProviderSubscriptionID: "simulation",
		PlanKey:                planKey,
		CurrentPeriodStart:     start,
	})
	if err != nil {
		return nil, err
	}

	for ; !clock.After(until); clock = clock.Add(every) {
		for {
			current, ok := store.Subscription(sub.ID)
			if !ok || clock.Before(current.CurrentPeriodEnd) {
				break
			}
			if _, err := billingSvc.RenewPeriod(ctx, sub.ID, current.CurrentPeriodEnd, time.Time{}); err != nil {
				return nil, err
			}
		}
		res, err := grants.ProcessDueSchedules(ctx, dispatcher.Options{Now: clock})
		if err != nil {
			return nil, err
		}
		for _, r := range res.Results {
			if r.Error != nil {
				return nil, r.Error
			}
		}
	}

	sim := &Simulation{PlanKey: sub.PlanKey, Start: start, Until: until}
	for _, e := range store.Entries() {
		sim.Total += e.Delta
		g := SimulatedGrant{At: e.CreatedAt, Amount: e.Delta, Balance: sim.Total}
		if e.CycleIndex != nil {
			g.Cycle = *e.CycleIndex
		}
		if e.GrantIndex != nil {
			g.Grant = *e.GrantIndex
		}
		sim.Grants = append(sim.Grants, g)
	}
	return sim, nil
}
