package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
)

func newPlansCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List plans and packs from the active catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"plans":           cat.Plans(),
					"packs":           cat.Packs(),
					"inconsistencies": cat.Inconsistencies(),
				})
			}

			out := cmd.OutOrStdout()
			tw := newTable(out)
			fmt.Fprintln(tw, "PLAN\tCYCLE\tPRICE\tCREDITS/CYCLE\tSCHEDULE")
			for _, p := range cat.Plans() {
				fmt.Fprintf(tw, "%s\t%s\t%d %s\t%d\t%s\n", p.Key, p.Cycle, p.Price, p.Currency, p.CreditsPerCycle, describeSchedule(p))
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "PACK\tPRICE\tCREDITS")
			for _, p := range cat.Packs() {
				fmt.Fprintf(tw, "%s\t%d %s\t%d\n", p.Key, p.Price, p.Currency, p.Credits)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, w := range cat.Inconsistencies() {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
}

func describeSchedule(p catalog.Plan) string {
	inst := p.Schedule.Installments
	if p.Schedule.Kind != catalog.ScheduleInstallments || inst == nil {
		return "one grant per cycle"
	}
	first := "first at period start"
	if inst.InitialGrants == 0 {
		first = "first after one interval"
	}
	return fmt.Sprintf("%d x %d every %d month(s), %s", inst.GrantsPerCycle, inst.CreditsPerGrant, inst.IntervalMonths, first)
}
