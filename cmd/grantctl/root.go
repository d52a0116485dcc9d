package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	json bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "grantctl",
		Short:         "Operate the subscription credit grant scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print machine readable JSON")

	cmd.AddCommand(
		newDispatchCmd(opts),
		newBalanceCmd(opts),
		newHistoryCmd(opts),
		newVerifyCmd(opts),
		newSubscriptionsCmd(opts),
		newGrantPackCmd(opts),
		newReverseCmd(opts),
		newPlansCmd(opts),
		newSimulateCmd(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func parseID(raw, what string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return uint(id), nil
}

// parseTime accepts a date (2024-01-31) or an RFC 3339 timestamp, in UTC.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, use YYYY-MM-DD or RFC 3339", raw)
	}
	return t.UTC(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
