package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newBalanceCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			bal, err := svc.ledger.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"user_id": userID, "balance": bal})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: %d credits\n", userID, bal)
			return nil
		},
	}
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "List a user's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			entries, err := svc.ledger.History(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCREATED\tDELTA\tREASON\tKEY\tNOTE")
			for _, e := range entries {
				key := "-"
				if e.IdempotencyKey != nil {
					key = *e.IdempotencyKey
				}
				fmt.Fprintf(tw, "%d\t%s\t%+d\t%s\t%s\t%s\n", e.ID, formatTime(&e.CreatedAt), e.Delta, e.Reason, key, e.Note)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max entries (0 = default, capped at 500)")
	return cmd
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify USER_ID",
		Short: "Check that the balance equals the sum of ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			check, err := svc.ledger.VerifyBalance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if root.json {
				if err := printJSON(cmd.OutOrStdout(), check); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "user %d: balance %d, ledger sum %d\n", userID, check.Balance, check.LedgerSum)
			}
			if !check.Consistent {
				return fmt.Errorf("balance drift of %d credits", check.Balance-check.LedgerSum)
			}
			return nil
		},
	}
}

func newSubscriptionsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions USER_ID",
		Short: "List a user's subscriptions and their grant cursors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			subs, err := svc.billing.ListSubscriptionsByUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), subs)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPLAN\tSTATUS\tPERIOD START\tCYCLE\tISSUED\tNEXT GRANT")
			for i := range subs {
				s := &subs[i]
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n", s.ID, s.PlanKey, s.Status,
					formatTime(&s.CurrentPeriodStart), s.CycleIndex, s.GrantsIssuedInCycle, formatTime(s.NextGrantAt))
			}
			return tw.Flush()
		},
	}
}

func newGrantPackCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant-pack USER_ID PACK_KEY PAYMENT_ID",
		Short: "Credit a one-time pack (idempotent per payment id)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			res, err := svc.ledger.GrantPack(cmd.Context(), userID, args[1], args[2])
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: entry %d, balance %d\n", res.Status, res.EntryID, res.Balance)
			return nil
		},
	}
}

func newReverseCmd(root *rootOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reverse ENTRY_ID",
		Short: "Append a compensating entry for a ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || entryID == 0 {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			res, err := svc.ledger.Reverse(cmd.Context(), uint(entryID), note)
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: entry %d, balance %d\n", res.Status, res.EntryID, res.Balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Reason recorded on the reversal entry")
	return cmd
}
