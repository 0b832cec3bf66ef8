package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/recovery"
)

func recoverCmd() *cobra.Command {
	var (
		providerName string
		direction    string
		refs         []string
		refsFile     string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile a batch of references against a provider",
		Long: `Query the provider for each reference and settle what it reports.
References are transaction ids or provider references. --refs-file accepts
the back-office CSV export; its transaction_id column is used.`,
		Example: `  payoutctl recover --provider cinetpay --refs CP-1,CP-2
  payoutctl recover --provider feexpay --type payout --refs-file export.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := domain.ParseProvider(providerName)
			if !ok {
				return fmt.Errorf("unknown provider %q", providerName)
			}
			dir, ok := domain.ParseDirection(direction)
			if !ok {
				return fmt.Errorf("--type must be payout or payment, got %q", direction)
			}
			if refsFile != "" {
				fromFile, err := readRefsFile(refsFile)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			batch, err := a.engine().Run(cmd.Context(), recovery.Request{Provider: p, Direction: dir, References: refs})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), batch)
			}
			printBatch(cmd, batch)
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "Provider name (cinetpay, feexpay, nowpayments)")
	cmd.Flags().StringVarP(&direction, "type", "t", "payout", "Transaction direction (payout, payment)")
	cmd.Flags().StringSliceVar(&refs, "refs", nil, "Comma-separated references")
	cmd.Flags().StringVar(&refsFile, "refs-file", "", "Back-office CSV export with a transaction_id column")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func readRefsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return recovery.ReadReferencesCSV(f)
}

func printBatch(cmd *cobra.Command, b domain.RecoveryBatch) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batch %s (%s %s)\n", b.ID, b.Provider, b.Direction)
	fmt.Fprintln(out, strings.Repeat("=", 40))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tOUTCOME\tSTATUS\tFINAL\tCOMPENSATE\tERROR")
	for _, ref := range b.RequestedReferences {
		r := b.Results[ref]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", ref, r.Outcome, r.Status, r.FinalStatus, r.RequiresCompensation, r.Error)
	}
	w.Flush()

	summary := b.Summary()
	outcomes := make([]string, 0, len(summary))
	for o := range summary {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	fmt.Fprintln(out, "\nSummary:")
	for _, o := range outcomes {
		fmt.Fprintf(out, "  %-22s %d\n", o+":", summary[domain.BatchOutcome(o)])
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show transaction counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Transactions by status:")
			for _, st := range domain.AllStatuses {
				fmt.Fprintf(out, "  %-12s %d\n", string(st)+":", stats.ByStatus[st])
			}
			fmt.Fprintf(out, "  %-12s %d\n", "TOTAL:", stats.Total)
			fmt.Fprintf(out, "\nRequires compensation: %d\n", stats.RequiresCompensation)
			fmt.Fprintf(out, "Manual review:         %d\n", stats.ManualReview)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func overrideCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "override [transaction-id]",
		Short: "Force a transaction into a status, bypassing the state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id: %w", err)
			}
			to, ok := domain.ParseStatus(status)
			if !ok {
				return fmt.Errorf("unknown status %q", status)
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tx, err := a.ledger.Override(cmd.Context(), id, to, reason)
			if err != nil {
				return err
			}
			a.logger.Warn("manual override", "transaction_id", id, "to", to, "reason", reason)
			return printJSON(cmd.OutOrStdout(), tx.Outcome())
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Target status")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the override is needed (recorded in history)")
	_ = cmd.MarkFlagRequired("status")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func balancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "List the last observed provider balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.db.ProviderAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No snapshots recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCURRENCY\tAVAILABLE\tPENDING\tOBSERVED")
			for _, acct := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acct.Provider, acct.Currency, acct.AvailableAmount, acct.PendingAmount, acct.ObservedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
