package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/payoutops/internal/config"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/logging"
	"github.com/punchamoorthee/payoutops/internal/recovery"
	"github.com/punchamoorthee/payoutops/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the payout ledger: recovery batches, stats and overrides",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("policy", "", "Policy file (defaults to POLICY_FILE)")

	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(balancesCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// app holds the layers a command needs. Close releases the pool.
type app struct {
	cfg    *config.Config
	policy *config.Policy
	logger *slog.Logger
	db     *store.Store
	ledger *ledger.Ledger
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if p, _ := cmd.Flags().GetString("policy"); p != "" {
		cfg.PolicyFile = p
	}
	// Logs go to stderr so stdout stays machine-readable.
	logger := logging.NewWithWriter(cfg.Logging, os.Stderr)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	db, err := store.NewStore(cmd.Context(), cfg.DBSource)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &app{
		cfg:    cfg,
		policy: policy,
		logger: logger,
		db:     db,
		ledger: ledger.New(db, logger),
	}, nil
}

func (a *app) Close() { a.db.Close() }

func (a *app) engine() *recovery.Engine {
	registry := a.cfg.Registry(a.policy, nil, a.logger)
	return recovery.NewEngine(a.ledger, registry, a.db, a.policy.RecoveryConfig(), a.logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
