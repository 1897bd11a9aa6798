// Command ledgerctl runs ledger maintenance against the service database:
// inspecting balances, replaying an account, and reconciling on demand.
package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/account-ledger/app"
	"github.com/warp/account-ledger/config"
	"github.com/warp/account-ledger/ledger"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the current-account ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.PersistentFlags().Bool("json", false, "Print JSON instead of text")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log ledger activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openApp loads configuration, applies flag overrides and wires the
// components. The sweeper is never started from the CLI.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}

	log := zap.NewNop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	return app.New(cfg, log)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.Scale)
}
