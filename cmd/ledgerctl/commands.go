package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/account-ledger/app"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/reconcile"
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(movementsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(sweepCmd)

	movementsCmd.Flags().Bool("deleted", false, "Include soft-deleted movements")
	replayCmd.Flags().Bool("apply", false, "Write corrected snapshots and balance cache")
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── accounts ───────────────────────────────────────────────────────────────

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List accounts with their cached balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			accounts, err := a.Service.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), accounts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCUSTOMER\tBALANCE\tCREDIT POOL\tAVAILABLE")
			for _, acct := range accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", acct.ID, acct.CustomerID,
					money(acct.CurrentBalance), money(acct.AccumulatedCredit), money(acct.AvailableCredit()))
			}
			return tw.Flush()
		})
	},
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			b, err := a.Service.GetBalance(cmd.Context(), ledger.AccountID(args[0]))
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), b)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account:          %s\n", b.AccountID)
			fmt.Fprintf(out, "Customer:         %s\n", b.CustomerID)
			fmt.Fprintf(out, "Balance:          %s\n", money(b.CurrentBalance))
			fmt.Fprintf(out, "Credit pool:      %s\n", money(b.AccumulatedCredit))
			fmt.Fprintf(out, "Available credit: %s\n", money(b.AvailableCredit))
			if b.CreditLimit != nil {
				fmt.Fprintf(out, "Credit limit:     %s", money(*b.CreditLimit))
				if b.OverLimit {
					fmt.Fprint(out, " (over limit)")
				}
				fmt.Fprintln(out)
			}
			return nil
		})
	},
}

// ─── movements ──────────────────────────────────────────────────────────────

var movementsCmd = &cobra.Command{
	Use:   "movements ACCOUNT_ID",
	Short: "List an account's movements in ledger order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, _ := cmd.Flags().GetBool("deleted")
		return withApp(cmd, func(a *app.App) error {
			ms, err := a.Service.Movements(cmd.Context(), ledger.AccountID(args[0]), deleted)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), ms)
			}
			return printMovements(cmd.OutOrStdout(), ms)
		})
	},
}

func printMovements(w io.Writer, ms []ledger.Movement) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tKIND\tAMOUNT\tBEFORE\tAFTER\tSALE\t")
	for _, m := range ms {
		flag := ""
		if m.DeletedAt != nil {
			flag = "deleted"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.MovementDate.Format("2006-01-02"),
			m.Kind, money(m.Amount), money(m.BalanceBefore), money(m.BalanceAfter), m.SaleRef, flag)
	}
	return tw.Flush()
}

// ─── replay ─────────────────────────────────────────────────────────────────

var replayCmd = &cobra.Command{
	Use:   "replay ACCOUNT_ID",
	Short: "Recompute an account's ledger from its movements",
	Long: `Recompute balance snapshots, the running balance and the credit pool from
the account's live movements. Without --apply the result is only printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")
		return withApp(cmd, func(a *app.App) error {
			out, err := a.Service.Replay(cmd.Context(), ledger.AccountID(args[0]), apply)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			if err := printMovements(w, out.Replay.Movements); err != nil {
				return err
			}
			fmt.Fprintf(w, "\nFinal balance: %s  Credit pool: %s\n",
				money(out.Replay.FinalBalance), money(out.Replay.AccumulatedCredit))
			if len(out.Corrections) == 0 {
				fmt.Fprintln(w, "Ledger is consistent.")
				return nil
			}
			verb := "Would correct"
			if out.Applied {
				verb = "Corrected"
			}
			fmt.Fprintf(w, "%s %d field(s):\n", verb, len(out.Corrections))
			for _, c := range out.Corrections {
				fmt.Fprintf(w, "  - %s\n", c)
			}
			return nil
		})
	},
}

// ─── reconcile / diagnose ───────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile ACCOUNT_ID",
	Short: "Repair the ledger and allocate unassigned credit to pending sales",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			report, err := a.Service.Reconcile(cmd.Context(), ledger.AccountID(args[0]))
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		})
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose ACCOUNT_ID",
	Short: "Report what reconcile would do without writing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			report, err := a.Service.Diagnose(cmd.Context(), ledger.AccountID(args[0]))
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		})
	},
}

func printReport(cmd *cobra.Command, r reconcile.Report) error {
	if asJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), r)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Account:     %s\n", r.AccountID)
	fmt.Fprintf(w, "State:       %s -> %s\n", r.PriorState, r.CorrectedState)
	fmt.Fprintf(w, "Unallocated: %s\n", money(r.Unallocated))
	if r.DryRun {
		fmt.Fprintln(w, "Mode:        dry run")
	}
	if r.Partial {
		fmt.Fprintln(w, "Partial:     yes (interrupted, run again to finish)")
	}
	for _, c := range r.Corrections {
		fmt.Fprintf(w, "Correction:  %s\n", c)
	}
	if len(r.Allocations) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSALE\tPENDING BEFORE\tAPPLIED\tSTATUS")
	for _, al := range r.Allocations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", al.SaleID, money(al.Pending), money(al.Amount), al.Status)
	}
	return tw.Flush()
}

// ─── runs ───────────────────────────────────────────────────────────────────

var runsCmd = &cobra.Command{
	Use:   "runs ACCOUNT_ID",
	Short: "List recent reconciliation runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(a *app.App) error {
			runs, err := a.Service.Reconciliations(cmd.Context(), ledger.AccountID(args[0]), limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tAT\tPRIOR\tCORRECTED\tSALES\tPARTIAL")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"),
					run.Report.PriorState, run.Report.CorrectedState, run.Report.SalesTouched, run.Report.Partial)
			}
			return tw.Flush()
		})
	},
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile every account once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			res, err := a.Service.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accounts: %d  Reconciled: %d  Corrected: %d  Failed: %d  Sales touched: %d  (%s)\n",
				res.Accounts, res.Reconciled, res.Corrected, res.Failed, res.SalesTouched, res.Duration)
			if res.Failed > 0 {
				return fmt.Errorf("%d account(s) failed to reconcile", res.Failed)
			}
			return nil
		})
	},
}
