package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/aggregate"
	"github.com/danielpatrickdp/squiggle/internal/logging"
)

func newInspectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show aggregation manifests and ledger state",
	}
	cmd.AddCommand(
		newInspectManifestCmd(a),
		newInspectVerifyCmd(a),
		newInspectUsageCmd(a),
		newInspectDecisionsCmd(a),
		newInspectHoldoutCmd(a),
	)
	return cmd
}

// #region manifest
func newInspectManifestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <experiment-dir>",
		Short: "Print the last manifest written for an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m, err := aggregate.ReadManifest(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}
			fmt.Fprintln(a.stdout, string(data))
			return nil
		},
	}
}

func newInspectVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <experiment-dir>",
		Short: "Check the written tables against their manifest (exit 1 on mismatch)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := aggregate.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%-40s| %-5s| %s\n", "Check", "Pass", "Detail")
			fmt.Fprintf(a.stdout, "%-40s+%-6s+%s\n", "----------------------------------------", "------", "------")
			for _, c := range res.Checks {
				pass := "OK"
				if !c.Pass {
					pass = "FAIL"
				}
				fmt.Fprintf(a.stdout, "%-40s| %-5s| %s\n", c.Name, pass, c.Detail)
			}
			fmt.Fprintf(a.stdout, "\n%s\n", res.Reason)
			if !res.Passed {
				return rejected(nil)
			}
			return nil
		},
	}
}

// #endregion manifest

// #region usage
func newInspectUsageCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List the admissions and usage records of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger("")
			if err != nil {
				return err
			}
			defer l.Close()

			adms, err := l.Admissions(cmd.Context(), runID)
			if err != nil {
				return err
			}
			recs, err := l.Usage(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(adms) == 0 && len(recs) == 0 {
				fmt.Fprintf(a.stderr, "no ledger entries for run %s\n", runID)
				return nil
			}
			for _, ad := range adms {
				fmt.Fprintf(a.stdout, "admitted  %-12s %4d items  %s  %s\n",
					ad.Split, ad.ItemCount, ad.ProposalHash, ad.AdmittedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(a.stdout, "%-32s| %-12s| %s\n", "Item", "Split", "Assigned")
			fmt.Fprintf(a.stdout, "%-32s+%-13s+%s\n", "--------------------------------", "-------------", "--------------------")
			for _, r := range recs {
				fmt.Fprintf(a.stdout, "%-32s| %-12s| %s\n", r.ItemID, r.Split, r.AssignedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// #endregion usage

// #region decisions
func newInspectDecisionsCmd(a *app) *cobra.Command {
	var (
		runID string
		last  int
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List contamination decisions from the provenance log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger("")
			if err != nil {
				return err
			}
			defer l.Close()

			entries, err := logging.ListDecisions(cmd.Context(), l.DB(), runID, last)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stderr, "no decisions found")
				return nil
			}
			fmt.Fprintf(a.stdout, "%-20s| %-14s| %-12s| %-8s| %s\n", "Run", "Trigger", "Split", "Decision", "Reason")
			fmt.Fprintf(a.stdout, "%-20s+%-15s+%-13s+%-9s+%s\n",
				"--------------------", "---------------", "-------------", "---------", "------")
			for _, e := range entries {
				run := e.RunID
				if run == "" {
					run = "-"
				}
				fmt.Fprintf(a.stdout, "%-20s| %-14s| %-12s| %-8s| %s\n", run, e.TriggerType, e.Split, e.Decision, e.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "only this run (default all)")
	cmd.Flags().IntVar(&last, "last", 20, "show the N most recent decisions")
	return cmd
}

// #endregion decisions

// #region holdout
func newInspectHoldoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "holdout",
		Short: "Show the locked holdout set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger("")
			if err != nil {
				return err
			}
			defer l.Close()

			lock, items, err := l.Holdout(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "locked %s: %d items (hash %s)\n", lock.LockedAt.Format(time.RFC3339), lock.ItemCount, lock.LockedHash)
			for _, id := range items {
				fmt.Fprintln(a.stdout, id)
			}
			return nil
		},
	}
}

// #endregion holdout
