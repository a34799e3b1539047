package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/ledger"
)

func newValidateCmd(a *app) *cobra.Command {
	var (
		runID     string
		split     string
		itemsFile string
	)
	cmd := &cobra.Command{
		Use:   "validate-contamination [item-id...]",
		Short: "Check a run's proposed items against the locked holdout set",
		Long: `Check the items a run proposes to use for a split against the locked
holdout set. Admitted proposals are recorded so usage can be appended.

Exit codes: 0 admitted, 1 contaminated (offending ids on stderr), 2 error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(args, itemsFile)
			if err != nil {
				return err
			}
			l, err := a.openLedger("")
			if err != nil {
				return err
			}
			defer l.Close()

			adm, err := l.Validate(cmd.Context(), runID, items, split)
			var ce *ledger.ContaminationError
			if errors.As(err, &ce) {
				for _, id := range ce.Items {
					fmt.Fprintln(a.stderr, id)
				}
				return rejected(err)
			}
			if err != nil {
				return fmt.Errorf("validate run %s: %w", runID, err)
			}
			fmt.Fprintf(a.stdout, "admitted run %s for %s: %d items (proposal %s)\n", adm.RunID, adm.Split, adm.ItemCount, adm.ProposalHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier")
	cmd.Flags().StringVar(&split, "split", "", "split the items are proposed for")
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "file with one item id per line")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("split")
	return cmd
}
