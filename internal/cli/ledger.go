package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/ledger"
	"github.com/danielpatrickdp/squiggle/internal/slice"
)

// #region register
func newRegisterCmd(a *app) *cobra.Command {
	var (
		itemID      string
		contentHash string
		classifier  string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register one problem with the hash of its content",
		Long: `Register a problem in the usage ledger. Registering the same hash again is
a no-op; a different hash for a known id is refused with exit code 1.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger(classifier)
			if err != nil {
				return err
			}
			defer l.Close()

			rec, err := l.Register(cmd.Context(), itemID, contentHash)
			if err != nil {
				return ledgerExit(fmt.Errorf("register %s: %w", itemID, err))
			}
			family := rec.FamilyID
			if family == "" {
				family = "-"
			}
			fmt.Fprintf(a.stdout, "registered %s (family %s)\n", rec.ItemID, family)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "item-id", "", "problem identifier")
	cmd.Flags().StringVar(&contentHash, "content-hash", "", "sha256 of the canonical problem content")
	cmd.Flags().StringVar(&classifier, "classifier", "", "static family classifier (YAML or JSON)")
	_ = cmd.MarkFlagRequired("item-id")
	_ = cmd.MarkFlagRequired("content-hash")
	return cmd
}

func newRegisterSliceCmd(a *app) *cobra.Command {
	var classifier string
	cmd := &cobra.Command{
		Use:   "register-slice <slice-dir>",
		Short: "Verify a candidate-pool slice and register all of its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := slice.Load(args[0])
			if err != nil {
				return err
			}
			l, err := a.openLedger(classifier)
			if err != nil {
				return err
			}
			defer l.Close()

			res, err := s.Register(cmd.Context(), l)
			if err != nil {
				return ledgerExit(err)
			}
			fmt.Fprintf(a.stdout, "slice %s: %d added, %d already registered\n", s.Manifest.SliceID, res.Added, res.Existing)
			return nil
		},
	}
	cmd.Flags().StringVar(&classifier, "classifier", "", "static family classifier (YAML or JSON)")
	return cmd
}

// #endregion register

// #region holdout
func newLockHoldoutCmd(a *app) *cobra.Command {
	var (
		itemsFile string
		sliceDir  string
	)
	cmd := &cobra.Command{
		Use:   "lock-holdout [item-id...]",
		Short: "Lock the holdout set",
		Long: `Lock the holdout set. Items come from the arguments, --items-file or a
verified slice. Locking the same set again is a no-op; a different set is
refused with exit code 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(args, itemsFile)
			if err != nil {
				return err
			}
			if sliceDir != "" {
				s, err := slice.Load(sliceDir)
				if err != nil {
					return err
				}
				items = append(items, s.ItemIDs()...)
			}
			l, err := a.openLedger("")
			if err != nil {
				return err
			}
			defer l.Close()

			lock, err := l.LockHoldout(cmd.Context(), items)
			if err != nil {
				return ledgerExit(fmt.Errorf("lock holdout: %w", err))
			}
			fmt.Fprintf(a.stdout, "holdout locked: %d items (hash %s)\n", lock.ItemCount, lock.LockedHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "file with one item id per line")
	cmd.Flags().StringVar(&sliceDir, "slice", "", "lock every item of this slice")
	return cmd
}

// #endregion holdout

// #region usage
func newAppendUsageCmd(a *app) *cobra.Command {
	var (
		runID     string
		split     string
		itemsFile string
	)
	cmd := &cobra.Command{
		Use:   "append-usage [item-id...]",
		Short: "Record that an admitted run used items for a split",
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

			recs, err := l.AppendBatch(cmd.Context(), runID, split, items)
			if err != nil {
				return ledgerExit(fmt.Errorf("append usage for %s: %w", runID, err))
			}
			fmt.Fprintf(a.stdout, "appended %d usage records for run %s (%s)\n", len(recs), runID, split)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier")
	cmd.Flags().StringVar(&split, "split", "", "split the items were used for")
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "file with one item id per line")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("split")
	return cmd
}

// #endregion usage

// #region helpers
// ledgerExit maps refusals that depend on recorded ledger state to exit code 1.
func ledgerExit(err error) error {
	var pe *ledger.ProvenanceError
	var ce *ledger.ContaminationError
	switch {
	case errors.As(err, &pe), errors.As(err, &ce),
		errors.Is(err, ledger.ErrHoldoutLocked), errors.Is(err, ledger.ErrRunNotAdmitted):
		return rejected(err)
	}
	return err
}

// readItems joins positional ids with the ids in path, one per line. Blank
// lines and lines starting with # are skipped.
func readItems(args []string, path string) ([]string, error) {
	items := append([]string(nil), args...)
	if path == "" {
		return items, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	return items, nil
}

// #endregion helpers
