// Package gate decides whether a run's proposed item set may be admitted
// given the locked holdout set.
package gate

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/squiggle/internal/canon"
)

// #region guard
// Guard evaluates proposals against a holdout set. It has no state and no I/O.
type Guard struct{}

// NewGuard creates a guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Evaluate runs the hard veto pass. Holdout overlap is only checked for
// non-holdout splits, and every overlapping id is reported.
func (g *Guard) Evaluate(p Proposal, holdout map[string]struct{}) Decision {
	items := canon.SortedUnique(p.Items)
	var vetoes []VetoSignal

	if p.RunID == "" {
		vetoes = append(vetoes, VetoSignal{Type: VetoMissingRun, Reason: "proposal has no run id"})
	}
	if _, err := ParseSplit(string(p.Split)); err != nil {
		vetoes = append(vetoes, VetoSignal{Type: VetoUnknownSplit, Reason: err.Error()})
	}
	if len(items) == 0 {
		vetoes = append(vetoes, VetoSignal{Type: VetoEmptyProposal, Reason: "proposal has no items"})
	}

	var offending []string
	if p.Split != SplitHoldout {
		for _, id := range items {
			if _, ok := holdout[id]; ok {
				offending = append(offending, id)
				vetoes = append(vetoes, VetoSignal{
					Type:   VetoHoldoutOverlap,
					ItemID: id,
					Reason: fmt.Sprintf("item %s is in the locked holdout set", id),
				})
			}
		}
	}

	if len(vetoes) > 0 {
		reason := fmt.Sprintf("hard veto: %s", vetoes[0].Reason)
		if len(offending) > 0 {
			reason = fmt.Sprintf("hard veto: %d holdout items in %s proposal: %s", len(offending), p.Split, strings.Join(offending, ", "))
		}
		return Decision{
			Action:      "reject",
			Reason:      reason,
			Vetoed:      true,
			VetoSignals: vetoes,
			Offending:   offending,
			ItemCount:   len(items),
		}
	}

	return Decision{
		Action:    "admit",
		Reason:    fmt.Sprintf("passed guard: %d items, split=%s", len(items), p.Split),
		ItemCount: len(items),
	}
}

// #endregion guard
