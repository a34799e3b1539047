package gate

import "fmt"

// #region split
// Split is the role a problem plays in a run.
type Split string

const (
	SplitTrain         Split = "train"
	SplitProbeFixed    Split = "probe_fixed"
	SplitProbeExtended Split = "probe_extended"
	SplitHoldout       Split = "holdout"
)

// ParseSplit validates a split name.
func ParseSplit(s string) (Split, error) {
	switch sp := Split(s); sp {
	case SplitTrain, SplitProbeFixed, SplitProbeExtended, SplitHoldout:
		return sp, nil
	}
	return "", fmt.Errorf("unknown split %q", s)
}

// #endregion split

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoHoldoutOverlap VetoType = "holdout_overlap"
	VetoUnknownSplit   VetoType = "unknown_split"
	VetoMissingRun     VetoType = "missing_run"
	VetoEmptyProposal  VetoType = "empty_proposal"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	ItemID string // set for holdout overlap
	Reason string
}

// #endregion veto-signal

// #region proposal
// Proposal is the item set a run intends to use under one split.
type Proposal struct {
	RunID string
	Split Split
	Items []string
}

// #endregion proposal

// #region decision
// Decision is the output of the guard evaluation.
type Decision struct {
	Action      string // "admit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	Offending   []string     // sorted holdout ids found in the proposal
	ItemCount   int          // distinct proposal items
}

// #endregion decision
