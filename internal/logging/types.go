package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	RunID        string
	Split        string
	TriggerType  string // "validate" | "lock_holdout"
	ProposalHash string
	EvidenceJSON string
	Decision     string // "admit" | "reject" | "no_op"
	Reason       string
	CreatedAt    time.Time
}

// #endregion provenance-entry

// #region validation-record
// ValidationRecord captures the full guard evaluation for one proposal.
// Serialized as JSON into provenance_log.evidence_json for audit.
type ValidationRecord struct {
	RunID       string   `json:"run_id"`
	Split       string   `json:"split"`
	ItemCount   int      `json:"item_count"`
	HoldoutHash string   `json:"holdout_hash"`
	Offending   []string `json:"offending,omitempty"`
	VetoTypes   []string `json:"veto_types,omitempty"`

	// Guard output
	Action string `json:"action"`
	Vetoed bool   `json:"vetoed"`
	Reason string `json:"reason"`
}

// #endregion validation-record
