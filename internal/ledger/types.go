package ledger

import (
	"context"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/gate"
)

// #region records
// ProblemRecord is a registered problem. It never changes after registration.
type ProblemRecord struct {
	ItemID      string
	ContentHash string
	FamilyID    string
	Confidence  float64
	CreatedAt   time.Time
}

// UsageRecord is one append-only usage assignment.
type UsageRecord struct {
	ItemID     string
	RunID      string
	Split      gate.Split
	AssignedAt time.Time
}

// HoldoutLock describes the locked holdout set.
type HoldoutLock struct {
	LockedHash string
	ItemCount  int
	LockedAt   time.Time
}

// Admission records a successful contamination check for one run and split.
type Admission struct {
	RunID        string
	Split        gate.Split
	ProposalHash string
	ItemCount    int
	AdmittedAt   time.Time
}

// #endregion records

// #region classifier
// Classification is the family assignment supplied by an external classifier.
type Classification struct {
	FamilyID   string  `yaml:"family_id" json:"family_id"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// Classifier assigns a problem family at first registration.
type Classifier interface {
	Classify(ctx context.Context, rec ProblemRecord) (Classification, error)
}

// #endregion classifier
