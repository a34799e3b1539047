package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/squiggle/internal/gate"
)

var (
	ErrHoldoutLocked    = errors.New("holdout already locked with a different set")
	ErrHoldoutNotLocked = errors.New("holdout set is not locked")
	ErrRunNotAdmitted   = errors.New("run not admitted for split")
	ErrEmptyHoldout     = errors.New("holdout set is empty")
	ErrInvalidInput     = errors.New("invalid ledger input")

	errVersionConflict = errors.New("ledger version changed")
)

// ContaminationError names every holdout item found in a run's proposal.
type ContaminationError struct {
	RunID string
	Split gate.Split
	Items []string
}

func (e *ContaminationError) Error() string {
	return fmt.Sprintf("contamination: run %s (%s) uses %d holdout items: %s", e.RunID, e.Split, len(e.Items), strings.Join(e.Items, ", "))
}

// ProvenanceError reports a registration that conflicts with the recorded content.
type ProvenanceError struct {
	ItemID   string
	Recorded string
	Offered  string
}

func (e *ProvenanceError) Error() string {
	return fmt.Sprintf("provenance conflict for %s: recorded hash %s, offered %s", e.ItemID, e.Recorded, e.Offered)
}

// UnknownItemsError lists items referenced before registration.
type UnknownItemsError struct {
	Items []string
}

func (e *UnknownItemsError) Error() string {
	return fmt.Sprintf("%d unregistered items: %s", len(e.Items), strings.Join(e.Items, ", "))
}
