// Package align groups candidate events that repeat across seeds of a cohort.
package align

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/score"
)

// #region types

// ScoredEvent is a candidate with its score record.
type ScoredEvent struct {
	Event  detect.CandidateEvent
	Record score.Record
}

// Run is one completed training run of a cohort.
type Run struct {
	RunID      string
	Seed       int64
	TotalSteps int64
	Events     []ScoredEvent
}

// FailedRun is an expected run that will not arrive.
type FailedRun struct {
	RunID  string
	Reason string
}

// Cohort is the input to alignment.
type Cohort struct {
	ID       string
	Expected []string
	Runs     []Run
	Failed   []FailedRun
}

// Member is one event placed on the normalised time axis.
type Member struct {
	RunID   string     `json:"run_id"`
	EventID string     `json:"event_id"`
	Window  [2]float64 `json:"window"`
}

// Family is a set of events that co-occur across at least two runs.
type Family struct {
	FamilyID    string     `json:"family_id"`
	CohortID    string     `json:"cohort_id"`
	Metric      string     `json:"metric"`
	Layer       string     `json:"layer"`
	Window      [2]float64 `json:"window"`
	Members     []Member   `json:"members"`
	RepeatCount int        `json:"repeat_count"`
	Structural  bool       `json:"structural"`
}

// Status is the completeness of an alignment pass.
type Status string

const (
	StatusComplete           Status = "complete"
	StatusInsufficientCohort Status = "insufficient_cohort"
)

// Result is the outcome of aligning one cohort.
type Result struct {
	CohortID   string
	Status     Status
	Reason     string
	Families   []Family
	Singletons []Member
	Missing    []FailedRun
	Err        error
}

// FamilyIndex maps every aligned event id to its family id.
func (r Result) FamilyIndex() map[string]string {
	out := make(map[string]string)
	for _, f := range r.Families {
		for _, m := range f.Members {
			out[m.EventID] = f.FamilyID
		}
	}
	return out
}

// #endregion types

// #region config

// Config holds aligner parameters.
type Config struct {
	OverlapTolerance float64 // minimum IoU of normalised windows
	MinRepeat        int     // distinct runs required to form a family
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{OverlapTolerance: 0.5, MinRepeat: 2}
}

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid aligner config")

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if !(c.OverlapTolerance > 0 && c.OverlapTolerance <= 1) {
		return fmt.Errorf("%w: overlap tolerance %v outside (0, 1]", ErrInvalidConfig, c.OverlapTolerance)
	}
	if c.MinRepeat < 2 {
		return fmt.Errorf("%w: min repeat %d < 2", ErrInvalidConfig, c.MinRepeat)
	}
	return nil
}

// #endregion config

// #region errors

var (
	ErrUnexpectedRun = errors.New("run not expected in cohort")
	ErrDuplicateRun  = errors.New("run already reported")
	ErrInvalidRun    = errors.New("invalid run")
)

// InsufficientCohortError means too few runs completed for alignment.
type InsufficientCohortError struct {
	CohortID  string
	Completed int
	Expected  int
}

func (e *InsufficientCohortError) Error() string {
	return fmt.Sprintf("insufficient cohort %s: %d of %d runs completed", e.CohortID, e.Completed, e.Expected)
}

// #endregion errors
