// Package aggregate writes the canonical per-experiment output tables and the
// manifest that fingerprints them.
package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/squiggle/internal/detect"
)

// #region constants
const (
	// SchemaVersion is written into every manifest; the major part must match an
	// existing manifest before it is overwritten.
	SchemaVersion = "probe_summary@1.0"

	ProbeSummariesTable = "probe_summaries"
	EventsTable         = "probe_events_candidates"
	ManifestFile        = "manifest.json"

	lockFileName = ".aggregate.lock"
)

// #endregion constants

// #region rows
// ProbeSummary is one row of probe_summaries.
type ProbeSummary struct {
	RunID   string  `json:"run_id" validate:"required"`
	Seed    int64   `json:"seed"`
	Split   string  `json:"split" validate:"required,oneof=train probe_fixed probe_extended holdout"`
	ProbeID string  `json:"probe_id" validate:"required"`
	Metric  string  `json:"metric" validate:"required"`
	Value   float64 `json:"value" validate:"finite"`
	Step    int64   `json:"step" validate:"gte=0"`
}

// EventRow is one row of probe_events_candidates. FamilyID is null until the
// event joins a family; Diagnostics is set for composite events only.
type EventRow struct {
	EventID        string                `json:"event_id" validate:"required,uuid"`
	RunID          string                `json:"run_id" validate:"required"`
	Metric         string                `json:"metric" validate:"required"`
	Layer          string                `json:"layer" validate:"required"`
	StepStart      int64                 `json:"step_start" validate:"gte=0"`
	StepEnd        int64                 `json:"step_end" validate:"gtfield=StepStart"`
	Direction      string                `json:"direction" validate:"oneof=up down"`
	Magnitude      float64               `json:"magnitude" validate:"finite,gte=0"`
	MagnitudeScore float64               `json:"magnitude_score" validate:"unit"`
	CoherenceScore float64               `json:"coherence_score" validate:"unit"`
	NoveltyScore   float64               `json:"novelty_score" validate:"unit"`
	DIS            float64               `json:"dis" validate:"unit"`
	FamilyID       *string               `json:"family_id"`
	Diagnostics    []detect.Contribution `json:"diagnostics"`
}

// #endregion rows

// #region input
// Input is one aggregation pass.
type Input struct {
	ExperimentID        string
	ProbeSummaries      []ProbeSummary
	Events              []EventRow
	SourceContentHashes map[string]string // source name -> sha256 of its bytes
	DiagnosticMetrics   []string          // allowed composite diagnostic metric names
	Degraded            []string          // non-empty marks the pass partial
}

// #endregion input

// #region manifest
// Status of an aggregation pass.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// Manifest fingerprints one aggregation pass. It has no wall-clock fields so
// identical inputs give a byte-identical manifest.
type Manifest struct {
	ExperimentID        string            `json:"experiment_id"`
	AnalysisIDHash      string            `json:"analysis_id_hash"`
	SchemaVersion       string            `json:"schema_version"`
	RowCounts           map[string]int    `json:"row_counts"`
	SourceContentHashes map[string]string `json:"source_content_hashes"`
	TableHashes         map[string]string `json:"table_hashes"`
	Status              Status            `json:"status"`
	Reasons             []string          `json:"reasons,omitempty"`
}

// SchemaMajor returns the major version of a "name@major.minor" schema string.
func SchemaMajor(version string) (string, error) {
	name, ver, ok := strings.Cut(version, "@")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed schema version %q", version)
	}
	major, _, ok := strings.Cut(ver, ".")
	if !ok || major == "" {
		return "", fmt.Errorf("malformed schema version %q", version)
	}
	return name + "@" + major, nil
}

// #endregion manifest

// #region errors
var (
	ErrNoManifest          = errors.New("no manifest")
	ErrInvalidExperimentID = errors.New("invalid experiment id")
)

// SchemaError names the first row that failed validation.
type SchemaError struct {
	Table  string
	Row    int    // 0-based index in the input
	Entity string // e.g. "event_id=..." or "run_id=..."
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s row %d (%s): field %s: %s", e.Table, e.Row, e.Entity, e.Field, e.Reason)
}

// SchemaMismatchError reports an existing manifest written under another schema major.
type SchemaMismatchError struct {
	Dir   string
	Found string
	Want  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch in %s: found %s, want %s", e.Dir, e.Found, e.Want)
}

// WriteConflictError reports that the experiment lock stayed contended.
type WriteConflictError struct {
	ExperimentID string
	Attempts     int
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on experiment %s: lock held after %d attempts", e.ExperimentID, e.Attempts)
}

// #endregion errors
