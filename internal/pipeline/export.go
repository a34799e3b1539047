package pipeline

import (
	"fmt"
	"os"

	"github.com/danielpatrickdp/squiggle/internal/aggregate"
	"github.com/danielpatrickdp/squiggle/internal/align"
	"github.com/danielpatrickdp/squiggle/internal/canon"
)

// #region export
// EventRows flattens every scored event into output rows, attaching the family
// id of aligned events.
func (r *Result) EventRows() []aggregate.EventRow {
	families := make(map[string]string)
	for _, a := range r.Alignments {
		for id, fam := range a.FamilyIndex() {
			families[id] = fam
		}
	}
	var rows []aggregate.EventRow
	for _, rep := range r.Reports {
		for _, se := range rep.Events {
			rows = append(rows, eventRow(se, families))
		}
	}
	return rows
}

func eventRow(se align.ScoredEvent, families map[string]string) aggregate.EventRow {
	ev, rec := se.Event, se.Record
	row := aggregate.EventRow{
		EventID:        ev.EventID,
		RunID:          ev.RunID,
		Metric:         ev.Metric,
		Layer:          ev.Layer,
		StepStart:      ev.StepStart,
		StepEnd:        ev.StepEnd,
		Direction:      string(ev.Direction),
		Magnitude:      ev.Magnitude,
		MagnitudeScore: rec.MagnitudeScore,
		CoherenceScore: rec.CoherenceScore,
		NoveltyScore:   rec.NoveltyScore,
		DIS:            rec.DIS,
		Diagnostics:    ev.Diagnostics,
	}
	if fam, ok := families[ev.EventID]; ok {
		row.FamilyID = &fam
	}
	return row
}

// Degraded lists why the pass is partial: cohorts that did not complete and runs
// with rejected series or events.
func (r *Result) Degraded() []string {
	var out []string
	for _, a := range r.Alignments {
		if a.Status != align.StatusComplete {
			out = append(out, fmt.Sprintf("cohort %s: %s", a.CohortID, a.Reason))
		}
	}
	for _, rep := range r.Reports {
		if n := len(rep.SeriesErrors); n > 0 {
			out = append(out, fmt.Sprintf("run %s: %d series rejected", rep.RunID, n))
		}
		if n := len(rep.EventErrors); n > 0 {
			out = append(out, fmt.Sprintf("run %s: %d events rejected", rep.RunID, n))
		}
	}
	return out
}

// AggregateInput assembles the writer input for this result.
func (r *Result) AggregateInput(plan *Plan, probes []aggregate.ProbeSummary, sources map[string]string) aggregate.Input {
	return aggregate.Input{
		ExperimentID:        r.ExperimentID,
		ProbeSummaries:      probes,
		Events:              r.EventRows(),
		SourceContentHashes: sources,
		DiagnosticMetrics:   plan.DiagnosticMetrics(),
		Degraded:            r.Degraded(),
	}
}

// HashSources returns the sha256 of every telemetry and probe file named by the
// plan, keyed by the name used in the plan.
func HashSources(plan *Plan) (map[string]string, error) {
	out := make(map[string]string)
	names := append(append([]string(nil), plan.Sources...), plan.ProbeSummaries...)
	for _, name := range names {
		data, err := os.ReadFile(plan.Resolve(name))
		if err != nil {
			return nil, fmt.Errorf("hash source %s: %w", name, err)
		}
		out[name] = canon.SHA256Hex(data)
	}
	return out, nil
}

// LoadProbes reads every probe summary file of the plan.
func LoadProbes(plan *Plan) ([]aggregate.ProbeSummary, error) {
	var out []aggregate.ProbeSummary
	for _, name := range plan.ProbeSummaries {
		rows, err := aggregate.LoadProbeSummaries(plan.Resolve(name))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// #endregion export
