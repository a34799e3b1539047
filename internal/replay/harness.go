// Package replay reruns detection and scoring over a recorded fixture and
// compares the outcome with the recorded expectations, exactly.
package replay

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/pipeline"
	"github.com/danielpatrickdp/squiggle/internal/score"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region types
// ReplayConfig bundles detector and scorer configs for a replay run.
type ReplayConfig struct {
	Detect detect.Config
	Score  score.Config
}

// DefaultReplayConfig returns the package defaults for both stages.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{Detect: detect.DefaultConfig(), Score: score.DefaultConfig()}
}

// ReplayResult is one scored event produced by a replay.
type ReplayResult struct {
	Event  detect.CandidateEvent
	Record score.Record
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalRuns    int
	Events       int
	Up           int
	Down         int
	SeriesErrors int
	EventErrors  int
}

// #endregion types

// #region replay
// Replay analyses every run of the series in run-id order and returns the scored
// events sorted by (run, start, metric, layer, event id).
func Replay(ctx context.Context, series []telemetry.MetricSeries, weights []detect.Weight, config ReplayConfig) ([]ReplayResult, ReplaySummary, error) {
	opts := pipeline.DefaultOptions()
	opts.Detect, opts.Score = config.Detect, config.Score
	opts.Workers = 1
	opts.Logger = logging.Nop()
	p, err := pipeline.New(opts)
	if err != nil {
		return nil, ReplaySummary{}, err
	}

	byRun := telemetry.ByRun(series)
	runIDs := make([]string, 0, len(byRun))
	for id := range byRun {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)

	var results []ReplayResult
	summary := ReplaySummary{TotalRuns: len(runIDs)}
	for _, id := range runIDs {
		rep := p.AnalyzeRun(ctx, id, byRun[id], weights)
		summary.SeriesErrors += len(rep.SeriesErrors)
		summary.EventErrors += len(rep.EventErrors)
		for _, se := range rep.Events {
			results = append(results, ReplayResult{Event: se.Event, Record: se.Record})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Event, results[j].Event
		switch {
		case a.RunID != b.RunID:
			return a.RunID < b.RunID
		case a.StepStart != b.StepStart:
			return a.StepStart < b.StepStart
		case a.Metric != b.Metric:
			return a.Metric < b.Metric
		case a.Layer != b.Layer:
			return a.Layer < b.Layer
		}
		return a.EventID < b.EventID
	})
	for _, r := range results {
		summary.Events++
		if r.Event.Direction == detect.DirectionUp {
			summary.Up++
		} else {
			summary.Down++
		}
	}
	return results, summary, nil
}

// Expected converts replay results into fixture expectations (record mode).
func Expected(results []ReplayResult) []FixtureExpectedResult {
	out := make([]FixtureExpectedResult, len(results))
	for i, r := range results {
		out[i] = FixtureExpectedResult{
			EventID:        r.Event.EventID,
			RunID:          r.Event.RunID,
			Metric:         r.Event.Metric,
			Layer:          r.Event.Layer,
			StepStart:      r.Event.StepStart,
			StepEnd:        r.Event.StepEnd,
			MagnitudeScore: r.Record.MagnitudeScore,
			CoherenceScore: r.Record.CoherenceScore,
			NoveltyScore:   r.Record.NoveltyScore,
			DIS:            r.Record.DIS,
		}
	}
	return out
}

// #endregion replay

// #region compare
// Mismatch is one divergence between a replay and its expectations.
type Mismatch struct {
	Index    int
	EventID  string
	Field    string
	Expected string
	Actual   string
}

// Compare matches results against expectations position by position. Ids and
// scores must be identical, not merely close.
func Compare(results []ReplayResult, expected []FixtureExpectedResult) []Mismatch {
	actual := Expected(results)
	var out []Mismatch
	n := max(len(actual), len(expected))
	for i := range n {
		if i >= len(actual) {
			out = append(out, Mismatch{Index: i, EventID: expected[i].EventID, Field: "event", Expected: "present", Actual: "missing"})
			continue
		}
		if i >= len(expected) {
			out = append(out, Mismatch{Index: i, EventID: actual[i].EventID, Field: "event", Expected: "missing", Actual: "present"})
			continue
		}
		e, a := expected[i], actual[i]
		check := func(field, ev, av string) {
			if ev != av {
				out = append(out, Mismatch{Index: i, EventID: e.EventID, Field: field, Expected: ev, Actual: av})
			}
		}
		check("event_id", e.EventID, a.EventID)
		check("step_start", fmt.Sprint(e.StepStart), fmt.Sprint(a.StepStart))
		check("step_end", fmt.Sprint(e.StepEnd), fmt.Sprint(a.StepEnd))
		check("magnitude_score", bits(e.MagnitudeScore), bits(a.MagnitudeScore))
		check("coherence_score", bits(e.CoherenceScore), bits(a.CoherenceScore))
		check("novelty_score", bits(e.NoveltyScore), bits(a.NoveltyScore))
		check("dis", bits(e.DIS), bits(a.DIS))
	}
	return out
}

// bits renders a float so that any bit difference shows.
func bits(f float64) string {
	return fmt.Sprintf("%v (%#016x)", f, math.Float64bits(f))
}

// PrintComparison writes a comparison table and returns the number of diverging
// events.
func PrintComparison(w io.Writer, results []ReplayResult, expected []FixtureExpectedResult) int {
	mismatches := Compare(results, expected)
	byIndex := make(map[int]bool, len(mismatches))
	for _, m := range mismatches {
		byIndex[m.Index] = true
	}

	fmt.Fprintf(w, "%-38s| %-10s| %-22s| %s\n", "Event", "Run", "DIS", "Match")
	fmt.Fprintf(w, "%-38s+%-11s+%-23s+%s\n",
		"--------------------------------------", "-----------", "-----------------------", "------")
	total := max(len(results), len(expected))
	for i := range total {
		id, run, dis := "-", "-", "-"
		if i < len(results) {
			id, run, dis = results[i].Event.EventID, results[i].Event.RunID, fmt.Sprintf("%.6f", results[i].Record.DIS)
		} else if i < len(expected) {
			id, run = expected[i].EventID, expected[i].RunID
		}
		match := "OK"
		if byIndex[i] {
			match = "DIFF"
		}
		fmt.Fprintf(w, "%-38s| %-10s| %-22s| %s\n", id, run, dis, match)
	}
	for _, m := range mismatches {
		fmt.Fprintf(w, "  #%d %s %s: expected %s, got %s\n", m.Index, m.EventID, m.Field, m.Expected, m.Actual)
	}
	diverge := len(byIndex)
	fmt.Fprintf(w, "\nSummary: %d total, %d match, %d diverge\n", total, total-diverge, diverge)
	return diverge
}

// #endregion compare
