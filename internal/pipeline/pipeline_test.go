package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/aggregate"
	"github.com/danielpatrickdp/squiggle/internal/align"
	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region helpers
func stepSeries(runID, metric string, seed uint64, n, at int, after float64) telemetry.MetricSeries {
	rng := rand.New(rand.NewPCG(seed, 11))
	s := telemetry.MetricSeries{RunID: runID, Layer: "L3", Metric: metric, Points: make([]telemetry.Point, n)}
	for i := range n {
		v := 0.0
		if i >= at {
			v = after
		}
		s.Points[i] = telemetry.Point{Step: int64(i), Value: v + (rng.Float64()-0.5)*0.2}
	}
	return s
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = logging.Nop()
	opts.CohortTimeout = 5 * time.Second
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func cohortPlan(runs ...string) *Plan {
	c := CohortPlan{ID: "c1"}
	for i, r := range runs {
		c.Runs = append(c.Runs, RunPlan{RunID: r, Seed: int64(i + 1)})
	}
	return &Plan{ExperimentID: "exp-1", Cohorts: []CohortPlan{c}, Sources: []string{"telemetry.jsonl"}}
}

// #endregion helpers

// #region analyze-run-tests
func TestAnalyzeRun_ScoresEvents(t *testing.T) {
	p := testPipeline(t)
	rep := p.AnalyzeRun(context.Background(), "run-a", []telemetry.MetricSeries{stepSeries("run-a", "loss", 1, 400, 200, 5)}, nil)

	if len(rep.SeriesErrors) != 0 || len(rep.EventErrors) != 0 {
		t.Fatalf("unexpected errors: %v %v", rep.SeriesErrors, rep.EventErrors)
	}
	if len(rep.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rep.Events))
	}
	if rep.TotalSteps != 399 {
		t.Fatalf("expected total steps 399, got %d", rep.TotalSteps)
	}
	rec := rep.Events[0].Record
	if rec.EventID != rep.Events[0].Event.EventID || rec.DIS < 0 || rec.DIS > 1 {
		t.Fatalf("bad record: %+v", rec)
	}
}

func TestAnalyzeRun_MalformedSeriesIsLocal(t *testing.T) {
	p := testPipeline(t)
	bad := stepSeries("run-a", "grad_norm", 2, 100, 50, 5)
	bad.Points[10].Step = 5
	rep := p.AnalyzeRun(context.Background(), "run-a", []telemetry.MetricSeries{
		bad,
		stepSeries("run-a", "loss", 1, 400, 200, 5),
	}, nil)

	if len(rep.SeriesErrors) != 1 {
		t.Fatalf("expected 1 series error, got %v", rep.SeriesErrors)
	}
	var me *detect.MalformedSeriesError
	if !errors.As(rep.SeriesErrors[0], &me) || me.Metric != "grad_norm" {
		t.Fatalf("expected MalformedSeriesError for grad_norm, got %v", rep.SeriesErrors[0])
	}
	if len(rep.Events) != 1 || rep.Events[0].Event.Metric != "loss" {
		t.Fatalf("sibling series should still produce its event, got %+v", rep.Events)
	}
}

func TestAnalyzeRun_ReservedMetricNameIsLocal(t *testing.T) {
	p := testPipeline(t)
	rep := p.AnalyzeRun(context.Background(), "run-a", []telemetry.MetricSeries{
		stepSeries("run-a", telemetry.CompositeMetric, 2, 400, 200, 5),
		stepSeries("run-a", "loss", 1, 400, 200, 5),
	}, nil)

	var me *detect.MalformedSeriesError
	if len(rep.SeriesErrors) != 1 || !errors.As(rep.SeriesErrors[0], &me) || me.Metric != telemetry.CompositeMetric {
		t.Fatalf("expected one MalformedSeriesError for the reserved name, got %v", rep.SeriesErrors)
	}
	if len(rep.Events) != 1 || rep.Events[0].Event.Metric != "loss" {
		t.Fatalf("expected only the loss event, got %+v", rep.Events)
	}
}

func TestAnalyzeRun_Composite(t *testing.T) {
	p := testPipeline(t)
	weights := []detect.Weight{{Metric: "loss", Weight: 1}, {Metric: "grad_norm", Weight: 0.5}}
	rep := p.AnalyzeRun(context.Background(), "run-a", []telemetry.MetricSeries{
		stepSeries("run-a", "loss", 1, 400, 200, 5),
		stepSeries("run-a", "grad_norm", 2, 400, 200, 3),
	}, weights)

	if len(rep.SeriesErrors) != 0 {
		t.Fatalf("unexpected series errors: %v", rep.SeriesErrors)
	}
	var composite *align.ScoredEvent
	for i := range rep.Events {
		if rep.Events[i].Event.Metric == telemetry.CompositeMetric {
			composite = &rep.Events[i]
		}
	}
	if composite == nil {
		t.Fatalf("expected a composite event among %d events", len(rep.Events))
	}
	diags := composite.Event.Diagnostics
	if len(diags) != 2 || diags[0].Metric != "loss" || diags[1].Metric != "grad_norm" {
		t.Fatalf("diagnostics should follow declared weight order, got %+v", diags)
	}
}

func TestAnalyzeRun_CompositeMissingComponent(t *testing.T) {
	p := testPipeline(t)
	weights := []detect.Weight{{Metric: "loss", Weight: 1}, {Metric: "grad_norm", Weight: 1}}
	rep := p.AnalyzeRun(context.Background(), "run-a", []telemetry.MetricSeries{
		stepSeries("run-a", "loss", 1, 400, 200, 5),
	}, weights)

	var me *detect.MalformedSeriesError
	if len(rep.SeriesErrors) != 1 || !errors.As(rep.SeriesErrors[0], &me) || me.Metric != telemetry.CompositeMetric {
		t.Fatalf("expected composite MalformedSeriesError, got %v", rep.SeriesErrors)
	}
	if len(rep.Events) != 1 {
		t.Fatalf("concrete event should survive, got %d", len(rep.Events))
	}
}

// #endregion analyze-run-tests

// #region run-tests
func TestRun_FamilyAcrossSeeds(t *testing.T) {
	p := testPipeline(t)
	src := telemetry.StaticSource{
		stepSeries("run-1", "loss", 1, 400, 200, 5),
		stepSeries("run-2", "loss", 2, 400, 200, 5),
		stepSeries("run-3", "loss", 3, 400, 200, 5),
	}
	res, err := p.Run(context.Background(), cohortPlan("run-1", "run-2", "run-3"), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Alignments) != 1 {
		t.Fatalf("expected one alignment, got %d", len(res.Alignments))
	}
	al := res.Alignments[0]
	if al.Status != align.StatusComplete || len(al.Families) != 1 {
		t.Fatalf("expected one family in a complete cohort, got %+v", al)
	}
	if al.Families[0].RepeatCount != 3 {
		t.Fatalf("expected repeat count 3, got %d", al.Families[0].RepeatCount)
	}

	rows := res.EventRows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.FamilyID == nil || *r.FamilyID != al.Families[0].FamilyID {
			t.Fatalf("row %s missing family id", r.EventID)
		}
	}
	if d := res.Degraded(); len(d) != 0 {
		t.Fatalf("expected no degradation, got %v", d)
	}
}

func TestRun_MissingRunIsPartial(t *testing.T) {
	p := testPipeline(t)
	src := telemetry.StaticSource{
		stepSeries("run-1", "loss", 1, 400, 200, 5),
		stepSeries("run-2", "loss", 2, 400, 200, 5),
		stepSeries("stray", "loss", 9, 400, 200, 5),
	}
	res, err := p.Run(context.Background(), cohortPlan("run-1", "run-2", "run-3"), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	al := res.Alignments[0]
	if al.Status != align.StatusInsufficientCohort {
		t.Fatalf("expected insufficient_cohort, got %s", al.Status)
	}
	if len(al.Families) != 1 {
		t.Fatalf("families should still form from 2 runs, got %d", len(al.Families))
	}
	if len(al.Missing) != 1 || al.Missing[0].RunID != "run-3" || al.Missing[0].Reason != "no telemetry" {
		t.Fatalf("expected run-3 missing with no telemetry, got %+v", al.Missing)
	}
	if len(res.Ignored) != 1 || res.Ignored[0] != "stray" {
		t.Fatalf("expected stray ignored, got %v", res.Ignored)
	}
	d := res.Degraded()
	if len(d) != 1 || !strings.HasPrefix(d[0], "cohort c1:") {
		t.Fatalf("expected cohort degradation reason, got %v", d)
	}
}

func TestRun_SingleRunCohortHasNoFamilies(t *testing.T) {
	p := testPipeline(t)
	src := telemetry.StaticSource{stepSeries("run-1", "loss", 1, 400, 200, 5)}
	res, err := p.Run(context.Background(), cohortPlan("run-1", "run-2"), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	al := res.Alignments[0]
	var ic *align.InsufficientCohortError
	if !errors.As(al.Err, &ic) || len(al.Families) != 0 {
		t.Fatalf("expected InsufficientCohortError and no families, got %+v", al)
	}
	rows := res.EventRows()
	if len(rows) != 1 || rows[0].FamilyID != nil {
		t.Fatalf("expected one unaligned row, got %+v", rows)
	}
}

func TestRun_WritesAggregate(t *testing.T) {
	p := testPipeline(t)
	plan := cohortPlan("run-1", "run-2")
	plan.Composite = []detect.Weight{{Metric: "loss", Weight: 1}, {Metric: "grad_norm", Weight: 1}}
	src := telemetry.StaticSource{
		stepSeries("run-1", "loss", 1, 400, 200, 5),
		stepSeries("run-1", "grad_norm", 4, 400, 200, 5),
		stepSeries("run-2", "loss", 2, 400, 200, 5),
		stepSeries("run-2", "grad_norm", 5, 400, 200, 5),
	}
	res, err := p.Run(context.Background(), plan, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	probes := []aggregate.ProbeSummary{{RunID: "run-1", Seed: 1, Split: "probe_fixed", ProbeID: "p1", Metric: "acc", Value: 0.5, Step: 399}}
	sources := map[string]string{"telemetry.jsonl": strings.Repeat("0", 64)}

	w := aggregate.NewWriter(t.TempDir(), aggregate.WithLogger(logging.Nop()))
	m, err := w.Write(context.Background(), res.AggregateInput(plan, probes, sources))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.RowCounts[aggregate.EventsTable] != len(res.EventRows()) {
		t.Fatalf("row count mismatch: %v", m.RowCounts)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	p := testPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, cohortPlan("run-1", "run-2"), telemetry.StaticSource{})
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestAnalyzeSlot_CancelledRunLeavesCohort(t *testing.T) {
	p := testPipeline(t)
	b := align.NewBarrier("c1", []string{"run-1", "run-2"}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := p.analyzeSlot(ctx, runSlot{run: RunPlan{RunID: "run-2"}, barrier: b}, nil, true, nil)
	if rep.RunID != "run-2" || len(rep.Events) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	c := b.Snapshot()
	if len(c.Expected) != 1 || c.Expected[0] != "run-1" || len(c.Failed) != 0 {
		t.Fatalf("expected run-2 removed from the cohort, got %+v", c)
	}

	live := p.analyzeSlot(context.Background(), runSlot{run: RunPlan{RunID: "run-1", Seed: 1}, barrier: b},
		[]telemetry.MetricSeries{stepSeries("run-1", "loss", 1, 400, 200, 5)}, true, nil)
	if len(live.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(live.Events))
	}
	c, err := b.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(c.Runs) != 1 || c.Runs[0].TotalSteps != 399 {
		t.Fatalf("expected cohort of run-1 only, got %+v", c)
	}
}

// #endregion run-tests

// #region plan-tests
func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	body := `
experiment_id: exp-7
composite:
  - metric: loss
    weight: 1
  - metric: grad_norm
    weight: 0.5
cohorts:
  - id: c1
    runs:
      - run_id: r1
        seed: 1
        total_steps: 1000
      - run_id: r2
        seed: 2
sources:
  - data/telemetry.jsonl
probe_summaries:
  - /abs/probes.jsonl
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if plan.ExperimentID != "exp-7" || len(plan.Cohorts[0].Runs) != 2 || plan.Cohorts[0].Runs[0].TotalSteps != 1000 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if got := plan.SourcePaths()[0]; got != filepath.Join(dir, "data/telemetry.jsonl") {
		t.Fatalf("source not resolved against plan dir: %s", got)
	}
	if got := plan.Resolve(plan.ProbeSummaries[0]); got != "/abs/probes.jsonl" {
		t.Fatalf("absolute path changed: %s", got)
	}
	if dm := plan.DiagnosticMetrics(); len(dm) != 2 || dm[0] != "loss" {
		t.Fatalf("unexpected diagnostic metrics: %v", dm)
	}
}

func TestLoadPlan_Invalid(t *testing.T) {
	cases := map[string]string{
		"duplicate run": `
experiment_id: e
cohorts:
  - id: c1
    runs: [{run_id: r1}]
  - id: c2
    runs: [{run_id: r1}]
sources: [a.jsonl]
`,
		"no cohorts":   "experiment_id: e\nsources: [a.jsonl]\n",
		"zero weights": "experiment_id: e\ncomposite: [{metric: loss, weight: 0}]\ncohorts: [{id: c, runs: [{run_id: r}]}]\nsources: [a]\n",
		"slash id":     "experiment_id: a/b\ncohorts: [{id: c, runs: [{run_id: r}]}]\nsources: [a]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "plan.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadPlan(path); !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte("experiment_id: e\nbogus: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPlan(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestHashSources(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "t.jsonl"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan := &Plan{Sources: []string{"t.jsonl"}, dir: dir}
	hashes, err := HashSources(plan)
	if err != nil {
		t.Fatalf("HashSources: %v", err)
	}
	if len(hashes["t.jsonl"]) != 64 {
		t.Fatalf("unexpected hashes: %v", hashes)
	}
}

// #endregion plan-tests
