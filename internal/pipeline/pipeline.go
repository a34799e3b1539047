package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/squiggle/internal/align"
	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/metrics"
	"github.com/danielpatrickdp/squiggle/internal/score"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region pipeline
// Options configures a Pipeline.
type Options struct {
	Detect        detect.Config
	Score         score.Config
	Align         align.Config
	Workers       int
	CohortTimeout time.Duration
	Logger        logging.Logger
}

// DefaultOptions returns the package defaults.
func DefaultOptions() Options {
	return Options{
		Detect:        detect.DefaultConfig(),
		Score:         score.DefaultConfig(),
		Align:         align.DefaultConfig(),
		Workers:       4,
		CohortTimeout: 30 * time.Second,
	}
}

// Pipeline wires the detector, scorer and aligner together.
type Pipeline struct {
	detector      *detect.Detector
	scorer        *score.Scorer
	aligner       *align.Aligner
	workers       int
	cohortTimeout time.Duration
	logger        logging.Logger
}

// New validates the options and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	d, err := detect.NewDetector(opts.Detect)
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}
	s, err := score.NewScorer(opts.Score)
	if err != nil {
		return nil, fmt.Errorf("create scorer: %w", err)
	}
	a, err := align.NewAligner(opts.Align)
	if err != nil {
		return nil, fmt.Errorf("create aligner: %w", err)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named("pipeline")
	}
	return &Pipeline{detector: d, scorer: s, aligner: a, workers: opts.Workers, cohortTimeout: opts.CohortTimeout, logger: logger}, nil
}

// #endregion pipeline

// #region analyze-run
// RunReport is the per-run outcome. Series and event errors sit next to the
// successfully scored events; none of them aborts the run.
type RunReport struct {
	RunID        string
	TotalSteps   int64 // last step of any valid series
	Events       []align.ScoredEvent
	SeriesErrors []error
	EventErrors  []error
	Duration     time.Duration
}

// AnalyzeRun detects and scores every series of one run, plus one composite per
// layer when weights are given and the layer carries any component.
func (p *Pipeline) AnalyzeRun(ctx context.Context, runID string, series []telemetry.MetricSeries, weights []detect.Weight) RunReport {
	start := time.Now()
	report := RunReport{RunID: runID}
	contexts := make(map[telemetry.SeriesKey]*score.SeriesContext)
	var events []detect.CandidateEvent

	for _, s := range series {
		metrics.RecordSeriesScanned()
		found, err := p.detector.Detect(s)
		if err != nil {
			metrics.RecordMalformedSeries()
			report.SeriesErrors = append(report.SeriesErrors, err)
			continue
		}
		sc, err := p.scorer.Prepare(s)
		if err != nil {
			report.SeriesErrors = append(report.SeriesErrors, err)
			continue
		}
		contexts[s.Key()] = sc
		events = append(events, found...)
		if last := s.LastStep(); last > report.TotalSteps {
			report.TotalSteps = last
		}
	}

	if len(weights) > 0 {
		for _, layer := range compositeLayers(series, weights) {
			cs, err := detect.BuildComposite(runID, layer, layerSeries(series, layer), weights, p.detector.Config().MinBaselineStd)
			if err != nil {
				metrics.RecordMalformedSeries()
				report.SeriesErrors = append(report.SeriesErrors, err)
				continue
			}
			metrics.RecordSeriesScanned()
			sc, err := p.scorer.Prepare(cs.Series)
			if err != nil {
				report.SeriesErrors = append(report.SeriesErrors, err)
				continue
			}
			contexts[cs.Series.Key()] = sc
			for ev := range p.detector.ScanBuilt(cs) {
				events = append(events, ev)
			}
		}
	}

	for _, out := range p.scorer.ScoreRun(events, contexts) {
		if out.Err != nil {
			metrics.RecordScoringError()
			report.EventErrors = append(report.EventErrors, out.Err)
			continue
		}
		metrics.RecordCandidate(string(out.Event.Direction))
		report.Events = append(report.Events, align.ScoredEvent{Event: out.Event, Record: out.Record})
	}

	report.Duration = time.Since(start)
	metrics.RecordRunDuration(report.Duration)
	p.logger.Debug(ctx, "run analysed",
		logging.String("run_id", runID),
		logging.Int("events", len(report.Events)),
		logging.Int("series_errors", len(report.SeriesErrors)),
		logging.Int("event_errors", len(report.EventErrors)),
	)
	return report
}

// compositeLayers returns, sorted, the layers carrying at least one component.
func compositeLayers(series []telemetry.MetricSeries, weights []detect.Weight) []string {
	components := make(map[string]bool, len(weights))
	for _, w := range weights {
		components[w.Metric] = true
	}
	seen := make(map[string]bool)
	var layers []string
	for _, s := range series {
		if components[s.Metric] && !seen[s.Layer] {
			seen[s.Layer] = true
			layers = append(layers, s.Layer)
		}
	}
	sort.Strings(layers)
	return layers
}

func layerSeries(series []telemetry.MetricSeries, layer string) []telemetry.MetricSeries {
	var out []telemetry.MetricSeries
	for _, s := range series {
		if s.Layer == layer {
			out = append(out, s)
		}
	}
	return out
}

// #endregion analyze-run

// #region run
// Result is the outcome of running a whole plan.
type Result struct {
	ExperimentID string
	Reports      []RunReport    // plan order
	Alignments   []align.Result // plan order
	Ignored      []string       // telemetry runs absent from the plan
}

type runSlot struct {
	run     RunPlan
	barrier *align.Barrier
}

// Run analyses every planned run with at most Workers in flight, collects each
// cohort behind a barrier and aligns it. Only source and context failures are
// returned as errors.
func (p *Pipeline) Run(ctx context.Context, plan *Plan, src telemetry.Source) (*Result, error) {
	all, err := src.Series(ctx)
	if err != nil {
		return nil, fmt.Errorf("load telemetry: %w", err)
	}
	byRun := telemetry.ByRun(all)

	res := &Result{ExperimentID: plan.ExperimentID}
	planned := make(map[string]bool)
	var slots []runSlot
	barriers := make([]*align.Barrier, len(plan.Cohorts))
	for ci, c := range plan.Cohorts {
		barriers[ci] = align.NewBarrier(c.ID, c.RunIDs(), p.cohortTimeout)
		for _, r := range c.Runs {
			planned[r.RunID] = true
			slots = append(slots, runSlot{run: r, barrier: barriers[ci]})
		}
	}
	for runID := range byRun {
		if !planned[runID] {
			res.Ignored = append(res.Ignored, runID)
		}
	}
	sort.Strings(res.Ignored)
	for _, id := range res.Ignored {
		p.logger.Warn(ctx, "telemetry for unplanned run ignored", logging.String("run_id", id))
	}

	// Cohort waiters run outside the worker limit so they never hold a slot.
	res.Alignments = make([]align.Result, len(plan.Cohorts))
	waitErrs := make([]error, len(plan.Cohorts))
	var waiters sync.WaitGroup
	for ci := range plan.Cohorts {
		waiters.Add(1)
		go func(ci int) {
			defer waiters.Done()
			res.Alignments[ci], waitErrs[ci] = p.alignCohort(ctx, barriers[ci])
		}(ci)
	}

	res.Reports = make([]RunReport, len(slots))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, slot := range slots {
		g.Go(func() error {
			series, ok := byRun[slot.run.RunID]
			res.Reports[i] = p.analyzeSlot(ctx, slot, series, ok, plan.Composite)
			return nil
		})
	}
	runErr := g.Wait()
	waiters.Wait()

	if runErr != nil {
		return nil, fmt.Errorf("analyse runs: %w", runErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyse runs: %w", err)
	}
	for _, err := range waitErrs {
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// analyzeSlot analyses one planned run and reports it to its cohort barrier. A
// run whose context has ended leaves the cohort's expected set.
func (p *Pipeline) analyzeSlot(ctx context.Context, slot runSlot, series []telemetry.MetricSeries, ok bool, weights []detect.Weight) RunReport {
	if ctx.Err() != nil {
		_ = slot.barrier.Cancel(slot.run.RunID)
		return RunReport{RunID: slot.run.RunID}
	}
	if !ok {
		_ = slot.barrier.Fail(slot.run.RunID, "no telemetry")
		return RunReport{RunID: slot.run.RunID}
	}
	report := p.AnalyzeRun(ctx, slot.run.RunID, series, weights)
	total := slot.run.TotalSteps
	if total == 0 {
		total = report.TotalSteps
	}
	if total <= 0 {
		_ = slot.barrier.Fail(slot.run.RunID, "no valid telemetry")
		return report
	}
	err := slot.barrier.Arrive(align.Run{
		RunID:      slot.run.RunID,
		Seed:       slot.run.Seed,
		TotalSteps: total,
		Events:     report.Events,
	})
	if err != nil {
		// the barrier already timed the run out
		p.logger.Warn(ctx, "late run dropped from cohort", logging.String("run_id", slot.run.RunID), logging.Error(err))
	}
	return report
}

func (p *Pipeline) alignCohort(ctx context.Context, b *align.Barrier) (align.Result, error) {
	cohort, err := b.Wait(ctx)
	if err != nil {
		return align.Result{}, err
	}
	result, err := p.aligner.Align(cohort)
	if err != nil {
		return align.Result{}, fmt.Errorf("align cohort %s: %w", cohort.ID, err)
	}
	metrics.RecordCohort(string(result.Status))
	metrics.RecordFamilies(len(result.Families))
	if result.Err != nil {
		p.logger.Warn(ctx, "cohort degraded", logging.String("cohort_id", cohort.ID), logging.String("reason", result.Reason))
	} else {
		p.logger.Info(ctx, "cohort aligned", logging.String("cohort_id", cohort.ID), logging.Int("families", len(result.Families)))
	}
	return result, nil
}

// #endregion run
