package detect

import (
	"fmt"
	"iter"
	"math"
	"sort"

	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region weights

// Weight is the declared contribution of one component metric to the composite.
type Weight struct {
	Metric string  `json:"metric" yaml:"metric"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// ValidateWeights rejects empty, duplicate, reserved or non-finite components and a zero total.
func ValidateWeights(weights []Weight) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: composite needs at least one weight", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(weights))
	var total float64
	for _, w := range weights {
		if w.Metric == "" || w.Metric == telemetry.CompositeMetric {
			return fmt.Errorf("%w: invalid composite component %q", ErrInvalidConfig, w.Metric)
		}
		if seen[w.Metric] {
			return fmt.Errorf("%w: duplicate composite component %q", ErrInvalidConfig, w.Metric)
		}
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return fmt.Errorf("%w: weight for %q is not finite", ErrInvalidConfig, w.Metric)
		}
		seen[w.Metric] = true
		total += math.Abs(w.Weight)
	}
	if total == 0 {
		return fmt.Errorf("%w: composite weights sum to zero", ErrInvalidConfig)
	}
	return nil
}

// #endregion weights

// #region composite-series

// CompositeSeries is the weighted sum of z-scored components at one layer of one run.
type CompositeSeries struct {
	Series  telemetry.MetricSeries
	weights []Weight
	z       []map[int64]float64 // per weight, step → z-score
}

// Contributions returns each component's weighted z-score at step, in weight order.
func (c *CompositeSeries) Contributions(step int64) []Contribution {
	out := make([]Contribution, len(c.weights))
	for i, w := range c.weights {
		out[i] = Contribution{Metric: w.Metric, Contribution: w.Weight * c.z[i][step]}
	}
	return out
}

// BuildComposite z-scores every declared component over its own valid values and
// sums them per step. A step missing any component is a gap in the composite.
func BuildComposite(runID, layer string, components []telemetry.MetricSeries, weights []Weight, minStd float64) (*CompositeSeries, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	byMetric := make(map[string]telemetry.MetricSeries, len(components))
	for _, s := range components {
		if s.RunID != runID || s.Layer != layer {
			return nil, fmt.Errorf("%w: component %s/%s/%s outside composite %s/%s", ErrInvalidConfig, s.RunID, s.Layer, s.Metric, runID, layer)
		}
		byMetric[s.Metric] = s
	}

	cs := &CompositeSeries{weights: weights, z: make([]map[int64]float64, len(weights))}
	stepSet := make(map[int64]struct{})
	for i, w := range weights {
		s, ok := byMetric[w.Metric]
		if !ok {
			return nil, &MalformedSeriesError{RunID: runID, Layer: layer, Metric: telemetry.CompositeMetric, Reason: fmt.Sprintf("missing component %q", w.Metric)}
		}
		if err := validateSeries(s); err != nil {
			return nil, err
		}
		cs.z[i] = zScores(s, minStd)
		for _, p := range s.Points {
			stepSet[p.Step] = struct{}{}
		}
	}

	steps := make([]int64, 0, len(stepSet))
	for st := range stepSet {
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })

	cs.Series = telemetry.MetricSeries{RunID: runID, Layer: layer, Metric: telemetry.CompositeMetric, Points: make([]telemetry.Point, len(steps))}
	for k, st := range steps {
		v := 0.0
		for i, w := range weights {
			z, ok := cs.z[i][st]
			if !ok {
				v = math.NaN()
				break
			}
			v += w.Weight * z
		}
		cs.Series.Points[k] = telemetry.Point{Step: st, Value: v}
	}
	if err := validateSeries(cs.Series); err != nil {
		return nil, err
	}
	return cs, nil
}

func zScores(s telemetry.MetricSeries, minStd float64) map[int64]float64 {
	var sum float64
	n := 0
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) {
			sum += p.Value
			n++
		}
	}
	mean := sum / float64(n)
	var ss float64
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) {
			d := p.Value - mean
			ss += d * d
		}
	}
	std := math.Max(math.Sqrt(ss/float64(n)), minStd)
	out := make(map[int64]float64, n)
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) {
			out[p.Step] = (p.Value - mean) / std
		}
	}
	return out
}

// #endregion composite-series

// #region scan-composite

// ScanComposite detects events on the composite of components. Each event carries
// the ordered per-component contributions at its peak step.
func (d *Detector) ScanComposite(runID, layer string, components []telemetry.MetricSeries, weights []Weight) (iter.Seq[CandidateEvent], error) {
	cs, err := BuildComposite(runID, layer, components, weights, d.config.MinBaselineStd)
	if err != nil {
		return nil, err
	}
	return d.ScanBuilt(cs), nil
}

// ScanBuilt detects events on an already built composite series.
func (d *Detector) ScanBuilt(cs *CompositeSeries) iter.Seq[CandidateEvent] {
	sc := &scanner{
		config:   d.config,
		runID:    cs.Series.RunID,
		layer:    cs.Series.Layer,
		metric:   telemetry.CompositeMetric,
		segs:     segments(cs.Series.Points, d.config.GapLimit),
		diagnose: cs.Contributions,
	}
	return sc.seq()
}

// #endregion scan-composite
