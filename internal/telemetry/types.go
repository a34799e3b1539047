// Package telemetry holds per-step training metric series and the file sources
// that load them.
package telemetry

import (
	"context"
	"math"
	"sort"
)

// CompositeMetric is the reserved metric name of the weighted composite series.
const CompositeMetric = "composite"

// #region types

// Point is one observation. Value is NaN when the step was not recorded.
type Point struct {
	Step  int64
	Value float64
}

// SeriesKey identifies a series within a cohort.
type SeriesKey struct {
	RunID  string
	Layer  string
	Metric string
}

// MetricSeries is the ordered observations of one metric at one layer in one run.
type MetricSeries struct {
	RunID  string
	Layer  string
	Metric string
	Points []Point
}

// Key returns the series identity.
func (s MetricSeries) Key() SeriesKey {
	return SeriesKey{RunID: s.RunID, Layer: s.Layer, Metric: s.Metric}
}

// LastStep returns the largest step in the series, or 0 when empty.
func (s MetricSeries) LastStep() int64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[len(s.Points)-1].Step
}

// Finite returns the points whose value is a finite number, in order.
func (s MetricSeries) Finite() []Point {
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0) {
			out = append(out, p)
		}
	}
	return out
}

// Source supplies metric series for one or more runs.
type Source interface {
	Series(ctx context.Context) ([]MetricSeries, error)
}

// #endregion types

// #region static

// StaticSource serves series already held in memory.
type StaticSource []MetricSeries

// Series returns a copy of the held series.
func (s StaticSource) Series(ctx context.Context) ([]MetricSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]MetricSeries, len(s))
	copy(out, s)
	return out, nil
}

// ByRun groups series by run id; each group is sorted by (layer, metric).
func ByRun(series []MetricSeries) map[string][]MetricSeries {
	out := make(map[string][]MetricSeries)
	for _, s := range series {
		out[s.RunID] = append(out[s.RunID], s)
	}
	for _, group := range out {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Layer != group[j].Layer {
				return group[i].Layer < group[j].Layer
			}
			return group[i].Metric < group[j].Metric
		})
	}
	return out
}

// #endregion static
