package score

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region series-context

// SeriesContext is the per-series state shared by every event of that series.
type SeriesContext struct {
	key     telemetry.SeriesKey
	samples []telemetry.Point
	noise   float64
	span    int64
}

// Noise returns the run noise estimate.
func (c *SeriesContext) Noise() float64 { return c.noise }

// Prepare checks the series and estimates its run noise as the median of
// block standard deviations.
func (s *Scorer) Prepare(series telemetry.MetricSeries) (*SeriesContext, error) {
	bad := func(v float64, reason string) error {
		return &ScoringInputError{RunID: series.RunID, Layer: series.Layer, Metric: series.Metric, Field: "series", Value: v, Reason: reason}
	}
	for _, p := range series.Points {
		if math.IsInf(p.Value, 0) {
			return nil, bad(p.Value, fmt.Sprintf("infinite value at step %d", p.Step))
		}
	}
	samples := series.Finite()
	if len(samples) == 0 {
		return nil, bad(math.NaN(), "no finite values")
	}
	return &SeriesContext{
		key:     series.Key(),
		samples: samples,
		noise:   math.Max(runNoise(samples, s.config.NoiseWindow), s.config.MinNoise),
		span:    samples[len(samples)-1].Step - samples[0].Step,
	}, nil
}

func runNoise(samples []telemetry.Point, window int) float64 {
	if len(samples) < window {
		_, std := meanStd(samples)
		return std
	}
	var stds []float64
	for lo := 0; lo+window <= len(samples); lo += window {
		_, std := meanStd(samples[lo : lo+window])
		stds = append(stds, std)
	}
	sort.Float64s(stds)
	mid := len(stds) / 2
	if len(stds)%2 == 1 {
		return stds[mid]
	}
	return (stds[mid-1] + stds[mid]) / 2
}

// #endregion series-context

// #region scorer

// Scorer computes DIS records. It holds no mutable state.
type Scorer struct {
	config Config
}

// NewScorer creates a scorer after validating its config.
func NewScorer(config Config) (*Scorer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{config: config}, nil
}

// Input is everything one score depends on.
type Input struct {
	Event   detect.CandidateEvent
	Series  *SeriesContext
	History *History
}

// Score computes the record and the event's signature. History is read, never changed.
func (s *Scorer) Score(in Input) (Record, Signature, error) {
	ev := in.Event
	if err := s.checkEvent(in); err != nil {
		return Record{}, Signature{}, err
	}

	window, inside := eventWindow(in.Series.samples, ev, s.config.ContextWindow)
	if inside < 2 || len(window) < 3 {
		return Record{}, Signature{}, &ScoringInputError{EventID: ev.EventID, RunID: ev.RunID, Layer: ev.Layer, Metric: ev.Metric, Field: "window", Value: float64(inside), Reason: "too few valid points in event window"}
	}
	shift, sigma := stepFit(window)

	m := math.Min(shift/in.Series.noise, s.config.MagnitudeCeiling) / s.config.MagnitudeCeiling
	c := coherence(shift, sigma)
	if ev.Composite() {
		c *= agreement(ev.Diagnostics)
	}
	sig := s.signature(ev, window, in.Series.span)
	n := 1.0
	if d, ok := in.History.nearest(sig); ok {
		n = 1 - math.Exp(-d/s.config.NoveltyScale)
	}

	dis, err := Combine(m, c, n)
	if err != nil {
		var sie *ScoringInputError
		if errors.As(err, &sie) {
			sie.EventID = ev.EventID
		}
		return Record{}, Signature{}, err
	}
	return Record{EventID: ev.EventID, MagnitudeScore: m, CoherenceScore: c, NoveltyScore: n, DIS: dis}, sig, nil
}

func (s *Scorer) checkEvent(in Input) error {
	ev := in.Event
	bad := func(field string, v float64, reason string) error {
		return &ScoringInputError{EventID: ev.EventID, RunID: ev.RunID, Layer: ev.Layer, Metric: ev.Metric, Field: field, Value: v, Reason: reason}
	}
	switch {
	case ev.EventID == "":
		return bad("event_id", math.NaN(), "missing event id")
	case math.IsNaN(ev.Magnitude) || math.IsInf(ev.Magnitude, 0) || ev.Magnitude < 0:
		return bad("magnitude", ev.Magnitude, "magnitude must be finite and non-negative")
	case ev.StepStart >= ev.StepEnd:
		return bad("step_end", float64(ev.StepEnd), "interval end not after start")
	case in.Series == nil:
		return bad("series", math.NaN(), "no series for event")
	case in.Series.key != (telemetry.SeriesKey{RunID: ev.RunID, Layer: ev.Layer, Metric: ev.Metric}):
		return bad("series", math.NaN(), "series does not match event")
	}
	for _, c := range ev.Diagnostics {
		if math.IsNaN(c.Contribution) || math.IsInf(c.Contribution, 0) {
			return bad("diagnostics."+c.Metric, c.Contribution, "contribution must be finite")
		}
	}
	return nil
}

// Combine multiplies the three sub-scores after checking each lies in [0, 1].
func Combine(m, c, n float64) (float64, error) {
	for _, f := range []struct {
		name string
		v    float64
	}{{"magnitude_score", m}, {"coherence_score", c}, {"novelty_score", n}} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return 0, &ScoringInputError{Field: f.name, Value: f.v, Reason: "sub-score outside [0, 1]"}
		}
	}
	return m * c * n, nil
}

// #endregion scorer

// #region step-fit

// eventWindow returns the samples of the event interval preceded by up to
// before extra samples, and how many samples fall inside the interval itself.
func eventWindow(samples []telemetry.Point, ev detect.CandidateEvent, before int) ([]telemetry.Point, int) {
	lo := sort.Search(len(samples), func(i int) bool { return samples[i].Step >= ev.StepStart })
	hi := sort.Search(len(samples), func(i int) bool { return samples[i].Step > ev.StepEnd })
	inside := hi - lo
	if inside <= 0 {
		return nil, 0
	}
	return samples[max(lo-before, 0):hi], inside
}

// stepFit finds the split minimising the two-mean squared error and returns the
// absolute level shift and the residual standard deviation. Ties keep the earliest split.
func stepFit(window []telemetry.Point) (shift, sigma float64) {
	n := len(window)
	mean, _ := meanStd(window)
	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, p := range window {
		x := p.Value - mean
		prefix[i+1] = prefix[i] + x
		prefixSq[i+1] = prefixSq[i] + x*x
	}
	best := math.Inf(1)
	for k := 1; k < n; k++ {
		left := prefixSq[k] - prefix[k]*prefix[k]/float64(k)
		rs, rss := prefix[n]-prefix[k], prefixSq[n]-prefixSq[k]
		right := rss - rs*rs/float64(n-k)
		sse := math.Max(left+right, 0)
		if sse < best {
			best = sse
			shift = math.Abs(rs/float64(n-k) - prefix[k]/float64(k))
		}
	}
	return shift, math.Sqrt(best / float64(n))
}

// coherence is 1/(1+(sigma/shift)^2), written to stay defined at shift 0.
func coherence(shift, sigma float64) float64 {
	den := shift*shift + sigma*sigma
	if den == 0 {
		return 0
	}
	return shift * shift / den
}

// agreement is |Σc|/Σ|c| over composite contributions.
func agreement(cs []detect.Contribution) float64 {
	var sum, abs float64
	for _, c := range cs {
		sum += c.Contribution
		abs += math.Abs(c.Contribution)
	}
	if abs == 0 {
		return 0
	}
	return math.Abs(sum) / abs
}

func meanStd(xs []telemetry.Point) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x.Value
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x.Value - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// #endregion step-fit
