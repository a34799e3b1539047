package detect

import (
	"fmt"
	"iter"
	"math"

	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region detector

// Detector scans metric series for sustained level shifts.
type Detector struct {
	config Config
}

// NewDetector creates a detector after validating its config.
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Detector{config: config}, nil
}

// Config returns the detector parameters.
func (d *Detector) Config() Config { return d.config }

// Scan validates the series and returns a lazy sequence of its candidate events
// in step order. The sequence can be ranged more than once.
func (d *Detector) Scan(s telemetry.MetricSeries) (iter.Seq[CandidateEvent], error) {
	if err := validateSeries(s); err != nil {
		return nil, err
	}
	sc := &scanner{
		config: d.config,
		runID:  s.RunID,
		layer:  s.Layer,
		metric: s.Metric,
		segs:   segments(s.Points, d.config.GapLimit),
	}
	return sc.seq(), nil
}

// Detect collects every candidate event of the series.
func (d *Detector) Detect(s telemetry.MetricSeries) ([]CandidateEvent, error) {
	seq, err := d.Scan(s)
	if err != nil {
		return nil, err
	}
	var out []CandidateEvent
	for ev := range seq {
		out = append(out, ev)
	}
	return out, nil
}

// #endregion detector

// #region validation

func validateSeries(s telemetry.MetricSeries) error {
	malformed := func(format string, args ...any) error {
		return &MalformedSeriesError{RunID: s.RunID, Layer: s.Layer, Metric: s.Metric, Reason: fmt.Sprintf(format, args...)}
	}
	if s.Metric == telemetry.CompositeMetric {
		return malformed("metric name %q is reserved for the weighted composite", s.Metric)
	}
	if len(s.Points) == 0 {
		return malformed("empty series")
	}
	finite := 0
	for i, p := range s.Points {
		if i > 0 && p.Step <= s.Points[i-1].Step {
			return malformed("non-monotonic step %d after %d at index %d", p.Step, s.Points[i-1].Step, i)
		}
		if math.IsInf(p.Value, 0) {
			return malformed("infinite value at step %d", p.Step)
		}
		if !math.IsNaN(p.Value) {
			finite++
		}
	}
	if finite == 0 {
		return malformed("fully undefined series")
	}
	return nil
}

// #endregion validation

// #region segments

type sample struct {
	step  int64
	value float64
}

// segments splits points at missing runs longer than gapLimit. Shorter runs are
// dropped and the surrounding samples stay in one segment.
func segments(points []telemetry.Point, gapLimit int) [][]sample {
	var out [][]sample
	var cur []sample
	missing := 0
	for _, p := range points {
		if math.IsNaN(p.Value) {
			missing++
			if missing > gapLimit && len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		missing = 0
		cur = append(cur, sample{step: p.Step, value: p.Value})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// #endregion segments

// #region scanner

type scanner struct {
	config   Config
	runID    string
	layer    string
	metric   string
	segs     [][]sample
	diagnose func(step int64) []Contribution
}

// raw is an unmerged candidate expressed in segment positions.
type raw struct {
	first, last int
	peak        int
	dev         float64
}

func (sc *scanner) seq() iter.Seq[CandidateEvent] {
	return func(yield func(CandidateEvent) bool) {
		var pending *CandidateEvent
		for _, seg := range sc.segs {
			for ev := range sc.segmentEvents(seg) {
				if pending != nil && ev.StepStart <= pending.StepEnd {
					merged := merge(*pending, ev)
					pending = &merged
					continue
				}
				if pending != nil && !yield(sc.finish(*pending)) {
					return
				}
				p := ev
				pending = &p
			}
		}
		if pending != nil {
			yield(sc.finish(*pending))
		}
	}
}

// segmentEvents runs the open/close state machine over one segment.
func (sc *scanner) segmentEvents(seg []sample) iter.Seq[CandidateEvent] {
	return func(yield func(CandidateEvent) bool) {
		b, w := sc.config.BaselineWindow, sc.config.TestWindow
		var cur *raw
		below := 0
		for i := b; i+w <= len(seg); i++ {
			dev := deviation(seg[i-b:i], seg[i:i+w], sc.config.MinBaselineStd)
			above := math.Abs(dev) > sc.config.Threshold
			if cur == nil {
				if above {
					cur = &raw{first: i, last: i, peak: i, dev: dev}
					below = 0
				}
				continue
			}
			if above && math.Signbit(dev) != math.Signbit(cur.dev) {
				if !yield(sc.event(seg, *cur)) {
					return
				}
				cur = &raw{first: i, last: i, peak: i, dev: dev}
				below = 0
				continue
			}
			if above {
				cur.last = i
				below = 0
				if math.Abs(dev) > math.Abs(cur.dev) {
					cur.peak, cur.dev = i, dev
				}
				continue
			}
			below++
			if below >= sc.config.MinDuration {
				if !yield(sc.event(seg, *cur)) {
					return
				}
				cur = nil
				below = 0
			}
		}
		if cur != nil {
			yield(sc.event(seg, *cur))
		}
	}
}

func (sc *scanner) event(seg []sample, r raw) CandidateEvent {
	dir := DirectionUp
	if r.dev < 0 {
		dir = DirectionDown
	}
	return CandidateEvent{
		RunID:     sc.runID,
		Metric:    sc.metric,
		Layer:     sc.layer,
		StepStart: seg[r.first].step,
		StepEnd:   seg[r.last+sc.config.TestWindow-1].step,
		PeakStep:  seg[r.peak].step,
		Magnitude: math.Abs(r.dev),
		Direction: dir,
	}
}

// finish assigns the identifier and composite diagnostics once the interval is final.
func (sc *scanner) finish(ev CandidateEvent) CandidateEvent {
	ev.EventID = EventID(ev.RunID, ev.Layer, ev.Metric, ev.StepStart, ev.StepEnd)
	if sc.diagnose != nil {
		ev.Diagnostics = sc.diagnose(ev.PeakStep)
	}
	return ev
}

// merge unions two overlapping intervals; the stronger candidate supplies peak and
// direction, and a tie keeps the earlier one.
func merge(a, b CandidateEvent) CandidateEvent {
	out := a
	if b.Magnitude > a.Magnitude {
		out = b
	}
	out.StepStart = min(a.StepStart, b.StepStart)
	out.StepEnd = max(a.StepEnd, b.StepEnd)
	return out
}

// #endregion scanner

// #region stats

func deviation(baseline, test []sample, minStd float64) float64 {
	mb, sb := meanStd(baseline)
	mt, _ := meanStd(test)
	return (mt - mb) / math.Max(sb, minStd)
}

func meanStd(xs []sample) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x.value
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x.value - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// #endregion stats
