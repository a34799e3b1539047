package score

import (
	"math"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region signature

const shapePoints = 8

// Signature is the fixed-length shape descriptor used for novelty.
type Signature struct {
	Metric string
	Layer  string
	Vector [shapePoints + 3]float64
}

// signature resamples the window to a z-normalised 8-point shape and appends
// direction, log magnitude and the interval's share of the series span.
func (s *Scorer) signature(ev detect.CandidateEvent, window []telemetry.Point, span int64) Signature {
	sig := Signature{Metric: ev.Metric, Layer: ev.Layer}
	shape := resample(window, shapePoints)
	var mean float64
	for _, v := range shape {
		mean += v
	}
	mean /= shapePoints
	var ss float64
	for _, v := range shape {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / shapePoints)
	if std > 0 {
		norm := 1 / (std * math.Sqrt(shapePoints))
		for i, v := range shape {
			sig.Vector[i] = (v - mean) * norm
		}
	}

	dir := 0.5
	if ev.Direction == detect.DirectionDown {
		dir = -0.5
	}
	sig.Vector[shapePoints] = dir
	sig.Vector[shapePoints+1] = 0.25 * math.Log1p(ev.Magnitude)
	if span > 0 {
		sig.Vector[shapePoints+2] = float64(ev.StepEnd-ev.StepStart) / float64(span)
	}
	return sig
}

// resample linearly interpolates window values at k evenly spaced positions.
func resample(window []telemetry.Point, k int) []float64 {
	out := make([]float64, k)
	last := float64(len(window) - 1)
	for j := range k {
		pos := float64(j) * last / float64(k-1)
		i := int(pos)
		if i >= len(window)-1 {
			out[j] = window[len(window)-1].Value
			continue
		}
		frac := pos - float64(i)
		out[j] = window[i].Value*(1-frac) + window[i+1].Value*frac
	}
	return out
}

func distance(a, b Signature) float64 {
	var ss float64
	for i := range a.Vector {
		d := a.Vector[i] - b.Vector[i]
		ss += d * d
	}
	return math.Sqrt(ss)
}

// #endregion signature

// #region history

type historyKey struct {
	metric string
	layer  string
}

// History holds the most recent signatures per (metric, layer). It is never
// mutated; With returns an extended copy. A nil History is empty.
type History struct {
	size    int
	entries map[historyKey][]Signature
}

// NewHistory creates an empty history bounded to size signatures per key.
func NewHistory(size int) *History {
	return &History{size: max(size, 1), entries: map[historyKey][]Signature{}}
}

// With returns a history that also contains sig, dropping the oldest entry
// for its key when full.
func (h *History) With(sig Signature) *History {
	size := 1
	if h != nil {
		size = h.size
	}
	next := &History{size: size, entries: make(map[historyKey][]Signature, len(h.entriesOrNil())+1)}
	for k, v := range h.entriesOrNil() {
		next.entries[k] = v
	}
	key := historyKey{metric: sig.Metric, layer: sig.Layer}
	prev := next.entries[key]
	if len(prev) >= size {
		prev = prev[len(prev)-size+1:]
	}
	grown := make([]Signature, len(prev), len(prev)+1)
	copy(grown, prev)
	next.entries[key] = append(grown, sig)
	return next
}

// Len returns how many signatures are held for (metric, layer).
func (h *History) Len(metric, layer string) int {
	return len(h.entriesOrNil()[historyKey{metric: metric, layer: layer}])
}

func (h *History) entriesOrNil() map[historyKey][]Signature {
	if h == nil {
		return nil
	}
	return h.entries
}

// nearest returns the smallest distance from sig to a held signature of the same key.
func (h *History) nearest(sig Signature) (float64, bool) {
	held := h.entriesOrNil()[historyKey{metric: sig.Metric, layer: sig.Layer}]
	if len(held) == 0 {
		return 0, false
	}
	best := math.Inf(1)
	for _, other := range held {
		best = math.Min(best, distance(sig, other))
	}
	return best, true
}

// #endregion history
