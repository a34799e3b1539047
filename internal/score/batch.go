package score

import (
	"math"
	"sort"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region batch

// Outcome pairs one candidate with its record or the error that rejected it.
type Outcome struct {
	Event  detect.CandidateEvent
	Record Record
	Err    error
}

// ScoreRun scores every event of one run in step order, threading a fresh history
// through the sequence. A rejected event does not stop its siblings.
func (s *Scorer) ScoreRun(events []detect.CandidateEvent, series map[telemetry.SeriesKey]*SeriesContext) []Outcome {
	ordered := make([]detect.CandidateEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.StepStart != b.StepStart {
			return a.StepStart < b.StepStart
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		return a.EventID < b.EventID
	})

	history := NewHistory(s.config.HistorySize)
	out := make([]Outcome, len(ordered))
	for i, ev := range ordered {
		out[i].Event = ev
		ctx, ok := series[telemetry.SeriesKey{RunID: ev.RunID, Layer: ev.Layer, Metric: ev.Metric}]
		if !ok {
			out[i].Err = &ScoringInputError{EventID: ev.EventID, RunID: ev.RunID, Layer: ev.Layer, Metric: ev.Metric, Field: "series", Value: math.NaN(), Reason: "no series for event"}
			continue
		}
		rec, sig, err := s.Score(Input{Event: ev, Series: ctx, History: history})
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Record = rec
		history = history.With(sig)
	}
	return out
}

// #endregion batch
