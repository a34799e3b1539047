// Package detect finds candidate structural events in per-step metric series.
package detect

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// #region types

// Direction is the sign of a level shift.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Contribution is one component's weighted z-score at a composite event's peak.
type Contribution struct {
	Metric       string  `json:"metric_name"`
	Contribution float64 `json:"contribution"`
}

// CandidateEvent is a detected interval where a metric departs from its baseline.
type CandidateEvent struct {
	EventID     string
	RunID       string
	Metric      string
	Layer       string
	StepStart   int64
	StepEnd     int64
	PeakStep    int64
	Magnitude   float64
	Direction   Direction
	Diagnostics []Contribution
}

// Composite reports whether the event was found on the composite series.
func (e CandidateEvent) Composite() bool {
	return len(e.Diagnostics) > 0
}

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("squiggle.candidate_event"))

// EventID derives the stable identifier of an event from its identity and interval.
func EventID(runID, layer, metric string, start, end int64) string {
	name := fmt.Sprintf("%s|%s|%s|%d|%d", runID, layer, metric, start, end)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// #endregion types

// #region config

// Config holds detector parameters.
type Config struct {
	BaselineWindow int     // valid points in the trailing baseline
	TestWindow     int     // valid points in the leading test window
	MinDuration    int     // consecutive sub-threshold positions that close a candidate
	Threshold      float64 // |deviation| above which a position counts
	GapLimit       int     // longest run of missing values bridged without resetting the baseline
	MinBaselineStd float64 // floor on the baseline std
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaselineWindow: 50,
		TestWindow:     10,
		MinDuration:    5,
		Threshold:      3.0,
		GapLimit:       3,
		MinBaselineStd: 1e-6,
	}
}

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid detector config")

// Validate checks parameter ranges.
func (c Config) Validate() error {
	switch {
	case c.BaselineWindow < 2:
		return fmt.Errorf("%w: baseline window %d < 2", ErrInvalidConfig, c.BaselineWindow)
	case c.TestWindow < 2:
		return fmt.Errorf("%w: test window %d < 2", ErrInvalidConfig, c.TestWindow)
	case c.MinDuration < 1:
		return fmt.Errorf("%w: min duration %d < 1", ErrInvalidConfig, c.MinDuration)
	case !(c.Threshold > 0):
		return fmt.Errorf("%w: threshold %v must be positive", ErrInvalidConfig, c.Threshold)
	case c.GapLimit < 0:
		return fmt.Errorf("%w: gap limit %d < 0", ErrInvalidConfig, c.GapLimit)
	case !(c.MinBaselineStd > 0):
		return fmt.Errorf("%w: min baseline std %v must be positive", ErrInvalidConfig, c.MinBaselineStd)
	}
	return nil
}

// #endregion config

// #region errors

// MalformedSeriesError rejects one series; other series are unaffected.
type MalformedSeriesError struct {
	RunID  string
	Layer  string
	Metric string
	Reason string
}

func (e *MalformedSeriesError) Error() string {
	return fmt.Sprintf("malformed series run=%s layer=%s metric=%s: %s", e.RunID, e.Layer, e.Metric, e.Reason)
}

// #endregion errors
