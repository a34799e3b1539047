// Package score ranks candidate events by Magnitude × Coherence × Novelty.
package score

import (
	"errors"
	"fmt"
)

// #region types

// Record is the score annotation of one candidate event. Every field is in [0, 1].
type Record struct {
	EventID        string  `json:"event_id"`
	MagnitudeScore float64 `json:"magnitude_score"`
	CoherenceScore float64 `json:"coherence_score"`
	NoveltyScore   float64 `json:"novelty_score"`
	DIS            float64 `json:"dis"`
}

// #endregion types

// #region config

// Config holds scorer parameters.
type Config struct {
	MagnitudeCeiling float64 // shift/noise ratio at which magnitude saturates
	NoveltyScale     float64 // signature distance that maps to novelty 1-1/e
	HistorySize      int     // signatures kept per (metric, layer)
	ContextWindow    int     // valid points before StepStart included in the step fit
	NoiseWindow      int     // block length for the run noise estimate
	MinNoise         float64 // floor on the run noise
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MagnitudeCeiling: 8,
		NoveltyScale:     0.5,
		HistorySize:      64,
		ContextWindow:    10,
		NoiseWindow:      50,
		MinNoise:         1e-9,
	}
}

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid scorer config")

// Validate checks parameter ranges.
func (c Config) Validate() error {
	switch {
	case !(c.MagnitudeCeiling > 0):
		return fmt.Errorf("%w: magnitude ceiling must be positive", ErrInvalidConfig)
	case !(c.NoveltyScale > 0):
		return fmt.Errorf("%w: novelty scale must be positive", ErrInvalidConfig)
	case c.HistorySize < 1:
		return fmt.Errorf("%w: history size %d < 1", ErrInvalidConfig, c.HistorySize)
	case c.ContextWindow < 0:
		return fmt.Errorf("%w: context window %d < 0", ErrInvalidConfig, c.ContextWindow)
	case c.NoiseWindow < 2:
		return fmt.Errorf("%w: noise window %d < 2", ErrInvalidConfig, c.NoiseWindow)
	case !(c.MinNoise > 0):
		return fmt.Errorf("%w: min noise must be positive", ErrInvalidConfig)
	}
	return nil
}

// #endregion config

// #region errors

// ScoringInputError rejects one candidate; other candidates are unaffected.
type ScoringInputError struct {
	EventID string
	RunID   string
	Layer   string
	Metric  string
	Field   string
	Value   float64
	Reason  string
}

func (e *ScoringInputError) Error() string {
	return fmt.Sprintf("scoring input event=%s run=%s layer=%s metric=%s field=%s value=%v: %s",
		e.EventID, e.RunID, e.Layer, e.Metric, e.Field, e.Value, e.Reason)
}

// #endregion errors
