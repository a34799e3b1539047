package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/score"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Composite       []detect.Weight         `json:"composite,omitempty"`
	Rows            []telemetry.Row         `json:"rows"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig bundles the detector and scorer configs for a replay run.
type FixtureConfig struct {
	DetectorConfig FixtureDetectorConfig `json:"detector_config"`
	ScorerConfig   FixtureScorerConfig   `json:"scorer_config"`
}

// FixtureDetectorConfig mirrors detect.Config with JSON tags.
type FixtureDetectorConfig struct {
	BaselineWindow int     `json:"baseline_window"`
	TestWindow     int     `json:"test_window"`
	MinDuration    int     `json:"min_duration"`
	Threshold      float64 `json:"threshold"`
	GapLimit       int     `json:"gap_limit"`
	MinBaselineStd float64 `json:"min_baseline_std"`
}

// FixtureScorerConfig mirrors score.Config with JSON tags.
type FixtureScorerConfig struct {
	MagnitudeCeiling float64 `json:"magnitude_ceiling"`
	NoveltyScale     float64 `json:"novelty_scale"`
	HistorySize      int     `json:"history_size"`
	ContextWindow    int     `json:"context_window"`
	NoiseWindow      int     `json:"noise_window"`
	MinNoise         float64 `json:"min_noise"`
}

// FixtureExpectedResult captures the expected event and record.
type FixtureExpectedResult struct {
	EventID        string  `json:"event_id"`
	RunID          string  `json:"run_id"`
	Metric         string  `json:"metric"`
	Layer          string  `json:"layer"`
	StepStart      int64   `json:"step_start"`
	StepEnd        int64   `json:"step_end"`
	MagnitudeScore float64 `json:"magnitude_score"`
	CoherenceScore float64 `json:"coherence_score"`
	NoveltyScore   float64 `json:"novelty_score"`
	DIS            float64 `json:"dis"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Series groups the fixture rows into metric series.
func (f *Fixture) Series() []telemetry.MetricSeries {
	return telemetry.Group(f.Rows)
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	return ReplayConfig{
		Detect: detect.Config{
			BaselineWindow: fc.DetectorConfig.BaselineWindow,
			TestWindow:     fc.DetectorConfig.TestWindow,
			MinDuration:    fc.DetectorConfig.MinDuration,
			Threshold:      fc.DetectorConfig.Threshold,
			GapLimit:       fc.DetectorConfig.GapLimit,
			MinBaselineStd: fc.DetectorConfig.MinBaselineStd,
		},
		Score: score.Config{
			MagnitudeCeiling: fc.ScorerConfig.MagnitudeCeiling,
			NoveltyScale:     fc.ScorerConfig.NoveltyScale,
			HistorySize:      fc.ScorerConfig.HistorySize,
			ContextWindow:    fc.ScorerConfig.ContextWindow,
			NoiseWindow:      fc.ScorerConfig.NoiseWindow,
			MinNoise:         fc.ScorerConfig.MinNoise,
		},
	}
}

// FromReplayConfig is the inverse of ToReplayConfig.
func FromReplayConfig(c ReplayConfig) FixtureConfig {
	return FixtureConfig{
		DetectorConfig: FixtureDetectorConfig{
			BaselineWindow: c.Detect.BaselineWindow,
			TestWindow:     c.Detect.TestWindow,
			MinDuration:    c.Detect.MinDuration,
			Threshold:      c.Detect.Threshold,
			GapLimit:       c.Detect.GapLimit,
			MinBaselineStd: c.Detect.MinBaselineStd,
		},
		ScorerConfig: FixtureScorerConfig{
			MagnitudeCeiling: c.Score.MagnitudeCeiling,
			NoveltyScale:     c.Score.NoveltyScale,
			HistorySize:      c.Score.HistorySize,
			ContextWindow:    c.Score.ContextWindow,
			NoiseWindow:      c.Score.NoiseWindow,
			MinNoise:         c.Score.MinNoise,
		},
	}
}

// #endregion fixture-loader
