// Package config defines squiggle's process configuration and its loader.
package config

import (
	"runtime"
	"time"

	"github.com/danielpatrickdp/squiggle/internal/align"
	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/retry"
	"github.com/danielpatrickdp/squiggle/internal/score"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the slog handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Workers bounds concurrent per-run analysis.
	Workers int `koanf:"workers"`

	// CohortTimeoutMS is how long a cohort waits for its runs before aligning
	// what arrived.
	CohortTimeoutMS int `koanf:"cohort_timeout_ms"`

	Detector DetectorConfig `koanf:"detector"`
	Scorer   ScorerConfig   `koanf:"scorer"`
	Aligner  AlignerConfig  `koanf:"aligner"`
	Writer   WriterConfig   `koanf:"writer"`
	Ledger   LedgerConfig   `koanf:"ledger"`
}

// DetectorConfig mirrors detect.Config.
type DetectorConfig struct {
	BaselineWindow int     `koanf:"baseline_window"`
	TestWindow     int     `koanf:"test_window"`
	MinDuration    int     `koanf:"min_duration"`
	Threshold      float64 `koanf:"threshold"`
	GapLimit       int     `koanf:"gap_limit"`
	MinBaselineStd float64 `koanf:"min_baseline_std"`
}

// ScorerConfig mirrors score.Config.
type ScorerConfig struct {
	MagnitudeCeiling float64 `koanf:"magnitude_ceiling"`
	NoveltyScale     float64 `koanf:"novelty_scale"`
	HistorySize      int     `koanf:"history_size"`
	ContextWindow    int     `koanf:"context_window"`
	NoiseWindow      int     `koanf:"noise_window"`
	MinNoise         float64 `koanf:"min_noise"`
}

// AlignerConfig mirrors align.Config.
type AlignerConfig struct {
	OverlapTolerance float64 `koanf:"overlap_tolerance"`
	MinRepeat        int     `koanf:"min_repeat"`
}

// WriterConfig controls aggregation output and lock contention.
type WriterConfig struct {
	OutputDir       string `koanf:"output_dir"`
	LockAttempts    int    `koanf:"lock_attempts"`
	LockBaseDelayMS int    `koanf:"lock_base_delay_ms"`
	LockMaxDelayMS  int    `koanf:"lock_max_delay_ms"`
}

// LedgerConfig locates the usage ledger.
type LedgerConfig struct {
	Path               string `koanf:"path"`
	MaxConflictRetries int    `koanf:"max_conflict_retries"`
}

// New returns a Config populated with defaults.
func New() *Config {
	d := detect.DefaultConfig()
	s := score.DefaultConfig()
	a := align.DefaultConfig()
	return &Config{
		LogLevel:        "info",
		LogFormat:       "text",
		Workers:         runtime.NumCPU(),
		CohortTimeoutMS: 30_000,
		Detector: DetectorConfig{
			BaselineWindow: d.BaselineWindow,
			TestWindow:     d.TestWindow,
			MinDuration:    d.MinDuration,
			Threshold:      d.Threshold,
			GapLimit:       d.GapLimit,
			MinBaselineStd: d.MinBaselineStd,
		},
		Scorer: ScorerConfig{
			MagnitudeCeiling: s.MagnitudeCeiling,
			NoveltyScale:     s.NoveltyScale,
			HistorySize:      s.HistorySize,
			ContextWindow:    s.ContextWindow,
			NoiseWindow:      s.NoiseWindow,
			MinNoise:         s.MinNoise,
		},
		Aligner: AlignerConfig{
			OverlapTolerance: a.OverlapTolerance,
			MinRepeat:        a.MinRepeat,
		},
		Writer: WriterConfig{
			OutputDir:       "out",
			LockAttempts:    10,
			LockBaseDelayMS: 50,
			LockMaxDelayMS:  2_000,
		},
		Ledger: LedgerConfig{
			Path:               "squiggle-ledger.db",
			MaxConflictRetries: 8,
		},
	}
}

// ToDetectConfig converts the detector section.
func (c *Config) ToDetectConfig() detect.Config {
	return detect.Config{
		BaselineWindow: c.Detector.BaselineWindow,
		TestWindow:     c.Detector.TestWindow,
		MinDuration:    c.Detector.MinDuration,
		Threshold:      c.Detector.Threshold,
		GapLimit:       c.Detector.GapLimit,
		MinBaselineStd: c.Detector.MinBaselineStd,
	}
}

// ToScoreConfig converts the scorer section.
func (c *Config) ToScoreConfig() score.Config {
	return score.Config{
		MagnitudeCeiling: c.Scorer.MagnitudeCeiling,
		NoveltyScale:     c.Scorer.NoveltyScale,
		HistorySize:      c.Scorer.HistorySize,
		ContextWindow:    c.Scorer.ContextWindow,
		NoiseWindow:      c.Scorer.NoiseWindow,
		MinNoise:         c.Scorer.MinNoise,
	}
}

// ToAlignConfig converts the aligner section.
func (c *Config) ToAlignConfig() align.Config {
	return align.Config{
		OverlapTolerance: c.Aligner.OverlapTolerance,
		MinRepeat:        c.Aligner.MinRepeat,
	}
}

// WriterRetryPolicy is the lock contention policy for the aggregation writer.
func (c *Config) WriterRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Writer.LockAttempts,
		BaseDelay:   time.Duration(c.Writer.LockBaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Writer.LockMaxDelayMS) * time.Millisecond,
	}
}

// LedgerRetryPolicy is the optimistic-conflict policy for ledger writers.
func (c *Config) LedgerRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.Ledger.MaxConflictRetries + 1
	return p
}

// CohortTimeout returns the cohort barrier timeout.
func (c *Config) CohortTimeout() time.Duration {
	return time.Duration(c.CohortTimeoutMS) * time.Millisecond
}
