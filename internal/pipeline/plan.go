// Package pipeline drives detection, scoring and alignment over an experiment
// plan and shapes the result for aggregation.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/squiggle/internal/detect"
)

// #region plan
// Plan declares one experiment: its cohorts of seeded runs, the telemetry
// sources and an optional layer-agnostic composite.
type Plan struct {
	ExperimentID   string          `yaml:"experiment_id" validate:"required,excludesall=/\\"`
	Composite      []detect.Weight `yaml:"composite"`
	Cohorts        []CohortPlan    `yaml:"cohorts" validate:"required,min=1,dive"`
	Sources        []string        `yaml:"sources" validate:"required,min=1,dive,required"`
	ProbeSummaries []string        `yaml:"probe_summaries" validate:"dive,required"`

	dir string
}

// CohortPlan lists the runs expected in one cohort.
type CohortPlan struct {
	ID   string    `yaml:"id" validate:"required"`
	Runs []RunPlan `yaml:"runs" validate:"required,min=1,dive"`
}

// RunPlan is one seeded run. TotalSteps 0 means "use the last observed step".
type RunPlan struct {
	RunID      string `yaml:"run_id" validate:"required"`
	Seed       int64  `yaml:"seed"`
	TotalSteps int64  `yaml:"total_steps" validate:"gte=0"`
}

// RunIDs returns the cohort's run ids in plan order.
func (c CohortPlan) RunIDs() []string {
	ids := make([]string, len(c.Runs))
	for i, r := range c.Runs {
		ids[i] = r.RunID
	}
	return ids
}

// DiagnosticMetrics returns the composite component names in declared order.
func (p *Plan) DiagnosticMetrics() []string {
	out := make([]string, len(p.Composite))
	for i, w := range p.Composite {
		out[i] = w.Metric
	}
	return out
}

// Resolve returns path relative to the plan file's directory unless absolute.
func (p *Plan) Resolve(path string) string {
	if filepath.IsAbs(path) || p.dir == "" {
		return path
	}
	return filepath.Join(p.dir, path)
}

// SourcePaths returns the resolved telemetry source paths.
func (p *Plan) SourcePaths() []string {
	out := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		out[i] = p.Resolve(s)
	}
	return out
}

// #endregion plan

// #region load
// ErrInvalidPlan is wrapped by every plan validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

var planValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadPlan reads and validates a YAML plan. Unknown keys are rejected.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks struct tags, unique ids and the composite weights.
func (p *Plan) Validate() error {
	if err := planValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	cohorts := make(map[string]bool, len(p.Cohorts))
	runs := make(map[string]string)
	for _, c := range p.Cohorts {
		if cohorts[c.ID] {
			return fmt.Errorf("%w: duplicate cohort %s", ErrInvalidPlan, c.ID)
		}
		cohorts[c.ID] = true
		for _, r := range c.Runs {
			if prev, ok := runs[r.RunID]; ok {
				return fmt.Errorf("%w: run %s listed in cohorts %s and %s", ErrInvalidPlan, r.RunID, prev, c.ID)
			}
			runs[r.RunID] = c.ID
		}
	}
	if len(p.Composite) > 0 {
		if err := detect.ValidateWeights(p.Composite); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	}
	return nil
}

// #endregion load
