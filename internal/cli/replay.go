package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/detect"
	"github.com/danielpatrickdp/squiggle/internal/pipeline"
	"github.com/danielpatrickdp/squiggle/internal/replay"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

func newReplayCmd(a *app) *cobra.Command {
	var (
		fixturePath string
		record      bool
		telemetryIn []string
		planPath    string
		description string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rerun detection and scoring over a fixture and compare",
		Long: `Replay a fixture: rerun detection and scoring with the fixture's config
and compare every event id and score exactly with the recorded expectations.

With --record, analyse --telemetry files with the current config and write
a new fixture instead.

Exit codes: 0 match, 1 diverge, 2 error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if record {
				return recordFixture(cmd, a, fixturePath, planPath, description, telemetryIn)
			}
			f, err := replay.LoadFixture(fixturePath)
			if err != nil {
				return err
			}
			results, summary, err := replay.Replay(cmd.Context(), f.Series(), f.Composite, f.Config.ToReplayConfig())
			if err != nil {
				return err
			}
			diverge := replay.PrintComparison(a.stdout, results, f.ExpectedResults)
			fmt.Fprintf(a.stdout, "Runs: %d, events: %d (%d up, %d down), rejected series: %d, rejected events: %d\n",
				summary.TotalRuns, summary.Events, summary.Up, summary.Down, summary.SeriesErrors, summary.EventErrors)
			if diverge > 0 {
				return rejected(nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "fixture JSON to replay (or to write with --record)")
	cmd.Flags().BoolVar(&record, "record", false, "record a new fixture from telemetry")
	cmd.Flags().StringSliceVar(&telemetryIn, "telemetry", nil, "telemetry files to record from (JSONL or CSV)")
	cmd.Flags().StringVar(&planPath, "plan", "", "take the composite declaration from this plan when recording")
	cmd.Flags().StringVar(&description, "description", "", "fixture description when recording")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

func recordFixture(cmd *cobra.Command, a *app, path, planPath, description string, inputs []string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("record needs at least one --telemetry file")
	}
	var weights []detect.Weight
	if planPath != "" {
		plan, err := pipeline.LoadPlan(planPath)
		if err != nil {
			return err
		}
		weights = plan.Composite
	}
	series, err := telemetry.NewFileSource(inputs...).Series(cmd.Context())
	if err != nil {
		return err
	}
	cfg := replay.ReplayConfig{Detect: a.cfg.ToDetectConfig(), Score: a.cfg.ToScoreConfig()}
	results, summary, err := replay.Replay(cmd.Context(), series, weights, cfg)
	if err != nil {
		return err
	}
	f := &replay.Fixture{
		Description:     description,
		Config:          replay.FromReplayConfig(cfg),
		Composite:       weights,
		Rows:            telemetry.Rows(series),
		ExpectedResults: replay.Expected(results),
	}
	if err := replay.WriteFixture(path, f); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "recorded %d events from %d runs to %s\n", summary.Events, summary.TotalRuns, path)
	return nil
}
