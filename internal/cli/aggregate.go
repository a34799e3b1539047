package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/aggregate"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/pipeline"
	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

func newAggregateCmd(a *app) *cobra.Command {
	var (
		planPath string
		outDir   string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Analyse an experiment plan and write its aggregation tables",
		Long: `Detect, score and align every run named by the plan, then write the probe
summary and event candidate tables with a manifest under <out>/<experiment_id>.

Exit codes: 0 written, 1 another writer holds the experiment, 2 error
(including schema violations).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			plan, err := pipeline.LoadPlan(planPath)
			if err != nil {
				return err
			}
			p, err := pipeline.New(pipeline.Options{
				Detect:        a.cfg.ToDetectConfig(),
				Score:         a.cfg.ToScoreConfig(),
				Align:         a.cfg.ToAlignConfig(),
				Workers:       a.cfg.Workers,
				CohortTimeout: a.cfg.CohortTimeout(),
				Logger:        logging.Named("pipeline"),
			})
			if err != nil {
				return err
			}
			res, err := p.Run(ctx, plan, telemetry.NewFileSource(plan.SourcePaths()...))
			if err != nil {
				return err
			}
			probes, err := pipeline.LoadProbes(plan)
			if err != nil {
				return err
			}
			sources, err := pipeline.HashSources(plan)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = a.cfg.Writer.OutputDir
			}
			w := aggregate.NewWriter(outDir,
				aggregate.WithRetryPolicy(a.cfg.WriterRetryPolicy()),
				aggregate.WithLogger(logging.Named("aggregate")),
			)
			m, err := w.Write(ctx, res.AggregateInput(plan, probes, sources))
			var wce *aggregate.WriteConflictError
			if errors.As(err, &wce) {
				return rejected(err)
			}
			if err != nil {
				return err
			}

			for _, reason := range m.Reasons {
				fmt.Fprintf(a.stderr, "degraded: %s\n", reason)
			}
			if jsonOut {
				data, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return fmt.Errorf("encode manifest: %w", err)
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			fmt.Fprintf(a.stdout, "wrote %s: %s, %d probe rows, %d event rows (analysis %s)\n",
				w.Dir(m.ExperimentID), m.Status,
				m.RowCounts[aggregate.ProbeSummariesTable], m.RowCounts[aggregate.EventsTable],
				m.AnalysisIDHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "experiment plan (YAML)")
	cmd.Flags().StringVar(&outDir, "out", "", "output root (default from config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the manifest as JSON")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
