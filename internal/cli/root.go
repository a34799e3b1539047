// Package cli implements the squiggle command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/squiggle/internal/config"
	"github.com/danielpatrickdp/squiggle/internal/ledger"
	"github.com/danielpatrickdp/squiggle/internal/logging"
	"github.com/danielpatrickdp/squiggle/internal/metrics"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// #region exit-codes
const (
	exitOK       = 0
	exitRejected = 1
	exitError    = 2
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func rejected(err error) error { return &ExitError{Code: exitRejected, Err: err} }

// exitCode prints err and maps it to a process exit code. Errors without an
// explicit code exit 2.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.Err)
		}
		return ee.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}

// #endregion exit-codes

// #region app
// app holds the state shared by the commands of one invocation.
type app struct {
	configPath string
	logLevel   string
	ledgerPath string
	metricsOut string

	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := logging.Init(a.stderr, cfg.LogFormat); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := logging.SetLevelString(cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	if a.ledgerPath == "" {
		a.ledgerPath = cfg.Ledger.Path
	}
	a.cfg = cfg
	return nil
}

// openLedger opens the configured ledger. classifierPath is optional.
func (a *app) openLedger(classifierPath string) (*ledger.Ledger, error) {
	opts := []ledger.Option{
		ledger.WithLogger(logging.Named("ledger")),
		ledger.WithRetryPolicy(a.cfg.LedgerRetryPolicy()),
	}
	if classifierPath != "" {
		c, err := ledger.LoadStaticClassifier(classifierPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ledger.WithClassifier(c))
	}
	return ledger.Open(a.ledgerPath, opts...)
}

// #endregion app

// #region root
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "squiggle",
		Short: "Change-point analysis of training telemetry",
		Long: `squiggle finds sustained changes in training metrics, scores them,
groups the ones that recur across seeds and writes analysis-ready tables.

It also keeps an append-only ledger of which evaluation items each run used
and refuses runs that would touch the locked holdout set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $SQUIGGLE_CONFIG)")
	pf.StringVar(&a.logLevel, "log-level", "", "override the log level: debug, info, warn, error")
	pf.StringVar(&a.ledgerPath, "ledger", "", "usage ledger database (default from config)")
	pf.StringVar(&a.metricsOut, "metrics-out", "", "write Prometheus textfile metrics to this path on exit")

	root.AddCommand(
		newVersionCmd(a),
		newValidateCmd(a),
		newAggregateCmd(a),
		newRegisterCmd(a),
		newRegisterSliceCmd(a),
		newLockHoldoutCmd(a),
		newAppendUsageCmd(a),
		newInspectCmd(a),
		newReplayCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// version works without a loadable config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "squiggle %s (commit: %s, built: %s)\n", appVersion, appCommit, appDate)
		},
	}
}

// #endregion root

// #region execute
// Execute runs the command tree against os.Args and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.metricsOut != "" {
		if werr := metrics.Default().WriteTextfile(a.metricsOut); werr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", werr)
			if err == nil {
				return exitError
			}
		}
	}
	return exitCode(err, stderr)
}

// #endregion execute
