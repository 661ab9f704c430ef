package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/raphi011/rpbridge"
	"github.com/raphi011/rpbridge/internal/config"
	"github.com/raphi011/rpbridge/internal/gotest"
	"github.com/raphi011/rpbridge/internal/hierarchy"
	"github.com/raphi011/rpbridge/internal/metric"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath      string
	collectOnly     bool
	workerInput     string
	metricsTextfile string
	events          string

	launch            string
	launchID          string
	launchDescription string
	rerun             bool
	rerunOf           string
	parentItemID      string
	project           string
	enabled           bool
	logLevel          string
}

var opts runOptions

var rootCmd = &cobra.Command{
	Use:   "rpbridge [packages] [-- go test flags]",
	Short: "Run go tests and report them to ReportPortal",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, testFlags := splitArgs(args, cmd.ArgsLenAtDash())

		return run(cmd, patterns, testFlags)
	},
}

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: rpbridge.toml, rpbridge.yaml or rpbridge.yml)")
	flags.BoolVar(&opts.collectOnly, "collect-only", false, "list the collected tests without running them")
	flags.StringVar(&opts.workerInput, "worker-input", "", "JSON worker input, marks the process as a worker (default: $"+rpbridge.WorkerInputEnv+")")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file when done")
	flags.StringVar(&opts.events, "events", "", "read test2json events from this file (- for stdin) instead of running go test")

	flags.StringVar(&opts.launch, "rp-launch", "", "launch name")
	flags.StringVar(&opts.launchID, "rp-launch-id", "", "report to this existing launch")
	flags.StringVar(&opts.launchDescription, "rp-launch-description", "", "launch description")
	flags.BoolVar(&opts.rerun, "rp-rerun", false, "report the launch as a rerun")
	flags.StringVar(&opts.rerunOf, "rp-rerun-of", "", "id of the launch that is rerun")
	flags.StringVar(&opts.parentItemID, "rp-parent-item-id", "", "report all items below this item")
	flags.StringVar(&opts.project, "rp-project", "", "project name")
	flags.BoolVar(&opts.enabled, "reportportal", false, "enable reporting")
	flags.StringVar(&opts.logLevel, "rp-log-level", "", "minimum level of reported logs")
}

// splitArgs separates package patterns from the flags passed on to go test.
func splitArgs(args []string, dash int) (patterns, testFlags []string) {
	if dash >= 0 {
		patterns, testFlags = args[:dash], args[dash:]
	} else {
		patterns = args
	}

	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	return patterns, testFlags
}

// applyFlags overrides file options with the flags set on the command line.
func applyFlags(cmd *cobra.Command, o runOptions, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("rp-launch") {
		cfg.Launch = o.launch
	}
	if changed("rp-launch-id") {
		cfg.LaunchID = o.launchID
	}
	if changed("rp-launch-description") {
		cfg.LaunchDescription = o.launchDescription
	}
	if changed("rp-rerun") {
		cfg.Rerun = o.rerun
	}
	if changed("rp-rerun-of") {
		cfg.RerunOf = o.rerunOf
	}
	if changed("rp-parent-item-id") {
		cfg.ParentItemID = o.parentItemID
	}
	if changed("rp-project") {
		cfg.Project = o.project
	}
	if changed("rp-log-level") {
		cfg.LogLevel = o.logLevel
	}

	cfg.Enabled = o.enabled
	cfg.DryRun = o.collectOnly
	cfg.MetricsTextfilePath = o.metricsTextfile
}

func run(cmd *cobra.Command, patterns, testFlags []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(wd, opts.configPath)
	if err != nil {
		return err
	}

	applyFlags(cmd, opts, &cfg)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	host, err := rpbridge.HostFromEnv(opts.workerInput)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	bridge := rpbridge.New(cfg, host, rpbridge.WithLogger(log))

	bridge.Configure(ctx)
	defer bridge.Unconfigure()

	if err := bridge.SessionStart(ctx); err != nil {
		return err
	}

	cases, err := gotest.Collect(ctx, wd, patterns...)
	if err != nil {
		log.Warn("collecting tests failed, reporting without collected metadata", "error", err)
	}

	bridge.CollectionFinish(cases)

	if opts.collectOnly {
		printPlan(cmd.OutOrStdout(), bridge.Tree().Builder(), cases)
		return nil
	}

	code, runErr := runTests(ctx, bridge, host, log, cmd.OutOrStdout(), patterns, testFlags)

	// reporting continues after an interrupt
	bridge.SessionFinish(context.Background())

	if cfg.MetricsTextfilePath != "" {
		if err := metric.WriteTextfile(cfg.MetricsTextfilePath); err != nil {
			log.Warn("writing metrics failed", "path", cfg.MetricsTextfilePath, "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	if code != 0 {
		return exitError{code: code}
	}

	return nil
}

// printPlan prints the items the collected cases would be reported as.
func printPlan(out io.Writer, builder hierarchy.Builder, cases []hierarchy.TestCase) {
	tree := hierarchy.NewTree(builder)
	tree.Register(cases)

	depth := 0

	for _, op := range tree.Plan() {
		if op.Kind == hierarchy.OpFinish {
			depth--
			continue
		}

		fmt.Fprintf(out, "%s%s %s\n", strings.Repeat("  ", depth), op.Segment.Kind, op.Segment.Name)
		depth++
	}
}

// runTests feeds the test events to the bridge and returns the exit code of
// the test process.
func runTests(ctx context.Context, bridge *rpbridge.Bridge, host *rpbridge.StandaloneHost, log *slog.Logger, out io.Writer, patterns, testFlags []string) (int, error) {
	runner := gotest.NewRunner(bridge, host, log)

	if opts.events != "" {
		in := io.Reader(os.Stdin)

		if opts.events != "-" {
			f, err := os.Open(opts.events)
			if err != nil {
				return 0, err
			}
			defer f.Close()

			in = f
		}

		summary, err := runner.Run(ctx, in, out)
		if err != nil {
			return 0, err
		}

		if !summary.OK() {
			return 1, nil
		}

		return 0, nil
	}

	args := append([]string{"test", "-json"}, testFlags...)
	args = append(args, patterns...)

	goTest := exec.CommandContext(ctx, "go", args...)
	goTest.Stderr = os.Stderr

	stdout, err := goTest.StdoutPipe()
	if err != nil {
		return 0, err
	}

	log.Debug("running tests", "command", "go "+strings.Join(args, " "))

	if err := goTest.Start(); err != nil {
		return 0, fmt.Errorf("starting go test: %w", err)
	}

	summary, runErr := runner.Run(ctx, stdout, out)

	err = goTest.Wait()

	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), runErr
	} else if err != nil {
		return 0, err
	}

	if runErr == nil && !summary.OK() {
		return 1, nil
	}

	return 0, runErr
}
