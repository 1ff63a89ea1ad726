package main

import (
	"context"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/driver"
	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/notify"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/repair"
)

var (
	driveRoot        string
	driveMaxParallel int
	driveOutputDir   string
	driveBare        bool
	driveSkipIfClean bool
	driveRemediate   bool
	driveNoNotify    bool

	workerStatusFile  string
	workerBare        bool
	workerSkipIfClean bool
)

func init() {
	driveCmd := &cobra.Command{
		Use:   "drive [targets...]",
		Short: "Run the repair loop across many repositories in parallel",
		Long: `Launches one worker process per target directory under the driver root,
at most max_parallel at a time (default: half the CPUs). Workers report
PASS, FAIL or SKIP through status files; silent or hung workers are
recorded as FAIL or TIMEOUT. With --remediate, failed targets get one
sequential agent repair pass after the sweep.`,
		RunE: runDrive,
	}
	driveCmd.Flags().StringVar(&driveRoot, "root", "", "directory containing the target repositories")
	driveCmd.Flags().IntVar(&driveMaxParallel, "max-parallel", 0, "concurrent workers (default: half the CPUs)")
	driveCmd.Flags().StringVar(&driveOutputDir, "output-dir", "", "directory for logs, status files and summary.json")
	driveCmd.Flags().BoolVar(&driveBare, "bare", false, "only run CI in each target, no repair")
	driveCmd.Flags().BoolVar(&driveSkipIfClean, "skip-if-clean", false, "skip targets whose working tree is clean")
	driveCmd.Flags().BoolVar(&driveRemediate, "remediate", false, "remediate failed targets after the sweep")
	driveCmd.Flags().BoolVar(&driveNoNotify, "no-notify", false, "disable notifications")
	rootCmd.AddCommand(driveCmd)

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one driver target (invoked by drive)",
		Hidden: true,
		RunE:   runWorker,
	}
	workerCmd.Flags().StringVar(&workerStatusFile, "status-file", "", "file receiving the terminal status token")
	workerCmd.Flags().BoolVar(&workerBare, "bare", false, "only run CI, no repair")
	workerCmd.Flags().BoolVar(&workerSkipIfClean, "skip-if-clean", false, "skip when the working tree is clean")
	rootCmd.AddCommand(workerCmd)
}

func applyDriveFlags(cmd *cobra.Command, cfg *config.Config, args []string) {
	if driveRoot != "" {
		cfg.Driver.Root = driveRoot
	}
	if len(args) > 0 {
		cfg.Driver.Targets = args
	}
	if driveMaxParallel > 0 {
		cfg.Driver.MaxParallel = driveMaxParallel
	}
	if driveOutputDir != "" {
		cfg.Driver.OutputDir = driveOutputDir
	}
	if cmd.Flags().Changed("bare") {
		cfg.Driver.Bare = driveBare
	}
	if cmd.Flags().Changed("skip-if-clean") {
		cfg.Driver.SkipIfClean = driveSkipIfClean
	}
	if cmd.Flags().Changed("remediate") {
		cfg.Driver.Remediate = driveRemediate
	}
	if driveNoNotify {
		cfg.Notifications.Desktop = false
		cfg.Notifications.SlackWebhook = ""
	}
}

func runDrive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, ".")
	if err != nil {
		return err
	}
	applyDriveFlags(cmd, cfg, args)
	if cfg.Driver.Root == "" {
		return fmt.Errorf("driver root is required (--root or [driver].root)")
	}

	report, err := drive(ctx, cfg)
	if err != nil {
		return err
	}
	driver.RenderReport(os.Stdout, report)
	return withExitCode(report.ExitCode(), nil)
}

// drive runs one sweep with cfg and returns its report
func drive(ctx context.Context, cfg *config.Config) (*driver.Report, error) {
	launcher, err := driver.NewExecLauncher(cfg.Driver.Bare, cfg.Driver.SkipIfClean)
	if err != nil {
		return nil, err
	}
	launcher.Shell = cfg.Driver.WorkerCommand

	store, err := openArchive(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	options := []driver.Option{
		driver.WithArchive(store),
		driver.WithNotifier(notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook)),
	}
	if cfg.Driver.Remediate {
		options = append(options, driver.WithRemediator(&driver.AgentRemediator{
			Agent:      newAgent(cfg, ""),
			Classifier: patch.NewDefaultClassifier(),
			Config:     cfg,
		}))
	}

	opts := driver.OptionsFromConfig(cfg)
	opts.Out = os.Stdout
	d, err := driver.New(opts, launcher, options...)
	if err != nil {
		return nil, err
	}
	report, err := d.Run(ctx)
	if werr := observer.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
		clog.FromContext(ctx).Warn("writing metrics failed", "error", werr)
	}
	return report, err
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, err := absRepo(repoDir)
	if err != nil {
		return workerFailed(err)
	}
	cfg, err := loadConfig(ctx, repo)
	if err != nil {
		return workerFailed(err)
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("target", repo))
	// the driver notifies once per sweep
	cfg.Notifications = config.NotificationsConfig{}

	w := &driver.Worker{
		StatusFile:  workerStatusFile,
		Bare:        workerBare,
		SkipIfClean: workerSkipIfClean,
		Git:         gitutil.New(repo),
		CI:          newCI(cfg, repo),
		Repair: func(ctx context.Context) (*repair.Outcome, error) {
			return runRepair(ctx, cfg, repo)
		},
	}
	status, err := w.Run(ctx)
	fmt.Printf("[worker] %s: %s\n", repo, status)
	return err
}

// workerFailed reports FAIL for a worker that could not start its run
func workerFailed(err error) error {
	if workerStatusFile != "" {
		if werr := driver.WriteStatus(workerStatusFile, domain.TargetFail); werr != nil {
			return fmt.Errorf("%w (writing status: %v)", err, werr)
		}
	}
	return err
}
