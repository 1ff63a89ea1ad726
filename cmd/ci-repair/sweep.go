package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/driver"
	"github.com/hochfrequenz/ci-repair-loop/internal/sweep"
)

var sweepList bool

func init() {
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the [[sweep]] entries of the config file on their cron schedules",
		Long: `Reads the [[sweep]] entries of the config file and runs a driver sweep for
each one when its cron expression fires. Each sweep writes into its own
subdirectory of the driver output directory. Runs until interrupted.`,
		RunE: runSweep,
	}
	sweepCmd.Flags().BoolVar(&sweepList, "list", false, "print the next run of each sweep and exit")
	rootCmd.AddCommand(sweepCmd)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if local := config.FindLocalConfig(); local != "" {
		return local
	}
	return config.DefaultConfigPath()
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, ".")
	if err != nil {
		return err
	}
	path := resolvedConfigPath()
	entries, err := sweep.Load(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no [[sweep]] entries in %s", path)
	}
	sched, err := sweep.NewScheduler(entries)
	if err != nil {
		return err
	}

	if sweepList {
		for _, name := range sched.Names() {
			fmt.Printf("%-20s next run %s\n", name, sched.NextRun(name).Format("2006-01-02 15:04"))
		}
		return nil
	}

	clog.FromContext(ctx).Info("sweep scheduler started", "config", path, "sweeps", len(entries))
	sched.Start(ctx, func(ctx context.Context, e sweep.Entry) error {
		sc := *cfg
		if len(e.Targets) > 0 {
			sc.Driver.Targets = e.Targets
		}
		sc.Driver.OutputDir = filepath.Join(config.ExpandPath(cfg.Driver.OutputDir), e.Name)
		report, err := drive(ctx, &sc)
		if err != nil {
			return err
		}
		driver.RenderReport(os.Stdout, report)
		return nil
	})
	return nil
}
