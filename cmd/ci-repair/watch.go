package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/tui"
)

var (
	watchOutputDir string
	watchInterval  time.Duration
)

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a running or finished sweep",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchOutputDir, "output-dir", "", "driver output directory (default: [driver].output_dir)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := watchOutputDir
	if dir == "" {
		cfg, err := loadConfig(ctx, ".")
		if err != nil {
			return err
		}
		dir = cfg.Driver.OutputDir
	}
	if dir == "" {
		return fmt.Errorf("output directory is required")
	}
	return tui.Run(ctx, config.ExpandPath(dir), watchInterval)
}
