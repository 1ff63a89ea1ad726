package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/repair"
)

var (
	runMaxAttempts int
	runStrategy    string
	runCommit      bool
	runPush        bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the repair loop in a repository",
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "override loop.max_attempts")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "whole-diff or issue-by-issue")
	runCmd.Flags().BoolVar(&runCommit, "commit", false, "commit the fix when CI passes")
	runCmd.Flags().BoolVar(&runPush, "push", false, "push after committing")
	rootCmd.AddCommand(runCmd)

	dryRunCmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Run CI once and print the prompt the agent would receive",
		RunE:  runDryRun,
	}
	rootCmd.AddCommand(dryRunCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, err := absRepo(repoDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, repo)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Loop.DryRun {
		return dryRun(ctx, cfg, repo)
	}

	out, err := runRepair(ctx, cfg, repo)
	if err != nil {
		return err
	}
	if out.Err != nil {
		return withExitCode(out.ExitCode(), out.Err)
	}
	fmt.Printf("[loop] done: run %s, %d attempt(s)\n", out.Session.ID, len(out.Session.Attempts))
	return nil
}

// applyRunFlags layers the run command's flags over cfg
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if runMaxAttempts > 0 {
		cfg.Loop.MaxAttempts = runMaxAttempts
	}
	if runStrategy != "" {
		cfg.Loop.Strategy = runStrategy
	}
	if cmd.Flags().Changed("commit") {
		cfg.Loop.Commit = runCommit
	}
	if cmd.Flags().Changed("push") {
		cfg.Loop.Push = runPush
	}
}

func runDryRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, err := absRepo(repoDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, repo)
	if err != nil {
		return err
	}
	return dryRun(ctx, cfg, repo)
}

// dryRun runs CI once with cfg as given and archives the prompt it builds
func dryRun(ctx context.Context, cfg *config.Config, repo string) error {
	opts := repair.OptionsFromConfig(cfg, repo)
	res, err := repair.DryRun(ctx, newCI(cfg, repo), gitutil.New(repo), newPrompts(cfg, repo), opts)
	if err != nil {
		return err
	}
	if res.Prompt == "" {
		fmt.Println("[dry-run] CI passed; nothing to repair")
		return nil
	}

	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	now := time.Now()
	sess := &domain.RunSession{
		ID:          repair.NewRunID(now),
		Repo:        repo,
		Strategy:    cfg.Loop.Strategy,
		MaxAttempts: cfg.Loop.MaxAttempts,
		StartedAt:   now,
	}
	run, err := store.StartRun(sess)
	if err != nil {
		return err
	}
	path, err := run.WriteString(1, archive.FilePrompt, res.Prompt)
	if err != nil {
		return err
	}
	if _, err := run.WriteString(1, archive.FileCILog, res.CI.Output); err != nil {
		return err
	}
	if err := store.FinishRun(sess.ID, "dry_run", time.Now()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "[dry-run] CI failed (exit %d), %d issue(s)\n", res.CI.ExitCode, len(res.Issues))
	fmt.Println(res.Prompt)
	fmt.Printf("[dry-run] prompt written to %s\n", path)
	return nil
}
