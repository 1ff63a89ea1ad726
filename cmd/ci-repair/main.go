package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	logLevel   string
	repoDir    string
	rootCmd    = &cobra.Command{
		Use:   "ci-repair",
		Short: "CI repair loop - runs CI and lets an agent patch failures",
		Long: `ci-repair runs a repository's CI command, extracts the failures from its log,
asks an external coding agent for a unified diff, guards and applies it,
and repeats until CI passes or the attempt budget is spent.

The drive command runs the same loop across many repositories in parallel.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogging,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: nearest .ci-repair.toml, then ~/.config/ci-repair/config.toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before environment overrides (default: <repo>/.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&repoDir, "repo", ".", "repository root")
}

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code, err: err}
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level := logLevel
	if level == "" {
		level = os.Getenv("CI_REPAIR_LOG_LEVEL")
	}
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return fmt.Errorf("invalid log level %q", level)
		}
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	cmd.SetContext(clog.WithLogger(cmd.Context(), clog.New(handler)))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
