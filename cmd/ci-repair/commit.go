package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
)

var commitDiffFile string

func init() {
	commitCmd := &cobra.Command{
		Use:   "commit-message",
		Short: "Synthesize a one-line commit subject for a diff",
		Long: `Reads a diff from --diff-file ("-" for stdin), or the staged diff of the
repository when no file is given, and prints a commit subject. Large diffs
are summarized in chunks before the subject is written.`,
		Args: cobra.NoArgs,
		RunE: runCommitMessage,
	}
	commitCmd.Flags().StringVar(&commitDiffFile, "diff-file", "", "diff to summarize (\"-\" for stdin)")
	rootCmd.AddCommand(commitCmd)
}

func runCommitMessage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repo, err := absRepo(repoDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, repo)
	if err != nil {
		return err
	}

	var diff string
	switch commitDiffFile {
	case "":
		diff, err = gitutil.New(repo).StagedDiff(ctx)
	case "-":
		var data []byte
		data, err = io.ReadAll(os.Stdin)
		diff = string(data)
	default:
		var data []byte
		data, err = os.ReadFile(commitDiffFile)
		diff = string(data)
	}
	if err != nil {
		return fmt.Errorf("reading diff: %w", err)
	}
	if diff == "" {
		return fmt.Errorf("empty diff")
	}

	builder := newPrompts(cfg, repo)
	subject, err := newSynthesizer(cfg, newAgent(cfg, repo), builder).Synthesize(ctx, diff)
	if err != nil {
		return err
	}
	fmt.Println(subject)
	return nil
}
