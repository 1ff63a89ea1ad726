package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/commitmsg"
	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/notify"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
	"github.com/hochfrequenz/ci-repair-loop/internal/repair"
)

// loadConfig resolves the configuration once: file, dotenv, environment,
// then the repository's own JSON config.
func loadConfig(ctx context.Context, repo string) (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	env := envFile
	if env == "" {
		env = filepath.Join(repo, ".env")
	}
	if err := cfg.ApplyEnv(ctx, env); err != nil {
		return nil, err
	}
	rc, path, err := config.LoadRepoConfig(repo)
	if err != nil {
		return nil, err
	}
	if path != "" {
		clog.FromContext(ctx).Debug("repository config loaded", "path", path)
	}
	cfg.ApplyRepo(rc)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func absRepo(dir string) (string, error) {
	abs, err := filepath.Abs(config.ExpandPath(dir))
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("repository %s not found", abs)
	}
	return abs, nil
}

func newAgent(cfg *config.Config, dir string) *agent.CLIClient {
	retry := agent.DefaultRetryConfig()
	retry.MaxRetries = cfg.Agent.MaxRetries
	retry.BaseBackoff = cfg.Agent.BaseBackoff.Std()
	retry.MaxBackoff = cfg.Agent.MaxBackoff.Std()
	return agent.NewCLIClient(agent.Options{
		Backend:           cfg.Agent.CLI,
		Model:             cfg.Agent.Model,
		ReasoningEffort:   cfg.Agent.ReasoningEffort,
		Timeout:           cfg.Agent.Timeout.Std(),
		Retry:             retry,
		PreflightSentinel: cfg.Agent.PreflightSentinel,
		AuditLog:          cfg.Agent.AuditLog,
		APIKeySet:         os.Getenv("ANTHROPIC_API_KEY") != "",
		Dir:               dir,
	})
}

func newPrompts(cfg *config.Config, repo string) *prompts.Builder {
	return prompts.NewBuilder(
		prompts.DefaultLoader(repo),
		prompts.Limits{
			MaxDiffChars:   cfg.Prompt.MaxDiffChars,
			MaxDiffLines:   cfg.Prompt.MaxDiffLines,
			MaxPromptChars: cfg.Prompt.MaxPromptChars,
		},
		cfg.Guard.ProtectedPathPrefixes,
		cfg.Prompt.RepoContext,
	)
}

func newGuard(cfg *config.Config) (*patch.Guard, error) {
	return patch.NewGuard(cfg.Guard.ProtectedPathPrefixes, cfg.Guard.RiskyPatterns, cfg.Loop.MaxPatchLines)
}

func newSynthesizer(cfg *config.Config, client agent.Client, builder *prompts.Builder) *commitmsg.Synthesizer {
	return commitmsg.New(client, builder, commitmsg.Options{
		ChunkLines:     cfg.Commit.ChunkLines,
		MaxChunks:      cfg.Commit.MaxChunks,
		MaxSubject:     cfg.Commit.MaxSubject,
		MapParallelism: cfg.Commit.MapParallelism,
	})
}

func openArchive(cfg *config.Config) (*archive.Store, error) {
	return archive.New(config.ExpandPath(cfg.Archive.Root), cfg.Archive.IndexPath)
}

func newCI(cfg *config.Config, repo string) *repair.ShellCI {
	return &repair.ShellCI{
		Command: cfg.Loop.CICommand,
		Dir:     repo,
		Timeout: cfg.Loop.CITimeout.Std(),
		Stream:  os.Stdout,
	}
}

// runRepair wires a controller for repo and runs it
func runRepair(ctx context.Context, cfg *config.Config, repo string) (*repair.Outcome, error) {
	store, err := openArchive(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	guard, err := newGuard(cfg)
	if err != nil {
		return nil, err
	}
	strategy, err := repair.StrategyByName(cfg.Loop.Strategy, cfg.Loop.MaxIssuesPerPass)
	if err != nil {
		return nil, err
	}
	client := newAgent(cfg, repo)
	builder := newPrompts(cfg, repo)

	opts := repair.OptionsFromConfig(cfg, repo)
	opts.Out = os.Stdout
	ctrl, err := repair.New(repair.Deps{
		CI:         newCI(cfg, repo),
		Agent:      client,
		Classifier: patch.NewDefaultClassifier(),
		Guard:      guard,
		Applier:    patch.NewGitApplier(repo),
		Prompts:    builder,
		Archive:    store,
		Git:        gitutil.New(repo),
		Strategy:   strategy,
		Commit:     newSynthesizer(cfg, client, builder),
		Notify:     notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook),
	}, opts)
	if err != nil {
		return nil, err
	}
	out, err := ctrl.Run(ctx)
	if werr := observer.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
		clog.FromContext(ctx).Warn("writing metrics failed", "error", werr)
	}
	return out, err
}
