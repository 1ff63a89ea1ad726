package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
)

// LocalConfigName is the per-repository config file searched from the working directory upward
const LocalConfigName = ".ci-repair.toml"

// Config holds all application configuration
type Config struct {
	LogLevel      string              `toml:"log_level" env:"CI_REPAIR_LOG_LEVEL,overwrite"`
	Loop          LoopConfig          `toml:"loop"`
	Agent         AgentConfig         `toml:"agent"`
	Prompt        PromptConfig        `toml:"prompt"`
	Guard         GuardConfig         `toml:"guard"`
	Commit        CommitConfig        `toml:"commit"`
	Driver        DriverConfig        `toml:"driver"`
	Archive       ArchiveConfig       `toml:"archive"`
	Notifications NotificationsConfig `toml:"notifications"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

// LoopConfig holds repair loop settings
type LoopConfig struct {
	CICommand         string   `toml:"ci_command" env:"CI_REPAIR_CI_COMMAND,overwrite"`
	MaxAttempts       int      `toml:"max_attempts" env:"CI_REPAIR_MAX_ATTEMPTS,overwrite"`
	Strategy          string   `toml:"strategy" env:"CI_REPAIR_STRATEGY,overwrite"`
	LogTail           int      `toml:"log_tail"`
	FallbackLines     int      `toml:"fallback_lines"`
	CoverageThreshold float64  `toml:"coverage_threshold"`
	MaxPatchLines     int      `toml:"max_patch_lines"`
	PatchRetries      int      `toml:"patch_retries"`
	NarrowWindow      int      `toml:"narrow_window"`
	MaxIssuesPerPass  int      `toml:"max_issues_per_pass"`
	CITimeout         Duration `toml:"ci_timeout"`
	Commit            bool     `toml:"commit"`
	Push              bool     `toml:"push"`
	AutoStage         bool     `toml:"auto_stage"`
	DryRun            bool     `toml:"dry_run"`
	ManualHints       bool     `toml:"manual_hints"`
}

// AgentConfig holds external agent settings
type AgentConfig struct {
	CLI               string   `toml:"cli" env:"CI_CLI_TYPE,overwrite"`
	Model             string   `toml:"model" env:"CI_REPAIR_MODEL,overwrite"`
	ReasoningEffort   string   `toml:"reasoning_effort" env:"CI_REPAIR_REASONING_EFFORT,overwrite"`
	Timeout           Duration `toml:"timeout" env:"CI_REPAIR_AGENT_TIMEOUT,overwrite"`
	MaxRetries        int      `toml:"max_retries"`
	BaseBackoff       Duration `toml:"base_backoff"`
	MaxBackoff        Duration `toml:"max_backoff"`
	PreflightSentinel string   `toml:"preflight_sentinel"`
	AuditLog          string   `toml:"audit_log"`
}

// PromptConfig bounds the request payload
type PromptConfig struct {
	MaxDiffChars   int    `toml:"max_diff_chars"`
	MaxDiffLines   int    `toml:"max_diff_lines"`
	MaxPromptChars int    `toml:"max_prompt_chars"`
	RepoContext    string `toml:"repo_context"`
}

// GuardConfig holds patch safety settings
type GuardConfig struct {
	ProtectedPathPrefixes []string `toml:"protected_path_prefixes"`
	RiskyPatterns         []string `toml:"risky_patterns"`
}

// CommitConfig holds commit message synthesis settings
type CommitConfig struct {
	ChunkLines     int `toml:"chunk_lines"`
	MaxChunks      int `toml:"max_chunks"`
	MaxSubject     int `toml:"max_subject"`
	MapParallelism int `toml:"map_parallelism"`
}

// DriverConfig holds multi-repo driver settings
type DriverConfig struct {
	Root          string   `toml:"root"`
	Targets       []string `toml:"targets"`
	MaxParallel   int      `toml:"max_parallel" env:"CI_REPAIR_MAX_PARALLEL,overwrite"`
	TargetTimeout Duration `toml:"target_timeout"`
	PollInterval  Duration `toml:"poll_interval"`
	OutputDir     string   `toml:"output_dir"`
	WorkerCommand string   `toml:"worker_command"`
	Bare          bool     `toml:"bare"`
	SkipIfClean   bool     `toml:"skip_if_clean"`
	Remediate     bool     `toml:"remediate"`
}

// ArchiveConfig holds artifact archive settings
type ArchiveConfig struct {
	Root      string `toml:"root"`
	IndexPath string `toml:"index_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// DefaultProtectedPathPrefixes are never patched by the agent
var DefaultProtectedPathPrefixes = []string{
	"ci.py",
	"ci_tools/",
	"scripts/ci.sh",
	"Makefile",
	".github/workflows/",
	"ci-config/",
}

// DefaultRiskyPatterns reject a candidate whenever they match anywhere in the diff
var DefaultRiskyPatterns = []string{
	`(?i)\bDROP\s+TABLE\b`,
	`rm\s+-rf`,
	`subprocess\.run\([^)]*['"]rm['"]`,
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogLevel: "info",
		Loop: LoopConfig{
			CICommand:         "./scripts/ci.sh",
			MaxAttempts:       5,
			Strategy:          "whole-diff",
			LogTail:           200,
			FallbackLines:     40,
			CoverageThreshold: 80,
			MaxPatchLines:     1500,
			PatchRetries:      1,
			NarrowWindow:      1,
			MaxIssuesPerPass:  10,
			CITimeout:         Duration(30 * time.Minute),
			AutoStage:         true,
			ManualHints:       true,
		},
		Agent: AgentConfig{
			CLI:               "auto",
			Model:             "claude-sonnet-4-20250514",
			ReasoningEffort:   "high",
			Timeout:           Duration(15 * time.Minute),
			MaxRetries:        3,
			BaseBackoff:       Duration(2 * time.Second),
			MaxBackoff:        Duration(30 * time.Second),
			PreflightSentinel: "preflight check passed",
		},
		Prompt: PromptConfig{
			MaxDiffChars:   50000,
			MaxDiffLines:   1000,
			MaxPromptChars: 120000,
		},
		Guard: GuardConfig{
			ProtectedPathPrefixes: append([]string(nil), DefaultProtectedPathPrefixes...),
			RiskyPatterns:         append([]string(nil), DefaultRiskyPatterns...),
		},
		Commit: CommitConfig{
			ChunkLines:     6000,
			MaxChunks:      4,
			MaxSubject:     72,
			MapParallelism: 2,
		},
		Driver: DriverConfig{
			TargetTimeout: Duration(20 * time.Minute),
			PollInterval:  Duration(2 * time.Second),
			OutputDir:     filepath.Join(home, ".ci-repair", "driver"),
			Remediate:     true,
		},
		Archive: ArchiveConfig{
			Root: filepath.Join(home, ".ci-repair", "runs"),
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// FindLocalConfig walks from the working directory upward looking for LocalConfigName.
// Returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path when given, else the nearest
// local config, else the user config.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// ApplyEnv overlays environment variables onto the config. A dotenv file is
// read first when envFile names an existing file; variables already present in
// the process environment win over the file.
func (c *Config) ApplyEnv(ctx context.Context, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}
	return c.applyEnvFrom(ctx, envconfig.OsLookuper())
}

func (c *Config) applyEnvFrom(ctx context.Context, lookuper envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   c,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks values the loop cannot run without
func (c *Config) Validate() error {
	if c.Loop.MaxAttempts < 1 {
		return fmt.Errorf("loop.max_attempts must be >= 1, got %d", c.Loop.MaxAttempts)
	}
	switch c.Loop.Strategy {
	case "whole-diff", "issue-by-issue":
	default:
		return fmt.Errorf("loop.strategy must be whole-diff or issue-by-issue, got %q", c.Loop.Strategy)
	}
	switch c.Agent.CLI {
	case "auto", "claude", "codex":
	default:
		return fmt.Errorf("agent.cli must be auto, claude or codex, got %q", c.Agent.CLI)
	}
	switch c.Agent.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("agent.reasoning_effort must be low, medium or high, got %q", c.Agent.ReasoningEffort)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Commit.MaxChunks < 1 {
		return fmt.Errorf("commit.max_chunks must be >= 1, got %d", c.Commit.MaxChunks)
	}
	return nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) expandPaths() {
	c.Archive.Root = ExpandPath(c.Archive.Root)
	c.Archive.IndexPath = ExpandPath(c.Archive.IndexPath)
	c.Driver.Root = ExpandPath(c.Driver.Root)
	c.Driver.OutputDir = ExpandPath(c.Driver.OutputDir)
	c.Agent.AuditLog = ExpandPath(c.Agent.AuditLog)
	c.Metrics.Textfile = ExpandPath(c.Metrics.Textfile)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ci-repair", "config.toml")
}
