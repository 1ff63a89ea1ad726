package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RepoConfigNames are the repository-level JSON files checked in order
var RepoConfigNames = []string{"ci_shared.config.json", ".ci_shared.config.json"}

// RepoConfig is the JSON file a repository ships to tune the loop for itself
type RepoConfig struct {
	ProtectedPathPrefixes []string `json:"protected_path_prefixes"`
	RepoContext           *string  `json:"repo_context"`
	CoverageThreshold     *float64 `json:"coverage_threshold"`
}

// LoadRepoConfig reads the first repository config found under root.
// A missing file yields an empty RepoConfig; a malformed one is an error.
func LoadRepoConfig(root string) (*RepoConfig, string, error) {
	for _, name := range RepoConfigNames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", err
		}
		var rc RepoConfig
		if err := json.Unmarshal(data, &rc); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", path, err)
		}
		return &rc, path, nil
	}
	return &RepoConfig{}, "", nil
}

// ApplyRepo overlays repository settings. Protected prefixes replace the
// configured list entirely.
func (c *Config) ApplyRepo(rc *RepoConfig) {
	if rc == nil {
		return
	}
	if rc.ProtectedPathPrefixes != nil {
		c.Guard.ProtectedPathPrefixes = append([]string(nil), rc.ProtectedPathPrefixes...)
	}
	if rc.RepoContext != nil {
		c.Prompt.RepoContext = *rc.RepoContext
	}
	if rc.CoverageThreshold != nil {
		c.Loop.CoverageThreshold = *rc.CoverageThreshold
	}
}
