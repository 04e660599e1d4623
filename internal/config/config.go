package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autopilot-ci/autopilot/internal/autopilot/stack"
)

// DefaultPath is where Resolve looks when no explicit path is given.
const DefaultPath = "autopilot.yaml"

// Duration is a time.Duration that unmarshals from YAML strings like "60s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// ProjectKeys are the tracker projects scanned for open issues.
	ProjectKeys []string `yaml:"project_keys"`

	// Repos maps a project key to its default repository (owner/name).
	Repos map[string]string `yaml:"repos"`
	// DefaultRepo is the global fallback repository.
	DefaultRepo string `yaml:"default_repo"`

	// TargetStatuses maps a project key to the tracker status set on merge.
	TargetStatuses map[string]string `yaml:"target_statuses"`
	// DefaultTargetStatus is the fallback merge status.
	DefaultTargetStatus string `yaml:"default_target_status"`
	// InProgressStatus / InReviewStatus are the statuses used while working.
	InProgressStatus string `yaml:"in_progress_status"`
	InReviewStatus   string `yaml:"in_review_status"`

	// DefaultStack is used when repository marker detection comes up empty.
	DefaultStack string `yaml:"default_stack"`
	// BranchMode is "feature" (one stable branch per repo) or "timestamped".
	BranchMode string `yaml:"branch_mode"`
	// BaseBranch is the PR target branch.
	BaseBranch string `yaml:"base_branch"`

	// PollInterval is the period of the issue discovery scan.
	PollInterval Duration `yaml:"poll_interval"`
	// MonitorInterval is the period of the PR check sweep.
	MonitorInterval Duration `yaml:"monitor_interval"`
	// Workers bounds how many tickets are processed concurrently.
	Workers int `yaml:"workers"`
	// FailureThreshold is consecutive failing sweeps before giving up on a PR.
	FailureThreshold int `yaml:"failure_threshold"`
	// AbandonAfter is how long a PR may stall before its ticket is abandoned.
	AbandonAfter Duration `yaml:"abandon_after"`

	// HistoryLimit caps the in-memory history ring.
	HistoryLimit int `yaml:"history_limit"`
	// DBPath overrides the default sqlite database location.
	DBPath string `yaml:"db_path"`
}

// Load reads and parses a config file at the given path, fills defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve loads the explicit path if given, otherwise DefaultPath in the
// working directory.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Load(DefaultPath)
}

func (c *Config) applyDefaults() {
	if c.DefaultTargetStatus == "" {
		c.DefaultTargetStatus = "Done"
	}
	if c.InProgressStatus == "" {
		c.InProgressStatus = "In Progress"
	}
	if c.InReviewStatus == "" {
		c.InReviewStatus = "In Review"
	}
	if c.BranchMode == "" {
		c.BranchMode = "feature"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(60 * time.Second)
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = Duration(30 * time.Second)
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = Duration(2 * time.Hour)
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
}

func (c *Config) validate() error {
	if len(c.ProjectKeys) == 0 {
		return fmt.Errorf("missing required field: project_keys")
	}
	for _, key := range c.ProjectKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("project_keys contains an empty key")
		}
	}
	if c.DefaultRepo != "" && !validRepo(c.DefaultRepo) {
		return fmt.Errorf("default_repo %q is not in owner/name form", c.DefaultRepo)
	}
	for project, repo := range c.Repos {
		if !validRepo(repo) {
			return fmt.Errorf("repos.%s: %q is not in owner/name form", project, repo)
		}
	}
	if c.BranchMode != "feature" && c.BranchMode != "timestamped" {
		return fmt.Errorf("branch_mode must be \"feature\" or \"timestamped\", got %q", c.BranchMode)
	}
	if c.DefaultStack != "" && stack.Parse(c.DefaultStack) == stack.Unknown {
		return fmt.Errorf("default_stack %q is not a known stack", c.DefaultStack)
	}
	return nil
}

func validRepo(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}
