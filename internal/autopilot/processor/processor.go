package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/github"
	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
	"github.com/autopilot-ci/autopilot/internal/autopilot/scaffold"
	"github.com/autopilot-ci/autopilot/internal/autopilot/stack"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// RepoClient is the slice of the GitHub client the processor needs.
type RepoClient interface {
	ListTopLevelFiles(ctx context.Context, owner, repo string) ([]string, error)
	FileContent(ctx context.Context, owner, repo, path, ref string) (content []byte, found bool, err error)
	EnsureBranch(ctx context.Context, owner, repo, branch, base string) error
	CommitFile(ctx context.Context, owner, repo, branch, path, message string, content []byte) (string, error)
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*github.PR, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (github.PR, error)
	PostPRComment(ctx context.Context, owner, repo string, prNumber int, body string) error
}

// IssueClient is the slice of the Jira client the processor needs.
type IssueClient interface {
	GetIssue(ctx context.Context, issueKey string) (jira.Issue, error)
	TransitionIssue(ctx context.Context, issueKey, targetStatus string) error
	PostComment(ctx context.Context, issueKey, text, linkText, linkURL string) error
}

// ActivityLogger records lifecycle events for the dashboard activity feed.
type ActivityLogger interface {
	LogActivity(issueKey, eventType, fromState, toState, detail string) error
}

// BranchMode selects how feature branches are named.
type BranchMode string

const (
	// BranchModeFeature uses one stable branch per repository, so repeated
	// tickets against the same repository accumulate onto a single PR.
	BranchModeFeature BranchMode = "feature"
	// BranchModeTimestamped opens a fresh uniquely-named branch per ticket.
	BranchModeTimestamped BranchMode = "timestamped"
)

// Settings holds the resolution policy for the processor.
type Settings struct {
	// DefaultRepo is the global fallback repository (owner/name).
	DefaultRepo string
	// RepoByProject maps a Jira project key to its default repository.
	RepoByProject map[string]string
	// DefaultStack is used when marker detection comes up empty.
	DefaultStack stack.Stack
	// BaseBranch is the PR target branch (usually main).
	BaseBranch string
	// BranchMode selects stable-feature-branch vs timestamped branches.
	BranchMode BranchMode
	// InProgressStatus is the tracker status used to lock an issue.
	InProgressStatus string
	// InReviewStatus is the tracker status set once a PR is open.
	InReviewStatus string
	// CallTimeout bounds each outbound API call.
	CallTimeout time.Duration
}

// Processor advances one Queued ticket to PrOpen: it resolves the target
// repository and stack, scaffolds the pipeline onto the feature branch, and
// opens (or reuses) the pull request.
type Processor struct {
	repos    RepoClient
	issues   IssueClient
	scaffold scaffold.Generator
	store    *store.Store
	activity ActivityLogger
	rules    []stack.Rule
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds the dependencies for a Processor.
type Config struct {
	Repos    RepoClient
	Issues   IssueClient
	Scaffold scaffold.Generator
	Store    *store.Store
	Activity ActivityLogger
	Rules    []stack.Rule // defaults to stack.DefaultRules
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

// New creates a Processor.
func New(cfg Config) *Processor {
	rules := cfg.Rules
	if rules == nil {
		rules = stack.DefaultRules
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	settings := cfg.Settings
	if settings.BaseBranch == "" {
		settings.BaseBranch = "main"
	}
	if settings.BranchMode == "" {
		settings.BranchMode = BranchModeFeature
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	if settings.InProgressStatus == "" {
		settings.InProgressStatus = "In Progress"
	}
	if settings.InReviewStatus == "" {
		settings.InReviewStatus = "In Review"
	}
	return &Processor{
		repos:    cfg.Repos,
		issues:   cfg.Issues,
		scaffold: cfg.Scaffold,
		store:    cfg.Store,
		activity: cfg.Activity,
		rules:    rules,
		settings: settings,
		logger:   logger,
		now:      now,
	}
}

// issueContext is the optional JSON config block users embed in an issue
// description to override resolution.
type issueContext struct {
	Repository   string `json:"repository"`
	Stack        string `json:"stack"`
	Language     string `json:"language"` // legacy alias for stack
	BuildCommand string `json:"buildCommand"`
	TestCommand  string `json:"testCommand"`
}

// ErrIssueClaimed is returned when the tracker refuses the in-progress
// transition, meaning another actor or user owns the issue.
var ErrIssueClaimed = errors.New("issue claimed by another actor")

var jsonBlockPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// parseContext extracts the JSON config block from an issue description.
// Invalid JSON is ignored rather than failing the ticket.
func parseContext(description string) issueContext {
	m := jsonBlockPattern.FindStringSubmatch(description)
	if m == nil {
		return issueContext{}
	}
	var ic issueContext
	if err := json.Unmarshal([]byte(m[1]), &ic); err != nil {
		return issueContext{}
	}
	return ic
}

// BranchName returns the stable feature branch for a repository
// (feature/copilot-<name>).
func BranchName(repo string) string {
	name := repo
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		name = repo[i+1:]
	}
	return "feature/copilot-" + name
}

// Process drives one ticket from Queued to PrOpen. Any returned error is
// converted by the dispatcher into a Failed terminal state; the store is
// only mutated after the corresponding remote operation succeeded, so
// readers never observe partial results.
func (p *Processor) Process(ctx context.Context, issue jira.Issue) error {
	key := issue.Key

	if err := p.store.Transition(key, store.StateProcessing); err != nil {
		return fmt.Errorf("starting ticket: %w", err)
	}
	p.logActivity(key, "processing_started", string(store.StateQueued), string(store.StateProcessing),
		fmt.Sprintf("Processing %s (%s)", key, issue.Priority))

	ic := parseContext(issue.Description)

	// Lock the issue in the tracker. When the transition is unavailable
	// another actor already owns the issue; skip it this cycle instead of
	// fighting over it. A later scan re-offers the issue if it comes back
	// to an open status.
	if err := p.transitionIssue(ctx, key, p.settings.InProgressStatus); err != nil {
		p.logger.Info("issue claimed elsewhere, skipping", "issue", key, "error", err)
		return fmt.Errorf("locking %s in tracker: %w", key, ErrIssueClaimed)
	}

	repo, err := p.resolveRepo(issue, ic)
	if err != nil {
		return err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	st, err := p.resolveStack(ctx, owner, name, ic)
	if err != nil {
		return err
	}

	branch := BranchName(repo)
	if p.settings.BranchMode == BranchModeTimestamped {
		branch = fmt.Sprintf("add-ci-%s-%d", name, p.now().Unix())
	}

	if err := p.ensureBranch(ctx, owner, name, branch); err != nil {
		return fmt.Errorf("preparing branch %s: %w", branch, err)
	}

	if err := p.postComment(ctx, key,
		fmt.Sprintf("Autopilot engaging. Target: %s, stack: %s, branch: %s.", repo, st, branch), "", ""); err != nil {
		p.logger.Warn("posting engage comment", "issue", key, "error", err)
	}

	path, content, err := p.scaffold.Generate(repo, st, ic.BuildCommand, ic.TestCommand)
	if err != nil {
		return fmt.Errorf("generating pipeline: %w", err)
	}

	commitURL, err := p.commitFile(ctx, owner, name, branch, path, content, key)
	if err != nil {
		return fmt.Errorf("committing pipeline: %w", err)
	}
	p.logActivity(key, "pipeline_committed", "", "", fmt.Sprintf("Committed %s to %s (%s)", path, branch, commitURL))

	pr, reused, err := p.openOrReusePR(ctx, owner, name, branch, issue)
	if err != nil {
		return fmt.Errorf("opening pull request: %w", err)
	}

	// One consistent store mutation: resolution results plus the PR, then
	// the state advance and monitor registration.
	if err := p.store.Update(key, func(rec *store.TicketRecord) {
		rec.Repo = repo
		rec.Stack = st
		rec.Branch = branch
		rec.PRNumber = pr.Number
		rec.PRURL = pr.HTMLURL
	}); err != nil {
		return fmt.Errorf("recording resolution: %w", err)
	}
	if err := p.store.Transition(key, store.StatePrOpen); err != nil {
		return fmt.Errorf("advancing to pr_open: %w", err)
	}
	if err := p.store.AddMonitoredPR(store.MonitoredPR{
		IssueKey: key,
		Repo:     repo,
		Number:   pr.Number,
		NodeID:   pr.NodeID,
		URL:      pr.HTMLURL,
		Draft:    pr.Draft,
	}); err != nil {
		return fmt.Errorf("registering monitored PR: %w", err)
	}

	detail := fmt.Sprintf("Opened PR #%d for %s", pr.Number, key)
	if reused {
		detail = fmt.Sprintf("Reusing open PR #%d for %s", pr.Number, key)
	}
	p.logActivity(key, "pr_open", string(store.StateProcessing), string(store.StatePrOpen), detail)

	if err := p.postComment(ctx, key, "Pull Request opened for review.", "View PR", pr.HTMLURL); err != nil {
		p.logger.Warn("posting PR comment", "issue", key, "error", err)
	}
	if err := p.transitionIssue(ctx, key, p.settings.InReviewStatus); err != nil {
		p.logger.Warn("could not move issue to in-review", "issue", key, "error", err)
	}

	return nil
}

// resolveRepo picks the target repository: explicit issue hint first, then
// the project default, then the global default.
func (p *Processor) resolveRepo(issue jira.Issue, ic issueContext) (string, error) {
	if ic.Repository != "" {
		return ic.Repository, nil
	}
	if repo, ok := p.settings.RepoByProject[issue.Project]; ok && repo != "" {
		return repo, nil
	}
	if p.settings.DefaultRepo != "" {
		return p.settings.DefaultRepo, nil
	}
	return "", fmt.Errorf("could not determine repository for %s: no hint and no default configured", issue.Key)
}

// resolveStack picks the technology stack: explicit hint first, then marker
// files in the repository, then the configured default. Detection never hard
// fails on an empty result, only on an unreachable repository.
func (p *Processor) resolveStack(ctx context.Context, owner, name string, ic issueContext) (stack.Stack, error) {
	hint := ic.Stack
	if hint == "" {
		hint = ic.Language
	}
	if hint != "" {
		if st := stack.Parse(strings.ToLower(hint)); st != stack.Unknown {
			return st, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	files, err := p.repos.ListTopLevelFiles(callCtx, owner, name)
	if err != nil {
		return stack.Unknown, fmt.Errorf("inspecting repository %s/%s: %w", owner, name, err)
	}

	if st := stack.Detect(files, p.rules); st != stack.Unknown {
		return st, nil
	}
	if p.settings.DefaultStack != "" && p.settings.DefaultStack != stack.Unknown {
		return p.settings.DefaultStack, nil
	}
	return stack.Python, nil
}

// openOrReusePR returns the open PR for the feature branch, creating it if
// none exists. Reuse keeps the one-open-PR-per-repository invariant when
// multiple tickets resolve to the same repository.
func (p *Processor) openOrReusePR(ctx context.Context, owner, name, branch string, issue jira.Issue) (github.PR, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	existing, err := p.repos.FindOpenPR(callCtx, owner, name, branch, p.settings.BaseBranch)
	if err != nil {
		return github.PR{}, false, err
	}
	if existing != nil {
		return *existing, true, nil
	}

	title := fmt.Sprintf("Add CI pipeline (%s)", issue.Key)
	body := fmt.Sprintf("Automated CI/CD scaffolding for %s.\n\n%s\n\nTracker: %s", issue.Key, issue.Summary, issue.URL)

	createCtx, cancelCreate := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancelCreate()
	pr, err := p.repos.CreatePullRequest(createCtx, owner, name, branch, p.settings.BaseBranch, title, body)
	if err != nil {
		return github.PR{}, false, err
	}
	return pr, false, nil
}

func (p *Processor) ensureBranch(ctx context.Context, owner, name, branch string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	return p.repos.EnsureBranch(callCtx, owner, name, branch, p.settings.BaseBranch)
}

func (p *Processor) commitFile(ctx context.Context, owner, name, branch, path string, content []byte, issueKey string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	message := fmt.Sprintf("Add CI pipeline for %s", issueKey)
	return p.repos.CommitFile(callCtx, owner, name, branch, path, message, content)
}

func (p *Processor) postComment(ctx context.Context, key, text, linkText, linkURL string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	return p.issues.PostComment(callCtx, key, text, linkText, linkURL)
}

func (p *Processor) transitionIssue(ctx context.Context, key, target string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancel()
	return p.issues.TransitionIssue(callCtx, key, target)
}

func (p *Processor) logActivity(key, eventType, from, to, detail string) {
	if p.activity == nil {
		return
	}
	if err := p.activity.LogActivity(key, eventType, from, to, detail); err != nil {
		p.logger.Warn("logging activity", "issue", key, "error", err)
	}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", repo)
	}
	return parts[0], parts[1], nil
}
