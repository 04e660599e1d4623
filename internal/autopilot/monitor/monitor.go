package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/github"
	"github.com/autopilot-ci/autopilot/internal/autopilot/retry"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// Aggregate is the combined verdict over a PR's check runs.
type Aggregate string

const (
	AggregatePending Aggregate = "pending"
	AggregateSuccess Aggregate = "success"
	AggregateFailure Aggregate = "failure"
)

// AggregateChecks folds a set of check runs into one verdict. Success
// requires every check completed successfully and at least one check to
// exist; an empty set is Pending, never Success.
func AggregateChecks(checks []github.CheckRun) Aggregate {
	if len(checks) == 0 {
		return AggregatePending
	}
	verdict := AggregateSuccess
	for _, c := range checks {
		switch c.Conclusion {
		case "failure", "timed_out", "cancelled":
			return AggregateFailure
		case "success":
		default:
			verdict = AggregatePending
		}
		if c.Status != "completed" {
			verdict = AggregatePending
		}
	}
	return verdict
}

// RepoClient is the slice of the GitHub client the monitor needs.
type RepoClient interface {
	FetchPR(ctx context.Context, owner, repo string, prNumber int) (github.PR, error)
	FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]github.CheckRun, error)
	ApprovePR(ctx context.Context, owner, repo string, prNumber int, body string) error
	EnableAutoMerge(ctx context.Context, prNodeID string) error
	MarkReadyForReview(ctx context.Context, prNodeID string) error
	PostPRComment(ctx context.Context, owner, repo string, prNumber int, body string) error
}

// IssueClient is the slice of the Jira client the monitor needs.
type IssueClient interface {
	TransitionIssue(ctx context.Context, issueKey, targetStatus string) error
	PostComment(ctx context.Context, issueKey, text, linkText, linkURL string) error
}

// ActivityLogger records lifecycle events for the dashboard activity feed.
type ActivityLogger interface {
	LogActivity(issueKey, eventType, fromState, toState, detail string) error
}

// Settings holds the monitor's policy knobs.
type Settings struct {
	// Interval between sweeps over the monitored PRs.
	Interval time.Duration
	// FailureThreshold is the number of consecutive failing sweeps before a
	// ticket is declared Failed.
	FailureThreshold int
	// AbandonAfter is how long a PR may sit without observable progress
	// before its ticket is Abandoned.
	AbandonAfter time.Duration
	// TargetStatusByProject maps a project key to the tracker status set on
	// merge. Projects without an entry use DefaultTargetStatus.
	TargetStatusByProject map[string]string
	// DefaultTargetStatus is the fallback tracker status on merge.
	DefaultTargetStatus string
	// CallTimeout bounds each outbound API call.
	CallTimeout time.Duration
}

// Monitor sweeps the monitored PRs: it undrafts PRs whose checks started,
// approves and auto-merges green ones, and retires tickets whose PR merged,
// failed repeatedly, or stalled.
type Monitor struct {
	repos    RepoClient
	issues   IssueClient
	store    *store.Store
	activity ActivityLogger
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds the dependencies for a Monitor.
type Config struct {
	Repos    RepoClient
	Issues   IssueClient
	Store    *store.Store
	Activity ActivityLogger
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	settings := cfg.Settings
	if settings.Interval <= 0 {
		settings.Interval = 30 * time.Second
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.AbandonAfter <= 0 {
		settings.AbandonAfter = 2 * time.Hour
	}
	if settings.DefaultTargetStatus == "" {
		settings.DefaultTargetStatus = "Done"
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	return &Monitor{
		repos:    cfg.Repos,
		issues:   cfg.Issues,
		store:    cfg.Store,
		activity: cfg.Activity,
		settings: settings,
		logger:   logger,
		now:      now,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("pr monitor started", "interval", m.settings.Interval)

	m.Sweep(ctx)

	ticker := time.NewTicker(m.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pr monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every monitored PR once. Transient API errors leave the PR
// in place for the next sweep; only definitive outcomes retire a ticket.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, mpr := range m.store.Monitored() {
		if ctx.Err() != nil {
			return
		}
		if err := m.check(ctx, mpr); err != nil {
			if retry.IsPermanent(err) {
				m.fail(ctx, mpr, fmt.Sprintf("monitoring aborted: %v", err))
				continue
			}
			m.logger.Warn("checking PR", "issue", mpr.IssueKey, "pr", mpr.Number, "error", err)
		}
	}
}

func (m *Monitor) check(ctx context.Context, mpr store.MonitoredPR) error {
	owner, name, err := splitRepo(mpr.Repo)
	if err != nil {
		return retry.Permanent(err)
	}

	pr, err := m.fetchPR(ctx, owner, name, mpr.Number)
	if err != nil {
		return err
	}
	if pr.Merged {
		m.finalizeMerged(ctx, mpr)
		return nil
	}
	if pr.State == "closed" {
		m.fail(ctx, mpr, fmt.Sprintf("PR #%d was closed without merging", mpr.Number))
		return nil
	}

	checks, err := m.fetchChecks(ctx, owner, name, pr.HeadSHA)
	if err != nil {
		return err
	}

	stored := make([]store.Check, 0, len(checks))
	for _, c := range checks {
		stored = append(stored, store.Check{Name: c.Name, Status: c.Status, Conclusion: c.Conclusion})
	}
	changed, err := m.store.UpdateChecks(mpr.IssueKey, stored)
	if err != nil {
		// Ticket was retired between listing and updating.
		return nil
	}
	if changed {
		mpr.LastChange = m.now()
	}

	// A draft PR never reports a mergeable verdict; undraft it as soon as
	// CI has picked up the branch. The fetched PR is the source of truth:
	// a PR already undrafted on the remote side only needs the cached flag
	// cleared.
	if pr.Draft && len(checks) > 0 {
		if err := m.markReady(ctx, mpr); err != nil {
			return err
		}
	} else if mpr.Draft && !pr.Draft {
		m.store.UpdateMonitored(mpr.IssueKey, func(p *store.MonitoredPR) { p.Draft = false })
	}

	switch AggregateChecks(checks) {
	case AggregateSuccess:
		if err := m.handleSuccess(ctx, mpr, owner, name); err != nil {
			return err
		}
		m.resetStreak(mpr)
		// Green checks on a PR that never merges (branch protection
		// holding back auto-merge) must not keep the entry alive forever.
		m.checkAbandoned(ctx, mpr)
		return nil
	case AggregateFailure:
		m.handleFailure(ctx, mpr)
		return nil
	default:
		m.resetStreak(mpr)
		m.checkAbandoned(ctx, mpr)
		return nil
	}
}

// resetStreak clears the consecutive-failure counter after a sweep that did
// not aggregate to Failure.
func (m *Monitor) resetStreak(mpr store.MonitoredPR) {
	if mpr.FailStreak == 0 {
		return
	}
	m.store.UpdateMonitored(mpr.IssueKey, func(p *store.MonitoredPR) { p.FailStreak = 0 })
}

// handleSuccess approves the PR once and enables auto-merge. The ticket only
// becomes Merged when the merge is actually observed on a later sweep.
func (m *Monitor) handleSuccess(ctx context.Context, mpr store.MonitoredPR, owner, name string) error {
	if !mpr.Approved {
		callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
		err := m.repos.ApprovePR(callCtx, owner, name, mpr.Number, "All checks passed. Approving automatically.")
		cancel()
		if err != nil {
			return err
		}
		if err := m.store.UpdateMonitored(mpr.IssueKey, func(p *store.MonitoredPR) { p.Approved = true }); err != nil {
			return nil
		}
		m.logActivity(mpr.IssueKey, "pr_approved", "", "", fmt.Sprintf("Approved PR #%d", mpr.Number))
	}

	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	err := m.repos.EnableAutoMerge(callCtx, mpr.NodeID)
	cancel()
	if err != nil {
		return err
	}

	rec, ok := m.store.Get(mpr.IssueKey)
	if ok && rec.State == store.StatePrOpen {
		if err := m.store.Transition(mpr.IssueKey, store.StateMonitoring); err == nil {
			m.logActivity(mpr.IssueKey, "awaiting_merge", string(store.StatePrOpen), string(store.StateMonitoring),
				fmt.Sprintf("Checks green on PR #%d, auto-merge armed", mpr.Number))
		}
	}
	return nil
}

// handleFailure counts consecutive failing sweeps and declares the ticket
// Failed once the threshold is reached. The PR stays open for a human.
func (m *Monitor) handleFailure(ctx context.Context, mpr store.MonitoredPR) {
	streak := mpr.FailStreak + 1
	if err := m.store.UpdateMonitored(mpr.IssueKey, func(p *store.MonitoredPR) { p.FailStreak = streak }); err != nil {
		return
	}
	m.logger.Warn("checks failing", "issue", mpr.IssueKey, "pr", mpr.Number,
		"streak", streak, "threshold", m.settings.FailureThreshold)
	if streak < m.settings.FailureThreshold {
		return
	}

	owner, name, _ := splitRepo(mpr.Repo)
	detail := fmt.Sprintf("CI failed on %d consecutive checks of PR #%d", streak, mpr.Number)
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.repos.PostPRComment(callCtx, owner, name, mpr.Number,
		"Automated monitoring giving up: checks keep failing. Leaving this PR open for manual review."); err != nil {
		m.logger.Warn("posting failure comment", "issue", mpr.IssueKey, "error", err)
	}
	cancel()
	callCtx, cancel = context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.issues.PostComment(callCtx, mpr.IssueKey,
		"CI checks kept failing. The pull request needs manual attention.", "View PR", mpr.URL); err != nil {
		m.logger.Warn("posting failure comment", "issue", mpr.IssueKey, "error", err)
	}
	cancel()

	m.terminalize(mpr.IssueKey, store.StateFailed, store.ResultFailure, detail)
	m.logActivity(mpr.IssueKey, "checks_failed", "", string(store.StateFailed), detail)
}

// checkAbandoned retires tickets whose PR has shown no check progress for
// longer than the abandonment window.
func (m *Monitor) checkAbandoned(ctx context.Context, mpr store.MonitoredPR) {
	if mpr.LastChange.IsZero() || m.now().Sub(mpr.LastChange) < m.settings.AbandonAfter {
		return
	}
	detail := fmt.Sprintf("No CI progress on PR #%d for %s, abandoning", mpr.Number, m.settings.AbandonAfter)
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.issues.PostComment(callCtx, mpr.IssueKey,
		"Monitoring stopped: the pull request showed no CI progress.", "View PR", mpr.URL); err != nil {
		m.logger.Warn("posting abandonment comment", "issue", mpr.IssueKey, "error", err)
	}
	cancel()
	m.terminalize(mpr.IssueKey, store.StateAbandoned, store.ResultFailure, detail)
	m.logActivity(mpr.IssueKey, "abandoned", "", string(store.StateAbandoned), detail)
}

// finalizeMerged moves the tracker issue to its target status, posts the
// closing comment, and retires the ticket as Merged. A missing transition in
// the tracker workflow is logged but never blocks the Merged outcome.
func (m *Monitor) finalizeMerged(ctx context.Context, mpr store.MonitoredPR) {
	target := m.targetStatus(mpr.IssueKey)
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.issues.TransitionIssue(callCtx, mpr.IssueKey, target); err != nil {
		m.logger.Warn("could not transition merged issue", "issue", mpr.IssueKey, "target", target, "error", err)
	}
	cancel()
	callCtx, cancel = context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.issues.PostComment(callCtx, mpr.IssueKey,
		"Pull request merged. Pipeline is live.", "View PR", mpr.URL); err != nil {
		m.logger.Warn("posting merge comment", "issue", mpr.IssueKey, "error", err)
	}
	cancel()

	detail := fmt.Sprintf("PR #%d merged", mpr.Number)
	m.terminalize(mpr.IssueKey, store.StateMerged, store.ResultSuccess, detail)
	m.logActivity(mpr.IssueKey, "merged", "", string(store.StateMerged), detail)
	m.logger.Info("ticket merged", "issue", mpr.IssueKey, "pr", mpr.Number)
}

func (m *Monitor) fail(ctx context.Context, mpr store.MonitoredPR, detail string) {
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	if err := m.issues.PostComment(callCtx, mpr.IssueKey, detail, "View PR", mpr.URL); err != nil {
		m.logger.Warn("posting failure comment", "issue", mpr.IssueKey, "error", err)
	}
	cancel()
	m.terminalize(mpr.IssueKey, store.StateFailed, store.ResultFailure, detail)
	m.logActivity(mpr.IssueKey, "monitoring_failed", "", string(store.StateFailed), detail)
}

func (m *Monitor) markReady(ctx context.Context, mpr store.MonitoredPR) error {
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	defer cancel()
	if err := m.repos.MarkReadyForReview(callCtx, mpr.NodeID); err != nil {
		return err
	}
	m.store.UpdateMonitored(mpr.IssueKey, func(p *store.MonitoredPR) { p.Draft = false })
	m.logActivity(mpr.IssueKey, "pr_ready", "", "", fmt.Sprintf("Marked PR #%d ready for review", mpr.Number))
	return nil
}

func (m *Monitor) fetchPR(ctx context.Context, owner, name string, number int) (github.PR, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	defer cancel()
	return m.repos.FetchPR(callCtx, owner, name, number)
}

func (m *Monitor) fetchChecks(ctx context.Context, owner, name, ref string) ([]github.CheckRun, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.settings.CallTimeout)
	defer cancel()
	return m.repos.FetchCheckRuns(callCtx, owner, name, ref)
}

// targetStatus resolves the tracker status to set on merge from the issue
// key's project prefix.
func (m *Monitor) targetStatus(issueKey string) string {
	if rec, ok := m.store.Get(issueKey); ok && rec.Project != "" {
		if status, ok := m.settings.TargetStatusByProject[rec.Project]; ok && status != "" {
			return status
		}
	}
	return m.settings.DefaultTargetStatus
}

func (m *Monitor) terminalize(key string, to store.State, result store.Result, detail string) {
	if err := m.store.Terminalize(key, to, result, detail); err != nil {
		m.logger.Warn("retiring ticket", "issue", key, "error", err)
	}
}

func (m *Monitor) logActivity(key, eventType, from, to, detail string) {
	if m.activity == nil {
		return
	}
	if err := m.activity.LogActivity(key, eventType, from, to, detail); err != nil {
		m.logger.Warn("logging activity", "issue", key, "error", err)
	}
}

func splitRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			if i == 0 || i == len(repo)-1 {
				break
			}
			return repo[:i], repo[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("repository %q is not in owner/name form", repo)
}
