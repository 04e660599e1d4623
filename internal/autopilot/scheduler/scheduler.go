package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
	"github.com/autopilot-ci/autopilot/internal/autopilot/queue"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
	"github.com/autopilot-ci/autopilot/internal/autopilot/worker"
)

// IssueLister is the slice of the Jira client the scheduler needs.
type IssueLister interface {
	ListOpenIssues(ctx context.Context, projectKeys []string) ([]jira.Issue, error)
}

// Processor drives one ticket from Queued through PR creation.
type Processor interface {
	Process(ctx context.Context, issue jira.Issue) error
}

// ActivityLogger records lifecycle events for the dashboard activity feed.
type ActivityLogger interface {
	LogActivity(issueKey, eventType, fromState, toState, detail string) error
}

// Settings holds the scheduler's policy knobs.
type Settings struct {
	// ProjectKeys are the tracker projects to scan.
	ProjectKeys []string
	// Interval between discovery scans.
	Interval time.Duration
	// CallTimeout bounds the issue listing call.
	CallTimeout time.Duration
	// Wake triggers an immediate scan when signalled (manual scan API).
	Wake <-chan struct{}
}

// Scheduler is the discovery loop: it scans the tracker for open issues,
// tracks the new ones, orders the backlog by priority, and hands tickets to
// the dispatcher. Tickets the pool cannot take are re-offered next cycle.
type Scheduler struct {
	issues     IssueLister
	processor  Processor
	store      *store.Store
	dispatcher *worker.Dispatcher
	activity   ActivityLogger
	settings   Settings
	logger     *slog.Logger
}

// Config holds the dependencies for a Scheduler.
type Config struct {
	Issues     IssueLister
	Processor  Processor
	Store      *store.Store
	Dispatcher *worker.Dispatcher
	Activity   ActivityLogger
	Settings   Settings
	Logger     *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := cfg.Settings
	if settings.Interval <= 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	return &Scheduler{
		issues:     cfg.Issues,
		processor:  cfg.Processor,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		activity:   cfg.Activity,
		settings:   settings,
		logger:     logger,
	}
}

// Run scans immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"projects", s.settings.ProjectKeys, "interval", s.settings.Interval)
	s.store.SetPhase("scanning")

	s.Scan(ctx)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()
	for {
		s.store.SetNextScan(time.Now().Add(s.settings.Interval))
		select {
		case <-ctx.Done():
			s.store.SetPhase("stopped")
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		case <-s.settings.Wake:
			s.logger.Info("manual scan requested")
			s.Scan(ctx)
		}
	}
}

// Scan runs one discovery cycle. A tracker outage skips the cycle entirely;
// already-tracked state is never touched by a failed scan.
func (s *Scheduler) Scan(ctx context.Context) {
	s.store.SetPhase("scanning")
	defer s.store.SetPhase("idle")

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	issues, err := s.issues.ListOpenIssues(callCtx, s.settings.ProjectKeys)
	cancel()
	if err != nil {
		s.logger.Error("listing open issues", "error", err)
		return
	}

	q := &queue.Queue{}
	for _, issue := range issues {
		if !s.store.Track(store.TicketRecord{
			Key:      issue.Key,
			Project:  issue.Project,
			Summary:  issue.Summary,
			Priority: issue.Priority,
			IssueURL: issue.URL,
		}) {
			// Already tracked: re-offer only if it is still waiting for a
			// worker slot from an earlier saturated cycle.
			rec, ok := s.store.Get(issue.Key)
			if !ok || rec.State != store.StateQueued || s.dispatcher.IsRunning(issue.Key) {
				continue
			}
			q.Push(issue)
			continue
		}
		s.logActivity(issue.Key, "discovered", "", string(store.StateQueued),
			fmt.Sprintf("Found %s (%s): %s", issue.Key, issue.Priority, issue.Summary))
		q.Push(issue)
	}

	if q.Len() == 0 {
		return
	}
	s.logger.Info("dispatching backlog", "tickets", q.Len(), "active", s.dispatcher.ActiveCount())

	for _, issue := range q.Drain() {
		issue := issue
		err := s.dispatcher.Dispatch(ctx, issue.Key, func(ctx context.Context) error {
			return s.processor.Process(ctx, issue)
		})
		if err != nil {
			// Pool saturated or duplicate in flight. The record stays
			// Queued and is re-offered on the next scan.
			s.logger.Debug("ticket deferred", "issue", issue.Key, "reason", err)
		}
	}
}

func (s *Scheduler) logActivity(key, eventType, from, to, detail string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.LogActivity(key, eventType, from, to, detail); err != nil {
		s.logger.Warn("logging activity", "issue", key, "error", err)
	}
}
