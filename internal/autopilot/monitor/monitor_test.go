package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/github"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

func TestAggregateChecks(t *testing.T) {
	tests := []struct {
		name   string
		checks []github.CheckRun
		want   Aggregate
	}{
		{"no checks is pending", nil, AggregatePending},
		{
			"all green",
			[]github.CheckRun{
				{Status: "completed", Conclusion: "success"},
				{Status: "completed", Conclusion: "success"},
			},
			AggregateSuccess,
		},
		{
			"one failure dominates",
			[]github.CheckRun{
				{Status: "completed", Conclusion: "success"},
				{Status: "completed", Conclusion: "failure"},
			},
			AggregateFailure,
		},
		{
			"timed out counts as failure",
			[]github.CheckRun{{Status: "completed", Conclusion: "timed_out"}},
			AggregateFailure,
		},
		{
			"cancelled counts as failure",
			[]github.CheckRun{{Status: "completed", Conclusion: "cancelled"}},
			AggregateFailure,
		},
		{
			"running check keeps it pending",
			[]github.CheckRun{
				{Status: "completed", Conclusion: "success"},
				{Status: "in_progress"},
			},
			AggregatePending,
		},
		{
			"queued check keeps it pending",
			[]github.CheckRun{{Status: "queued"}},
			AggregatePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateChecks(tt.checks); got != tt.want {
				t.Errorf("AggregateChecks = %s, want %s", got, tt.want)
			}
		})
	}
}

type fakeRepos struct {
	pr         github.PR
	prErr      error
	checks     []github.CheckRun
	approvals  int
	autoMerges int
	readies    int
	prComments []string
}

func (f *fakeRepos) FetchPR(ctx context.Context, owner, repo string, prNumber int) (github.PR, error) {
	return f.pr, f.prErr
}

func (f *fakeRepos) FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]github.CheckRun, error) {
	return f.checks, nil
}

func (f *fakeRepos) ApprovePR(ctx context.Context, owner, repo string, prNumber int, body string) error {
	f.approvals++
	return nil
}

func (f *fakeRepos) EnableAutoMerge(ctx context.Context, prNodeID string) error {
	f.autoMerges++
	return nil
}

func (f *fakeRepos) MarkReadyForReview(ctx context.Context, prNodeID string) error {
	f.readies++
	f.pr.Draft = false
	return nil
}

func (f *fakeRepos) PostPRComment(ctx context.Context, owner, repo string, prNumber int, body string) error {
	f.prComments = append(f.prComments, body)
	return nil
}

type fakeIssues struct {
	transitions []string
	transErr    error
	comments    []string
}

func (f *fakeIssues) TransitionIssue(ctx context.Context, issueKey, targetStatus string) error {
	if f.transErr != nil {
		return f.transErr
	}
	f.transitions = append(f.transitions, targetStatus)
	return nil
}

func (f *fakeIssues) PostComment(ctx context.Context, issueKey, text, linkText, linkURL string) error {
	f.comments = append(f.comments, text)
	return nil
}

// monitoredTicket sets up a store with one ticket in pr_open and its PR
// registered for watching.
func monitoredTicket(t *testing.T, st *store.Store, key string) {
	t.Helper()
	st.Track(store.TicketRecord{Key: key, Project: "CI", PRNumber: 7, PRURL: "https://example.com/pr/7"})
	if err := st.Transition(key, store.StateProcessing); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(key, store.StatePrOpen); err != nil {
		t.Fatal(err)
	}
	if err := st.AddMonitoredPR(store.MonitoredPR{
		IssueKey: key, Repo: "acme/app", Number: 7, NodeID: "PR_abc", URL: "https://example.com/pr/7",
	}); err != nil {
		t.Fatal(err)
	}
}

func newMonitor(st *store.Store, repos *fakeRepos, issues *fakeIssues, settings Settings) *Monitor {
	return New(Config{Repos: repos, Issues: issues, Store: st, Settings: settings})
}

func TestSweep_GreenChecksApproveAndArmAutoMerge(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "success"}},
	}
	issues := &fakeIssues{}
	m := newMonitor(st, repos, issues, Settings{})

	m.Sweep(context.Background())

	if repos.approvals != 1 {
		t.Errorf("approvals = %d, want 1", repos.approvals)
	}
	if repos.autoMerges != 1 {
		t.Errorf("autoMerges = %d, want 1", repos.autoMerges)
	}
	rec, _ := st.Get("CI-1")
	if rec.State != store.StateMonitoring {
		t.Errorf("State = %s, want %s (merge not yet observed)", rec.State, store.StateMonitoring)
	}
	if len(st.Snapshot().History) != 0 {
		t.Error("ticket retired before merge was observed")
	}

	// Second green sweep: approval must not repeat, auto-merge re-arm is fine.
	m.Sweep(context.Background())
	if repos.approvals != 1 {
		t.Errorf("approvals after second sweep = %d, want still 1", repos.approvals)
	}
}

func TestSweep_MergedPRRetiresTicket(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{pr: github.PR{Number: 7, State: "closed", Merged: true}}
	issues := &fakeIssues{}
	m := newMonitor(st, repos, issues, Settings{})

	m.Sweep(context.Background())

	if st.Tracked("CI-1") {
		t.Error("merged ticket still tracked")
	}
	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultSuccess {
		t.Fatalf("history = %+v, want one success entry", snap.History)
	}
	if len(issues.transitions) != 1 || issues.transitions[0] != "Done" {
		t.Errorf("transitions = %v, want [Done]", issues.transitions)
	}
	if len(issues.comments) == 0 {
		t.Error("no closing comment posted")
	}
}

func TestSweep_MergedWithProjectTargetStatus(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{pr: github.PR{Number: 7, Merged: true}}
	issues := &fakeIssues{}
	m := newMonitor(st, repos, issues, Settings{
		TargetStatusByProject: map[string]string{"CI": "Deployed"},
	})

	m.Sweep(context.Background())

	if len(issues.transitions) != 1 || issues.transitions[0] != "Deployed" {
		t.Errorf("transitions = %v, want [Deployed]", issues.transitions)
	}
}

func TestSweep_MissingTransitionStillMerges(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{pr: github.PR{Number: 7, Merged: true}}
	issues := &fakeIssues{transErr: fmt.Errorf("issue CI-1 has no transition to %q", "Done")}
	m := newMonitor(st, repos, issues, Settings{})

	m.Sweep(context.Background())

	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultSuccess {
		t.Errorf("history = %+v, want Merged despite transition failure", snap.History)
	}
}

func TestSweep_FailureStreakRetiresAtThreshold(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}},
	}
	issues := &fakeIssues{}
	m := newMonitor(st, repos, issues, Settings{FailureThreshold: 3})

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	if !st.Tracked("CI-1") {
		t.Fatal("ticket retired before reaching the failure threshold")
	}

	m.Sweep(context.Background())
	if st.Tracked("CI-1") {
		t.Error("ticket still tracked after threshold")
	}
	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultFailure {
		t.Fatalf("history = %+v, want one failure entry", snap.History)
	}
	if len(repos.prComments) == 0 {
		t.Error("no handoff comment left on the PR")
	}
}

func TestSweep_NonConsecutiveFailuresDoNotAccumulate(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}},
	}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{FailureThreshold: 3})

	// Two failing sweeps, then CI recovers to pending (a re-run), then two
	// more failures. Only consecutive failures count toward the threshold.
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	repos.checks = []github.CheckRun{{Name: "build", Status: "in_progress"}}
	m.Sweep(context.Background())

	repos.checks = []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}}
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	if !st.Tracked("CI-1") {
		t.Fatal("ticket retired after non-consecutive failures")
	}

	m.Sweep(context.Background())
	if st.Tracked("CI-1") {
		t.Error("ticket still tracked after three consecutive failures")
	}
}

func TestSweep_GreenSweepResetsFailureStreak(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}},
	}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{FailureThreshold: 2})

	m.Sweep(context.Background())

	repos.checks = []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "success"}}
	m.Sweep(context.Background())

	repos.checks = []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}}
	m.Sweep(context.Background())

	if !st.Tracked("CI-1") {
		t.Error("ticket retired although the streak was broken by a green sweep")
	}
}

func TestSweep_AbandonsGreenButUnmergedPR(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.New(10, store.WithClock(func() time.Time { return now }))
	monitoredTicket(t, st, "CI-1")

	// Checks pass but the merge never happens (branch protection holds the
	// auto-merge back).
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "completed", Conclusion: "success"}},
	}
	m := New(Config{
		Repos:    repos,
		Issues:   &fakeIssues{},
		Store:    st,
		Settings: Settings{AbandonAfter: time.Hour},
		Now:      func() time.Time { return now },
	})

	m.Sweep(context.Background())
	if !st.Tracked("CI-1") {
		t.Fatal("green ticket abandoned before the window elapsed")
	}

	now = now.Add(3 * time.Hour)
	m.Sweep(context.Background())
	if st.Tracked("CI-1") {
		t.Error("green-but-unmerged ticket still tracked after the window")
	}
	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultFailure {
		t.Errorf("history = %+v, want abandonment failure", snap.History)
	}
}

func TestSweep_ClosedUnmergedPRFails(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{pr: github.PR{Number: 7, State: "closed", Merged: false}}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{})

	m.Sweep(context.Background())

	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultFailure {
		t.Errorf("history = %+v, want failure for closed PR", snap.History)
	}
}

func TestSweep_AbandonsStalledPR(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.New(10, store.WithClock(func() time.Time { return now }))
	monitoredTicket(t, st, "CI-1")

	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: nil, // CI never picks the branch up
	}
	m := New(Config{
		Repos:    repos,
		Issues:   &fakeIssues{},
		Store:    st,
		Settings: Settings{AbandonAfter: time.Hour},
		Now:      func() time.Time { return now },
	})

	m.Sweep(context.Background())
	if !st.Tracked("CI-1") {
		t.Fatal("ticket abandoned before the window elapsed")
	}

	now = now.Add(2 * time.Hour)
	m.Sweep(context.Background())
	if st.Tracked("CI-1") {
		t.Error("stalled ticket still tracked after window")
	}
	snap := st.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Result != store.ResultFailure {
		t.Errorf("history = %+v, want abandonment failure", snap.History)
	}
}

func TestSweep_ProgressResetsAbandonClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.New(10, store.WithClock(func() time.Time { return now }))
	monitoredTicket(t, st, "CI-1")

	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc"},
		checks: []github.CheckRun{{Name: "build", Status: "queued"}},
	}
	m := New(Config{
		Repos:    repos,
		Issues:   &fakeIssues{},
		Store:    st,
		Settings: Settings{AbandonAfter: time.Hour},
		Now:      func() time.Time { return now },
	})

	// 50 minutes in, the check starts running: progress.
	now = now.Add(50 * time.Minute)
	repos.checks = []github.CheckRun{{Name: "build", Status: "in_progress"}}
	m.Sweep(context.Background())

	// 50 more minutes without change: total 100min but only 50 since progress.
	now = now.Add(50 * time.Minute)
	m.Sweep(context.Background())
	if !st.Tracked("CI-1") {
		t.Error("ticket abandoned despite recent progress")
	}
}

func TestSweep_UndraftsOnceChecksExist(t *testing.T) {
	st := store.New(10)
	st.Track(store.TicketRecord{Key: "CI-1", Project: "CI", PRNumber: 7})
	st.Transition("CI-1", store.StateProcessing)
	st.Transition("CI-1", store.StatePrOpen)
	st.AddMonitoredPR(store.MonitoredPR{
		IssueKey: "CI-1", Repo: "acme/app", Number: 7, NodeID: "PR_abc", Draft: true,
	})

	repos := &fakeRepos{
		pr: github.PR{Number: 7, State: "open", HeadSHA: "abc", Draft: true},
	}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{})

	// No checks yet: stay draft.
	m.Sweep(context.Background())
	if repos.readies != 0 {
		t.Error("undrafted before any checks appeared")
	}

	repos.checks = []github.CheckRun{{Name: "build", Status: "queued"}}
	m.Sweep(context.Background())
	if repos.readies != 1 {
		t.Errorf("readies = %d, want 1", repos.readies)
	}

	// Remote reports non-draft now: no repeat.
	m.Sweep(context.Background())
	if repos.readies != 1 {
		t.Errorf("readies repeated, got %d", repos.readies)
	}
}

func TestSweep_ExternallyUndraftedPRIsNotReadied(t *testing.T) {
	st := store.New(10)
	st.Track(store.TicketRecord{Key: "CI-1", Project: "CI", PRNumber: 7})
	st.Transition("CI-1", store.StateProcessing)
	st.Transition("CI-1", store.StatePrOpen)
	st.AddMonitoredPR(store.MonitoredPR{
		IssueKey: "CI-1", Repo: "acme/app", Number: 7, NodeID: "PR_abc", Draft: true,
	})

	// Someone clicked "ready for review" in the UI; the cached flag is stale.
	repos := &fakeRepos{
		pr:     github.PR{Number: 7, State: "open", HeadSHA: "abc", Draft: false},
		checks: []github.CheckRun{{Name: "build", Status: "queued"}},
	}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{})

	m.Sweep(context.Background())

	if repos.readies != 0 {
		t.Errorf("readies = %d, want 0 for an already-undrafted PR", repos.readies)
	}
	for _, mpr := range st.Snapshot().Monitored {
		if mpr.IssueKey == "CI-1" && mpr.Draft {
			t.Error("cached draft flag not cleared from remote state")
		}
	}
}

func TestSweep_TransientFetchErrorLeavesTicketAlone(t *testing.T) {
	st := store.New(10)
	monitoredTicket(t, st, "CI-1")
	repos := &fakeRepos{prErr: fmt.Errorf("dial tcp: connection refused")}
	m := newMonitor(st, repos, &fakeIssues{}, Settings{})

	m.Sweep(context.Background())

	if !st.Tracked("CI-1") {
		t.Error("ticket retired on a transient API error")
	}
}
