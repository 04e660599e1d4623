package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
	"github.com/autopilot-ci/autopilot/internal/autopilot/stack"
)

// State is a ticket lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StatePrOpen     State = "pr_open"
	StateMonitoring State = "monitoring"
	StateMerged     State = "merged"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
)

// stateRank orders the lifecycle so transitions can be checked for
// monotonicity. Terminal states share the highest rank.
var stateRank = map[State]int{
	StateQueued:     0,
	StateProcessing: 1,
	StatePrOpen:     2,
	StateMonitoring: 3,
	StateMerged:     4,
	StateFailed:     4,
	StateAbandoned:  4,
}

// Terminal reports whether s is a terminal lifecycle state.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateFailed || s == StateAbandoned
}

// Result is the terminal outcome recorded in history.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Check is the last-seen state of one CI check on a monitored PR.
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// TicketRecord is the lifecycle record for one tracked issue.
type TicketRecord struct {
	Key        string        `json:"key"`
	Project    string        `json:"project"`
	Summary    string        `json:"summary"`
	Priority   jira.Priority `json:"priority"`
	State      State         `json:"state"`
	Repo       string        `json:"repo,omitempty"`
	Stack      stack.Stack   `json:"stack,omitempty"`
	Branch     string        `json:"branch,omitempty"`
	PRNumber   int           `json:"pr_number,omitempty"`
	PRURL      string        `json:"pr_url,omitempty"`
	IssueURL   string        `json:"issue_url,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// MonitoredPR tracks an open pull request through CI until merge.
type MonitoredPR struct {
	IssueKey   string    `json:"issue_key"`
	Repo       string    `json:"repo"`
	Number     int       `json:"pr_number"`
	NodeID     string    `json:"-"`
	URL        string    `json:"pr_url"`
	Draft      bool      `json:"draft"`
	Checks     []Check   `json:"checks"`
	FailStreak int       `json:"-"`
	Approved   bool      `json:"approved"`
	LastChange time.Time `json:"last_change"`
}

// HistoryEntry is an immutable record of a terminal outcome.
type HistoryEntry struct {
	IssueKey  string    `json:"issue_key"`
	Result    Result    `json:"result"`
	PRURL     string    `json:"pr_url,omitempty"`
	IssueURL  string    `json:"issue_url,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistorySink receives history entries as they are appended, for durable
// storage. Sink failures must not block terminalization.
type HistorySink interface {
	AppendHistory(e HistoryEntry) error
}

// Snapshot is the read-only projection served to the dashboard. All slices
// are copies; readers never observe live store internals.
type Snapshot struct {
	Phase     string         `json:"phase"`
	Processed int            `json:"processed"`
	NextScan  time.Time      `json:"next_scan,omitzero"`
	Queue     []TicketRecord `json:"queue"`
	Monitored []MonitoredPR  `json:"monitored"`
	History   []HistoryEntry `json:"history"`
}

// Store holds the process-wide ticket state. The scheduler, the ticket
// processor, and the PR monitor are the only writers; everything else reads
// via Snapshot.
type Store struct {
	mu         sync.Mutex
	tickets    map[string]*TicketRecord
	prs        map[string]*MonitoredPR
	history    []HistoryEntry
	historyCap int
	processed  int
	phase      string
	nextScan   time.Time
	sink       HistorySink
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithHistorySink registers a sink that persists history entries.
func WithHistorySink(sink HistorySink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store whose history is capped at historyCap entries.
func New(historyCap int, opts ...Option) *Store {
	if historyCap <= 0 {
		historyCap = 50
	}
	s := &Store{
		tickets:    make(map[string]*TicketRecord),
		prs:        make(map[string]*MonitoredPR),
		historyCap: historyCap,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Track creates a Queued record for the issue if no active record exists for
// its key. Returns false when the key is already tracked (dedup guarantee).
// A record still waiting in Queued has its admission data refreshed from the
// incoming scan, so a priority raised in the tracker takes effect before the
// ticket is picked up.
func (s *Store) Track(rec TicketRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tickets[rec.Key]; ok {
		if existing.State == StateQueued {
			existing.Summary = rec.Summary
			existing.Priority = rec.Priority
			existing.IssueURL = rec.IssueURL
		}
		return false
	}
	rec.State = StateQueued
	rec.EnqueuedAt = s.now()
	s.tickets[rec.Key] = &rec
	return true
}

// Tracked reports whether an active (non-terminal) record exists for the key.
func (s *Store) Tracked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[key]
	return ok
}

// Get returns a copy of the active record for the key.
func (s *Store) Get(key string) (TicketRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[key]
	if !ok {
		return TicketRecord{}, false
	}
	return *rec, true
}

// Transition advances the record to a later lifecycle state. Going backward
// or sideways is an invariant violation and returns an error. Terminal
// states must be reached through Terminalize, which also records history.
func (s *Store) Transition(key string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(key, to)
}

func (s *Store) transitionLocked(key string, to State) error {
	rec, ok := s.tickets[key]
	if !ok {
		return fmt.Errorf("no active record for %s", key)
	}
	if stateRank[to] <= stateRank[rec.State] {
		return fmt.Errorf("invalid transition for %s: %s -> %s", key, rec.State, to)
	}
	rec.State = to
	if to == StateProcessing {
		rec.StartedAt = s.now()
	}
	return nil
}

// Update applies fn to the active record under the store lock. Used by the
// processor to record resolution results (repo, stack, branch, PR) so they
// become visible to readers atomically.
func (s *Store) Update(key string, fn func(*TicketRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[key]
	if !ok {
		return fmt.Errorf("no active record for %s", key)
	}
	fn(rec)
	return nil
}

// Terminalize moves the record to a terminal state, appends a history entry,
// and evicts the record (and any monitored PR) from the active maps.
func (s *Store) Terminalize(key string, to State, result Result, detail string) error {
	if !to.Terminal() {
		return fmt.Errorf("terminalize to non-terminal state %s", to)
	}

	s.mu.Lock()
	rec, ok := s.tickets[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no active record for %s", key)
	}
	if stateRank[to] <= stateRank[rec.State] && rec.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("record %s already terminal in %s", key, rec.State)
	}

	rec.State = to
	rec.FinishedAt = s.now()
	if detail != "" && result == ResultFailure {
		rec.LastError = detail
	}

	entry := HistoryEntry{
		IssueKey:  key,
		Result:    result,
		PRURL:     rec.PRURL,
		IssueURL:  rec.IssueURL,
		Detail:    detail,
		Timestamp: rec.FinishedAt,
	}
	s.appendHistoryLocked(entry)
	s.processed++

	delete(s.tickets, key)
	delete(s.prs, key)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		// Durable write happens outside the lock; a sink failure never
		// blocks terminalization.
		_ = sink.AppendHistory(entry)
	}
	return nil
}

// appendHistoryLocked prepends an entry and trims to the display cap.
func (s *Store) appendHistoryLocked(e HistoryEntry) {
	s.history = append([]HistoryEntry{e}, s.history...)
	if len(s.history) > s.historyCap {
		s.history = s.history[:s.historyCap]
	}
}

// LoadHistory seeds the in-memory history, most-recent-first, e.g. from the
// durable store at startup.
func (s *Store) LoadHistory(entries []HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]HistoryEntry(nil), entries...)
	if len(s.history) > s.historyCap {
		s.history = s.history[:s.historyCap]
	}
}

// AddMonitoredPR registers a pull request for the watch loop. The owning
// ticket must already carry the PR number; registering a PR for a ticket
// without one is an invariant violation.
func (s *Store) AddMonitoredPR(mpr MonitoredPR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tickets[mpr.IssueKey]
	if !ok {
		return fmt.Errorf("no active record for %s", mpr.IssueKey)
	}
	if rec.PRNumber == 0 {
		return fmt.Errorf("record %s has no PR number", mpr.IssueKey)
	}
	mpr.LastChange = s.now()
	s.prs[mpr.IssueKey] = &mpr
	return nil
}

// Monitored returns copies of all monitored PRs.
func (s *Store) Monitored() []MonitoredPR {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonitoredPR, 0, len(s.prs))
	for _, p := range s.prs {
		cp := *p
		cp.Checks = append([]Check(nil), p.Checks...)
		out = append(out, cp)
	}
	return out
}

// UpdateMonitored applies fn to the monitored PR for the key under the lock.
func (s *Store) UpdateMonitored(key string, fn func(*MonitoredPR)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prs[key]
	if !ok {
		return fmt.Errorf("no monitored PR for %s", key)
	}
	fn(p)
	return nil
}

// UpdateChecks stores the latest check results for the key's PR and reports
// whether they differ from the previous poll. A change refreshes the
// abandonment clock.
func (s *Store) UpdateChecks(key string, checks []Check) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prs[key]
	if !ok {
		return false, fmt.Errorf("no monitored PR for %s", key)
	}
	changed = !checksEqual(p.Checks, checks)
	p.Checks = append([]Check(nil), checks...)
	if changed {
		p.LastChange = s.now()
	}
	return changed, nil
}

func checksEqual(a, b []Check) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetPhase records the human-readable phase shown on the dashboard.
func (s *Store) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// SetNextScan records when the next discovery cycle is due.
func (s *Store) SetNextScan(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextScan = t
}

// Snapshot returns a deep copy of the current state for readers. Queue
// entries are ordered by priority, then enqueue time.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Phase:     s.phase,
		Processed: s.processed,
		NextScan:  s.nextScan,
		Queue:     make([]TicketRecord, 0, len(s.tickets)),
		Monitored: make([]MonitoredPR, 0, len(s.prs)),
		History:   append([]HistoryEntry(nil), s.history...),
	}
	for _, rec := range s.tickets {
		snap.Queue = append(snap.Queue, *rec)
	}
	for _, p := range s.prs {
		cp := *p
		cp.Checks = append([]Check(nil), p.Checks...)
		snap.Monitored = append(snap.Monitored, cp)
	}

	sortQueue(snap.Queue)
	return snap
}

// sortQueue orders records by priority (most urgent first), breaking ties by
// enqueue time so discovery order is preserved.
func sortQueue(recs []TicketRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority < recs[j].Priority
		}
		return recs[i].EnqueuedAt.Before(recs[j].EnqueuedAt)
	})
}
