package queue

import (
	"sort"

	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
)

// Queue orders discovered issues for admission: most urgent priority first,
// discovery order breaking ties. It is owned by the scheduler and is not
// safe for concurrent use.
type Queue struct {
	items []jira.Issue
}

// Push appends an issue in discovery order.
func (q *Queue) Push(issue jira.Issue) {
	q.items = append(q.items, issue)
}

// Len returns the number of queued issues.
func (q *Queue) Len() int {
	return len(q.items)
}

// Drain removes and returns all queued issues in admission order. The sort
// is stable, so equal priorities keep their discovery order.
func (q *Queue) Drain() []jira.Issue {
	items := q.items
	q.items = nil
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority < items[j].Priority
	})
	return items
}
