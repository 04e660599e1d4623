package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autopilot-ci/autopilot/internal/autopilot/retry"
)

// A couple of PR operations (auto-merge, un-drafting) only exist in the
// GraphQL API. We issue those through the underlying client's request
// machinery so auth and base URL overrides keep working.

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, query string, vars map[string]any) error {
	return retry.Do(ctx, func() error {
		req, err := c.gh.NewRequest("POST", "graphql", graphqlRequest{Query: query, Variables: vars})
		if err != nil {
			return retry.Permanent(fmt.Errorf("creating graphql request: %w", err))
		}

		var resp graphqlResponse
		if _, err := c.gh.Do(ctx, req, &resp); err != nil {
			return classifyErr(fmt.Errorf("executing graphql request: %w", err))
		}

		if len(resp.Errors) > 0 {
			msgs := make([]string, len(resp.Errors))
			for i, e := range resp.Errors {
				msgs[i] = e.Message
			}
			return retry.Permanent(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
		}
		return nil
	}, c.retryOpts()...)
}

// EnableAutoMerge enables auto-merge (squash) on the pull request identified
// by its GraphQL node ID. Enabling auto-merge on a PR that already has it
// enabled is treated as success, so the monitor can call this every cycle.
func (c *Client) EnableAutoMerge(ctx context.Context, prNodeID string) error {
	const mutation = `mutation($prID: ID!) {
  enablePullRequestAutoMerge(input: {pullRequestId: $prID, mergeMethod: SQUASH}) {
    pullRequest { number }
  }
}`
	err := c.graphql(ctx, mutation, map[string]any{"prID": prNodeID})
	if err != nil && strings.Contains(err.Error(), "already enabled") {
		return nil
	}
	return err
}

// MarkReadyForReview converts a draft pull request to ready-for-review.
func (c *Client) MarkReadyForReview(ctx context.Context, prNodeID string) error {
	const mutation = `mutation($prID: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $prID}) {
    pullRequest { number }
  }
}`
	return c.graphql(ctx, mutation, map[string]any{"prID": prNodeID})
}
