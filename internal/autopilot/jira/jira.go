package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/retry"
)

// Priority is a Jira priority, ordered from most to least urgent.
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityLowest
)

// ParsePriority maps a Jira priority name to a Priority. Unknown or empty
// names default to Medium, matching Jira's own default.
func ParsePriority(name string) Priority {
	switch strings.ToLower(name) {
	case "highest":
		return PriorityHighest
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "lowest":
		return PriorityLowest
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "Highest"
	case PriorityHigh:
		return "High"
	case PriorityLow:
		return "Low"
	case PriorityLowest:
		return "Lowest"
	default:
		return "Medium"
	}
}

// Issue represents a Jira issue as seen by the discovery loop.
type Issue struct {
	Key         string
	Project     string
	Summary     string
	Description string
	Status      string
	Priority    Priority
	URL         string
}

// ErrTransitionNotFound is returned when an issue has no transition matching
// the requested target status name.
var ErrTransitionNotFound = errors.New("transition not found")

// Client is a typed Jira REST API v3 client.
type Client struct {
	baseURL      string
	email        string
	apiToken     string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// New creates a Jira client for the given site base URL, authenticating
// with basic auth (user email + API token).
func New(baseURL, email, apiToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends an authenticated request and decodes the response into out (when
// out is non-nil). HTTP 5xx and network errors are retried; 4xx is permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.Do(ctx, func() error {
		return c.doOnce(ctx, method, path, body, out)
	}, opts...)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshaling request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("jira API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("jira API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type searchRequest struct {
	JQL        string   `json:"jql"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields"`
}

type issueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      struct {
		Name string `json:"name"`
	} `json:"status"`
	Priority struct {
		Name string `json:"name"`
	} `json:"priority"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
}

type searchResponse struct {
	Issues []struct {
		Key    string      `json:"key"`
		Fields issueFields `json:"fields"`
	} `json:"issues"`
}

func (c *Client) issueFromFields(key string, f issueFields) Issue {
	return Issue{
		Key:         key,
		Project:     f.Project.Key,
		Summary:     f.Summary,
		Description: flattenADF(f.Description),
		Status:      f.Status.Name,
		Priority:    ParsePriority(f.Priority.Name),
		URL:         c.baseURL + "/browse/" + key,
	}
}

// ListOpenIssues returns "To Do" issues for the given project keys, most
// urgent first. Ordering is done server-side by JQL; callers that need a
// strict admission order re-sort locally.
func (c *Client) ListOpenIssues(ctx context.Context, projectKeys []string) ([]Issue, error) {
	quoted := make([]string, len(projectKeys))
	for i, k := range projectKeys {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	jql := fmt.Sprintf(`project in (%s) AND status = "To Do" ORDER BY priority DESC, created ASC`,
		strings.Join(quoted, ","))

	var resp searchResponse
	err := c.do(ctx, http.MethodPost, "/rest/api/3/search", searchRequest{
		JQL:        jql,
		MaxResults: 100,
		Fields:     []string{"summary", "description", "status", "priority", "project"},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("searching issues: %w", err)
	}

	issues := make([]Issue, 0, len(resp.Issues))
	for _, ri := range resp.Issues {
		issues = append(issues, c.issueFromFields(ri.Key, ri.Fields))
	}
	return issues, nil
}

// GetIssue fetches a single issue by key.
func (c *Client) GetIssue(ctx context.Context, issueKey string) (Issue, error) {
	var resp struct {
		Key    string      `json:"key"`
		Fields issueFields `json:"fields"`
	}
	path := "/rest/api/3/issue/" + issueKey + "?fields=summary,description,status,priority,project"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Issue{}, fmt.Errorf("fetching issue %s: %w", issueKey, err)
	}
	return c.issueFromFields(resp.Key, resp.Fields), nil
}

// Transition describes an available workflow transition on an issue.
type Transition struct {
	ID   string
	Name string
}

type transitionsResponse struct {
	Transitions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		To   struct {
			Name string `json:"name"`
		} `json:"to"`
	} `json:"transitions"`
}

// GetTransitions returns the transitions currently available on an issue.
// The name reported is the destination status name when present, since that
// is what callers configure against.
func (c *Client) GetTransitions(ctx context.Context, issueKey string) ([]Transition, error) {
	var resp transitionsResponse
	if err := c.do(ctx, http.MethodGet, "/rest/api/3/issue/"+issueKey+"/transitions", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching transitions for %s: %w", issueKey, err)
	}
	out := make([]Transition, 0, len(resp.Transitions))
	for _, t := range resp.Transitions {
		name := t.To.Name
		if name == "" {
			name = t.Name
		}
		out = append(out, Transition{ID: t.ID, Name: name})
	}
	return out, nil
}

// TransitionIssue moves an issue to the named target status. The status is
// matched case-insensitively against the available transitions; if none
// matches, ErrTransitionNotFound is returned.
func (c *Client) TransitionIssue(ctx context.Context, issueKey, targetStatus string) error {
	transitions, err := c.GetTransitions(ctx, issueKey)
	if err != nil {
		return err
	}

	var match *Transition
	for i, t := range transitions {
		if strings.EqualFold(t.Name, targetStatus) {
			match = &transitions[i]
			break
		}
	}
	if match == nil {
		names := make([]string, len(transitions))
		for i, t := range transitions {
			names[i] = t.Name
		}
		return fmt.Errorf("issue %s has no transition to %q (available: %s): %w",
			issueKey, targetStatus, strings.Join(names, ", "), ErrTransitionNotFound)
	}

	payload := map[string]any{"transition": map[string]string{"id": match.ID}}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+issueKey+"/transitions", payload, nil); err != nil {
		return fmt.Errorf("transitioning %s to %q: %w", issueKey, targetStatus, err)
	}
	return nil
}

// PostComment posts a plain-text comment on an issue. When linkText and
// linkURL are both non-empty, a hyperlink is appended to the paragraph.
// Comments use the Atlassian Document Format body that strict Jira setups
// require.
func (c *Client) PostComment(ctx context.Context, issueKey, text, linkText, linkURL string) error {
	content := []map[string]any{{"type": "text", "text": text}}
	if linkText != "" && linkURL != "" {
		if text != "" {
			content = append(content, map[string]any{"type": "text", "text": " "})
		}
		content = append(content, map[string]any{
			"type": "text",
			"text": linkText,
			"marks": []map[string]any{{
				"type":  "link",
				"attrs": map[string]string{"href": linkURL},
			}},
		})
	}

	payload := map[string]any{
		"body": map[string]any{
			"type":    "doc",
			"version": 1,
			"content": []map[string]any{{
				"type":    "paragraph",
				"content": content,
			}},
		},
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+issueKey+"/comment", payload, nil); err != nil {
		return fmt.Errorf("posting comment to %s: %w", issueKey, err)
	}
	return nil
}

// IssueURL returns the browse URL for an issue key on this Jira site.
func (c *Client) IssueURL(issueKey string) string {
	return c.baseURL + "/browse/" + issueKey
}

// flattenADF extracts the plain text from an Atlassian Document Format
// description. Plain string descriptions pass through unchanged.
func flattenADF(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var doc struct {
		Content []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var parts []string
	for _, block := range doc.Content {
		for _, item := range block.Content {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
