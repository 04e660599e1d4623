package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/autopilot-ci/autopilot/internal/autopilot/retry"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
)

// PR represents a GitHub pull request.
type PR struct {
	Number  int
	NodeID  string
	HTMLURL string
	Title   string
	State   string
	HeadSHA string
	Draft   bool
	Merged  bool
	User    string
}

// CheckRun represents a CI check attached to a pull request head.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation (token is ignored).
// Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused, the signer sets the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

// isNotFound reports whether err is a GitHub 404 response.
func isNotFound(err error) bool {
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

// ListTopLevelFiles returns the names of the entries at the repository root
// on the default branch. The stack detector matches marker files against
// this listing.
func (c *Client) ListTopLevelFiles(ctx context.Context, owner, repo string) ([]string, error) {
	return retry.DoVal(ctx, func() ([]string, error) {
		_, entries, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, "", nil)
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing repository contents: %w", err))
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.GetName())
		}
		return names, nil
	}, c.retryOpts()...)
}

// FileContent returns the decoded content of a file at the given ref. A
// missing file is not an error; found is false instead.
func (c *Client) FileContent(ctx context.Context, owner, repo, path, ref string) (content []byte, found bool, err error) {
	type result struct {
		content []byte
		found   bool
	}
	res, err := retry.DoVal(ctx, func() (result, error) {
		fc, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
			&gh.RepositoryContentGetOptions{Ref: ref})
		if isNotFound(err) {
			return result{}, nil
		}
		if err != nil {
			return result{}, classifyErr(fmt.Errorf("fetching %s: %w", path, err))
		}
		if fc == nil {
			// Path resolved to a directory.
			return result{}, retry.Permanent(fmt.Errorf("%s is not a file", path))
		}
		text, err := fc.GetContent()
		if err != nil {
			return result{}, retry.Permanent(fmt.Errorf("decoding %s: %w", path, err))
		}
		return result{content: []byte(text), found: true}, nil
	}, c.retryOpts()...)
	return res.content, res.found, err
}

// BranchExists reports whether the named branch exists in the repository.
func (c *Client) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		_, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, classifyErr(fmt.Errorf("fetching branch ref: %w", err))
		}
		return true, nil
	}, c.retryOpts()...)
}

// EnsureBranch creates the named branch from the head of base if it does not
// exist yet. Creating a branch that already exists is not an error.
func (c *Client) EnsureBranch(ctx context.Context, owner, repo, branch, base string) error {
	exists, err := c.BranchExists(ctx, owner, repo, branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return retry.Do(ctx, func() error {
		baseRef, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
		if err != nil {
			return classifyErr(fmt.Errorf("fetching base ref %s: %w", base, err))
		}
		_, _, err = c.gh.Git.CreateRef(ctx, owner, repo, &gh.Reference{
			Ref:    gh.Ptr("refs/heads/" + branch),
			Object: &gh.GitObject{SHA: baseRef.Object.SHA},
		})
		if err != nil {
			// A concurrent creator beat us to it. Reference-exists is fine.
			if strings.Contains(err.Error(), "Reference already exists") {
				return nil
			}
			return classifyErr(fmt.Errorf("creating branch %s: %w", branch, err))
		}
		return nil
	}, c.retryOpts()...)
}

// CommitFile creates or updates a single file on the given branch via the
// contents API and returns the commit URL.
func (c *Client) CommitFile(ctx context.Context, owner, repo, branch, path, message string, content []byte) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		opts := &gh.RepositoryContentFileOptions{
			Message: gh.Ptr(message),
			Content: content,
			Branch:  gh.Ptr(branch),
		}

		// The contents API requires the blob SHA when updating an existing file.
		existing, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
			&gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil && !isNotFound(err) {
			return "", classifyErr(fmt.Errorf("checking existing file %s: %w", path, err))
		}
		if existing != nil {
			opts.SHA = existing.SHA
		}

		resp, _, err := c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts)
		if err != nil {
			return "", classifyErr(fmt.Errorf("committing %s: %w", path, err))
		}
		return resp.Commit.GetHTMLURL(), nil
	}, c.retryOpts()...)
}

// CreatePullRequest creates a new pull request and returns it.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FindOpenPR finds an existing open PR for the given head and base branches.
// Returns nil if no matching open PR exists.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, head, base string) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:  owner + ":" + head,
			Base:  base,
			State: "open",
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing PRs: %w", err))
		}
		if len(prs) == 0 {
			return nil, nil
		}
		pr := prFromGH(prs[0])
		return &pr, nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, prNumber int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FetchCheckRuns returns all check runs for the given git ref (SHA or branch).
func (c *Client) FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	return retry.DoVal(ctx, func() ([]CheckRun, error) {
		var all []CheckRun
		opts := &gh.ListCheckRunsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, CheckRun{
					ID:         cr.GetID(),
					Name:       cr.GetName(),
					Status:     cr.GetStatus(),
					Conclusion: cr.GetConclusion(),
					HTMLURL:    cr.GetHTMLURL(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// ApprovePR submits an approving review on the pull request.
func (c *Client) ApprovePR(ctx context.Context, owner, repo string, prNumber int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, prNumber, &gh.PullRequestReviewRequest{
			Event: gh.Ptr("APPROVE"),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("approving PR #%d: %w", prNumber, err))
		}
		return nil
	}, c.retryOpts()...)
}

// PostPRComment posts a general comment on the pull request (issue comment).
func (c *Client) PostPRComment(ctx context.Context, owner, repo string, prNumber int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, prNumber, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("posting PR comment: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// IsPRMerged returns whether the given pull request has been merged.
func (c *Client) IsPRMerged(ctx context.Context, owner, repo string, prNumber int) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		merged, _, err := c.gh.PullRequests.IsMerged(ctx, owner, repo, prNumber)
		if err != nil {
			return false, classifyErr(fmt.Errorf("checking PR merged status: %w", err))
		}
		return merged, nil
	}, c.retryOpts()...)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:  pr.GetNumber(),
		NodeID:  pr.GetNodeID(),
		HTMLURL: pr.GetHTMLURL(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		Draft:   pr.GetDraft(),
		Merged:  pr.GetMerged(),
		User:    pr.GetUser().GetLogin(),
	}
	if pr.Head != nil {
		p.HeadSHA = pr.Head.GetSHA()
	}
	return p
}
