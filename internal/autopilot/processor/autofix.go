package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FixInstruction is one text patch parsed from an issue description. An
// empty Find replaces the whole file (or creates it).
type FixInstruction struct {
	Path    string
	Find    string
	Replace string
}

// ErrNoFixInstructions is returned when an autofix issue carries no usable
// patch instructions in its description.
var ErrNoFixInstructions = errors.New("no fix instructions in issue description")

// ParseFixInstructions reads patch instructions from an issue description,
// one per line in the form `path=..., find=..., replace=...`. Lines missing
// the path or either key are ignored. Parsing is deliberately naive: values
// cannot contain commas.
func ParseFixInstructions(description string) []FixInstruction {
	var out []FixInstruction
	for _, line := range strings.Split(description, "\n") {
		var ins FixInstruction
		var hasPath, hasFind, hasReplace bool
		for _, part := range strings.Split(line, ",") {
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch strings.TrimSpace(k) {
			case "path":
				ins.Path = strings.TrimSpace(v)
				hasPath = ins.Path != ""
			case "find":
				ins.Find = strings.TrimSpace(v)
				hasFind = true
			case "replace":
				ins.Replace = strings.TrimSpace(v)
				hasReplace = true
			}
		}
		if hasPath && hasFind && hasReplace {
			out = append(out, ins)
		}
	}
	return out
}

// AutofixResult describes the branch and PR produced by an autofix run.
type AutofixResult struct {
	Branch    string `json:"branch"`
	CommitURL string `json:"commit_url"`
	PRNumber  int    `json:"pr_number"`
	PRURL     string `json:"pr_url"`
}

// Autofix fetches the issue, parses patch instructions from its description,
// applies them on a fresh branch, and opens a pull request. It is driven by
// the HTTP API rather than the discovery loop and does not touch the ticket
// lifecycle.
func (p *Processor) Autofix(ctx context.Context, repository, issueKey string) (AutofixResult, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return AutofixResult{}, err
	}

	issueCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	issue, err := p.issues.GetIssue(issueCtx, issueKey)
	cancel()
	if err != nil {
		return AutofixResult{}, fmt.Errorf("fetching issue %s: %w", issueKey, err)
	}
	summary := issue.Summary
	if summary == "" {
		summary = "Automated fix"
	}

	instructions := ParseFixInstructions(issue.Description)
	if len(instructions) == 0 {
		return AutofixResult{}, fmt.Errorf("parsing %s: %w", issueKey, ErrNoFixInstructions)
	}

	branch := fmt.Sprintf("autofix-%s-%s", strings.ToLower(issueKey), uuid.NewString()[:8])
	if err := p.ensureBranch(ctx, owner, name, branch); err != nil {
		return AutofixResult{}, fmt.Errorf("preparing branch %s: %w", branch, err)
	}

	var commitURL string
	for _, ins := range instructions {
		commitURL, err = p.applyFix(ctx, owner, name, branch, issueKey, ins)
		if err != nil {
			return AutofixResult{}, err
		}
	}

	title := fmt.Sprintf("Automated fix (%s): %s", issueKey, summary)
	body := fmt.Sprintf("Automated fixes for %s.\n\n%s\n\nTracker: %s", issueKey, summary, issue.URL)
	createCtx, cancelCreate := context.WithTimeout(ctx, p.settings.CallTimeout)
	pr, err := p.repos.CreatePullRequest(createCtx, owner, name, branch, p.settings.BaseBranch, title, body)
	cancelCreate()
	if err != nil {
		return AutofixResult{}, fmt.Errorf("opening pull request: %w", err)
	}

	commentCtx, cancelComment := context.WithTimeout(ctx, p.settings.CallTimeout)
	if err := p.repos.PostPRComment(commentCtx, owner, name, pr.Number,
		fmt.Sprintf("Automated fixes applied from the tracker instructions for %s. Please review.", issueKey)); err != nil {
		p.logger.Warn("posting autofix PR comment", "issue", issueKey, "error", err)
	}
	cancelComment()

	if err := p.postComment(ctx, issueKey,
		fmt.Sprintf("Opened PR with automated fixes: %s", summary), "View Auto-Fix PR", pr.HTMLURL); err != nil {
		p.logger.Warn("posting autofix comment", "issue", issueKey, "error", err)
	}
	if err := p.transitionIssue(ctx, issueKey, p.settings.InReviewStatus); err != nil {
		p.logger.Warn("could not move autofix issue to in-review", "issue", issueKey, "error", err)
	}

	p.logActivity(issueKey, "autofix_pr_open", "", "",
		fmt.Sprintf("Opened autofix PR #%d on %s", pr.Number, repository))
	p.logger.Info("autofix PR opened", "issue", issueKey, "repo", repository, "pr", pr.Number)

	return AutofixResult{
		Branch:    branch,
		CommitURL: commitURL,
		PRNumber:  pr.Number,
		PRURL:     pr.HTMLURL,
	}, nil
}

// applyFix patches one file on the branch. A missing file starts out empty,
// so an empty Find creates the file with the replacement text.
func (p *Processor) applyFix(ctx context.Context, owner, name, branch, issueKey string, ins FixInstruction) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout)
	content, found, err := p.repos.FileContent(readCtx, owner, name, ins.Path, branch)
	cancel()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", ins.Path, err)
	}

	base := ""
	if found {
		base = string(content)
	}
	patched := ins.Replace
	if ins.Find != "" {
		patched = strings.ReplaceAll(base, ins.Find, ins.Replace)
	}

	commitCtx, cancelCommit := context.WithTimeout(ctx, p.settings.CallTimeout)
	defer cancelCommit()
	message := fmt.Sprintf("Apply automated fix to %s for %s", ins.Path, issueKey)
	url, err := p.repos.CommitFile(commitCtx, owner, name, branch, ins.Path, message, []byte(patched))
	if err != nil {
		return "", fmt.Errorf("committing %s: %w", ins.Path, err)
	}
	return url, nil
}
