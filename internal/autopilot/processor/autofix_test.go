package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

func TestParseFixInstructions(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        []FixInstruction
	}{
		{
			"single line",
			"path=README.md, find=teh, replace=the",
			[]FixInstruction{{Path: "README.md", Find: "teh", Replace: "the"}},
		},
		{
			"multiple lines with noise",
			"Please fix these typos:\npath=a.txt, find=foo, replace=bar\npath=b.txt, find=x, replace=y\nThanks!",
			[]FixInstruction{
				{Path: "a.txt", Find: "foo", Replace: "bar"},
				{Path: "b.txt", Find: "x", Replace: "y"},
			},
		},
		{
			"empty find creates the file",
			"path=NOTICE, find=, replace=hello",
			[]FixInstruction{{Path: "NOTICE", Find: "", Replace: "hello"}},
		},
		{"missing path is skipped", "find=foo, replace=bar", nil},
		{"missing replace is skipped", "path=a.txt, find=foo", nil},
		{"plain prose yields nothing", "Just fix whatever looks broken.", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFixInstructions(tt.description)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseFixInstructions = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("instruction %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAutofix_PatchesAndOpensPR(t *testing.T) {
	repos := &fakeRepos{contents: map[string]string{"README.md": "teh cat sat on teh mat"}}
	issues := &fakeIssues{issue: jira.Issue{
		Key:         "FIX-1",
		Summary:     "Fix typos",
		Description: "path=README.md, find=teh, replace=the",
	}}
	p := newProcessor(store.New(10), repos, issues, Settings{})

	res, err := p.Autofix(context.Background(), "acme/app", "FIX-1")
	if err != nil {
		t.Fatalf("Autofix failed: %v", err)
	}

	if !strings.HasPrefix(res.Branch, "autofix-fix-1-") {
		t.Errorf("Branch = %q, want autofix-fix-1-* prefix", res.Branch)
	}
	if len(repos.branches) != 1 || repos.branches[0] != res.Branch {
		t.Errorf("branches = %v, want the autofix branch", repos.branches)
	}
	if got := repos.committed["README.md"]; got != "the cat sat on the mat" {
		t.Errorf("committed content = %q, want patched text", got)
	}
	if len(repos.createdPRs) != 1 || !strings.Contains(repos.createdPRs[0], "FIX-1") {
		t.Errorf("createdPRs = %v, want one titled with the issue key", repos.createdPRs)
	}
	if res.PRNumber != 7 || res.PRURL == "" {
		t.Errorf("result = %+v, want the opened PR", res)
	}
	if len(repos.prComments) != 1 {
		t.Errorf("prComments = %v, want one review request", repos.prComments)
	}
	if len(issues.transitions) != 1 || issues.transitions[0] != "In Review" {
		t.Errorf("transitions = %v, want [In Review]", issues.transitions)
	}
	if len(issues.comments) != 1 {
		t.Errorf("comments = %v, want one PR link comment", issues.comments)
	}
}

func TestAutofix_EmptyFindCreatesFile(t *testing.T) {
	repos := &fakeRepos{}
	issues := &fakeIssues{issue: jira.Issue{
		Key:         "FIX-2",
		Description: "path=NOTICE, find=, replace=generated by autofix",
	}}
	p := newProcessor(store.New(10), repos, issues, Settings{})

	if _, err := p.Autofix(context.Background(), "acme/app", "FIX-2"); err != nil {
		t.Fatalf("Autofix failed: %v", err)
	}
	if got := repos.committed["NOTICE"]; got != "generated by autofix" {
		t.Errorf("committed content = %q, want the replacement text", got)
	}
}

func TestAutofix_NoInstructionsIsAnError(t *testing.T) {
	repos := &fakeRepos{}
	issues := &fakeIssues{issue: jira.Issue{Key: "FIX-3", Description: "please just fix it"}}
	p := newProcessor(store.New(10), repos, issues, Settings{})

	_, err := p.Autofix(context.Background(), "acme/app", "FIX-3")
	if !errors.Is(err, ErrNoFixInstructions) {
		t.Fatalf("Autofix error = %v, want ErrNoFixInstructions", err)
	}
	if len(repos.branches) != 0 || len(repos.createdPRs) != 0 {
		t.Error("repository touched despite missing instructions")
	}
}
