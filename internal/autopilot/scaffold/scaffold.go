package scaffold

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autopilot-ci/autopilot/internal/autopilot/stack"
)

// Generator produces the scaffolded pipeline content for a repository.
// The orchestration core only cares about the target path and bytes; the
// shape of the YAML itself is this package's business.
type Generator interface {
	Generate(repo string, st stack.Stack, buildCmd, testCmd string) (path string, content []byte, err error)
}

// commands holds the per-stack default build and test commands used when a
// ticket doesn't override them.
type commands struct {
	build string
	test  string
}

var stackDefaults = map[stack.Stack]commands{
	stack.Node:   {build: "npm run build --if-present", test: "npm test || echo 'No tests found'"},
	stack.Python: {build: "echo 'No build necessary for Python'", test: "pytest || echo 'No tests found'"},
	stack.DotNet: {build: "dotnet build", test: "dotnet test"},
	stack.Java:   {build: "mvn package -DskipTests", test: "mvn test"},
}

type step struct {
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	Run  string            `yaml:"run,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
}

type job struct {
	RunsOn string `yaml:"runs-on"`
	Steps  []step `yaml:"steps"`
}

type workflow struct {
	Name string         `yaml:"name"`
	On   map[string]any `yaml:"on"`
	Jobs map[string]job `yaml:"jobs"`
}

// WorkflowGenerator renders a GitHub Actions CI workflow for the detected
// stack. It implements Generator.
type WorkflowGenerator struct{}

// Generate renders the workflow and returns its repository path
// (.github/workflows/<repo>-ci.yml) and content. Unknown stacks get the
// python toolchain.
func (WorkflowGenerator) Generate(repo string, st stack.Stack, buildCmd, testCmd string) (string, []byte, error) {
	name := repo
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		name = repo[i+1:]
	}

	if _, ok := stackDefaults[st]; !ok {
		st = stack.Python
	}
	defaults := stackDefaults[st]
	if buildCmd == "" {
		buildCmd = defaults.build
	}
	if testCmd == "" {
		testCmd = defaults.test
	}

	steps := []step{{Uses: "actions/checkout@v4"}}
	steps = append(steps, setupSteps(st)...)
	steps = append(steps,
		step{Name: "Build", Run: buildCmd},
		step{Name: "Test", Run: testCmd},
	)

	wf := workflow{
		Name: "CI Pipeline",
		On: map[string]any{
			"push":              map[string]any{"branches": []string{"main"}},
			"pull_request":      map[string]any{"branches": []string{"main"}},
			"workflow_dispatch": map[string]any{},
		},
		Jobs: map[string]job{
			"build-test": {RunsOn: "ubuntu-latest", Steps: steps},
		},
	}

	content, err := yaml.Marshal(wf)
	if err != nil {
		return "", nil, fmt.Errorf("rendering workflow: %w", err)
	}

	path := fmt.Sprintf(".github/workflows/%s-ci.yml", name)
	return path, content, nil
}

func setupSteps(st stack.Stack) []step {
	switch st {
	case stack.Node:
		return []step{
			{Name: "Setup Node.js", Uses: "actions/setup-node@v4", With: map[string]string{"node-version": "18"}},
			{Name: "Install dependencies", Run: "npm ci || npm install"},
		}
	case stack.Python:
		return []step{
			{Name: "Setup Python", Uses: "actions/setup-python@v5", With: map[string]string{"python-version": "3.11"}},
			{Name: "Install dependencies", Run: "if [ -f requirements.txt ]; then pip install -r requirements.txt; fi"},
		}
	case stack.DotNet:
		return []step{
			{Name: "Setup .NET", Uses: "actions/setup-dotnet@v4", With: map[string]string{"dotnet-version": "8.0.x"}},
			{Name: "Restore dependencies", Run: "dotnet restore"},
		}
	case stack.Java:
		return []step{
			{Name: "Setup Java", Uses: "actions/setup-java@v4", With: map[string]string{"distribution": "temurin", "java-version": "17"}},
		}
	default:
		return nil
	}
}
