package stack

import "github.com/bmatcuk/doublestar/v4"

// Stack is the inferred technology of a target repository. It selects which
// build and test tooling the scaffolded pipeline uses.
type Stack string

const (
	Node    Stack = "node"
	DotNet  Stack = "dotnet"
	Python  Stack = "python"
	Java    Stack = "java"
	Unknown Stack = "unknown"
)

// Rule maps a marker-file pattern to a stack. Patterns are doublestar globs
// matched against file names at the repository root.
type Rule struct {
	Pattern string
	Stack   Stack
}

// DefaultRules is the fixed precedence order for marker-file detection.
// Rules are evaluated in order and the first match wins, so a repository
// carrying both package.json and requirements.txt detects as node.
var DefaultRules = []Rule{
	{Pattern: "package.json", Stack: Node},
	{Pattern: "*.csproj", Stack: DotNet},
	{Pattern: "*.sln", Stack: DotNet},
	{Pattern: "requirements.txt", Stack: Python},
	{Pattern: "pyproject.toml", Stack: Python},
	{Pattern: "setup.py", Stack: Python},
	{Pattern: "pom.xml", Stack: Java},
	{Pattern: "build.gradle", Stack: Java},
	{Pattern: "build.gradle.kts", Stack: Java},
}

// Detect matches the given root file listing against the rules, first match
// wins. Returns Unknown when nothing matches.
func Detect(files []string, rules []Rule) Stack {
	for _, r := range rules {
		for _, f := range files {
			ok, err := doublestar.Match(r.Pattern, f)
			if err != nil {
				continue
			}
			if ok {
				return r.Stack
			}
		}
	}
	return Unknown
}

// Parse normalizes a stack name, accepting the common synonyms that show up
// in issue hints ("javascript", "c#", "maven", ...). Unrecognized names map
// to Unknown.
func Parse(name string) Stack {
	switch name {
	case "node", "javascript", "typescript", "js", "ts":
		return Node
	case "dotnet", "c#", "csharp":
		return DotNet
	case "python":
		return Python
	case "java", "maven", "gradle":
		return Java
	default:
		return Unknown
	}
}
