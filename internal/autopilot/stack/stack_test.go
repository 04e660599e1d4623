package stack

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  Stack
	}{
		{"node project", []string{"README.md", "package.json", "index.js"}, Node},
		{"csproj", []string{"App.csproj", "Program.cs"}, DotNet},
		{"solution file", []string{"App.sln"}, DotNet},
		{"requirements", []string{"requirements.txt"}, Python},
		{"pyproject", []string{"pyproject.toml", "src"}, Python},
		{"maven", []string{"pom.xml"}, Java},
		{"gradle kts", []string{"build.gradle.kts"}, Java},
		{"node wins over python", []string{"requirements.txt", "package.json"}, Node},
		{"dotnet wins over java", []string{"pom.xml", "App.csproj"}, DotNet},
		{"no markers", []string{"README.md", "LICENSE"}, Unknown},
		{"empty listing", nil, Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.files, DefaultRules); got != tt.want {
				t.Errorf("Detect(%v) = %s, want %s", tt.files, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Stack
	}{
		{"node", Node},
		{"javascript", Node},
		{"typescript", Node},
		{"ts", Node},
		{"c#", DotNet},
		{"csharp", DotNet},
		{"python", Python},
		{"java", Java},
		{"maven", Java},
		{"gradle", Java},
		{"rust", Unknown},
		{"", Unknown},
	}

	for _, tt := range tests {
		if got := Parse(tt.in); got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
