package ignore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# this is a comment", ""},
		{"negation kept", "!example.env", "!example.env"},
		{"trailing whitespace", "*.lock  \t", "*.lock"},
		{"crlf", "secrets/\r", "secrets/"},
		{"directory", ".github/workflows/", ".github/workflows/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLine(tt.line)
			if result != tt.expected {
				t.Errorf("parseLine(%q) = %q, want %q", tt.line, result, tt.expected)
			}
		})
	}
}

func TestParseProject(t *testing.T) {
	tmpDir := t.TempDir()

	content := "# protected\nmigrations/\n*.lock\n\n.git/\n"
	if err := os.WriteFile(filepath.Join(tmpDir, DefaultIgnoreFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	parser := NewParser([]string{DefaultIgnoreFile, ".missing"}, []string{".git/", ".github/workflows/"})
	patterns, err := parser.ParseProject(tmpDir)
	if err != nil {
		t.Fatalf("ParseProject() error = %v", err)
	}

	want := []string{".git/", ".github/workflows/", "migrations/", "*.lock"}
	if !reflect.DeepEqual(patterns, want) {
		t.Errorf("ParseProject() = %v, want %v", patterns, want)
	}
}

func TestParseProject_NoFiles(t *testing.T) {
	parser := NewParser([]string{DefaultIgnoreFile}, []string{".git/"})
	patterns, err := parser.ParseProject(t.TempDir())
	if err != nil {
		t.Fatalf("ParseProject() error = %v", err)
	}
	if !reflect.DeepEqual(patterns, []string{".git/"}) {
		t.Errorf("ParseProject() = %v, want base patterns only", patterns)
	}
}

func TestParseProject_UnreadableFile(t *testing.T) {
	tmpDir := t.TempDir()
	// a directory in place of the ignore file cannot be scanned
	if err := os.Mkdir(filepath.Join(tmpDir, DefaultIgnoreFile), 0755); err != nil {
		t.Fatal(err)
	}
	parser := NewParser([]string{DefaultIgnoreFile}, nil)
	if _, err := parser.ParseProject(tmpDir); err == nil {
		t.Error("ParseProject() expected error for unreadable ignore file")
	}
}

func TestMatcher_Match(t *testing.T) {
	m := NewMatcher([]string{
		".git/",
		".github/workflows/",
		"*.env",
		"!example.env",
		"/Makefile",
	})

	tests := []struct {
		path string
		want bool
	}{
		{".git/config", true},
		{".github/workflows/ci.yml", true},
		{".github/CODEOWNERS", false},
		{"deploy/prod.env", true},
		{"deploy/example.env", false},
		{"Makefile", true},
		{"tools/Makefile", false},
		{"src/user.js", false},
		{".errwatch/fixes/abcd1234.md", false},
		{"./src/../.git/HEAD", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestMatcher_Empty(t *testing.T) {
	var nilMatcher *Matcher
	if nilMatcher.Match(".git/config") {
		t.Error("nil matcher must not match")
	}
	if NewMatcher(nil).Match(".git/config") {
		t.Error("empty matcher must not match")
	}
}

func TestParser_Load(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, DefaultIgnoreFile), []byte("db/schema.sql\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewParser([]string{DefaultIgnoreFile}, []string{".git/"}).Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !m.Match("db/schema.sql") {
		t.Error("expected file pattern to protect db/schema.sql")
	}
	if len(m.Patterns()) != 2 {
		t.Errorf("Patterns() = %v, want 2 entries", m.Patterns())
	}
}
