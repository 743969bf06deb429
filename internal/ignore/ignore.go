// Package ignore decides which repository paths remediation must not write.
//
// Patterns use gitignore syntax and come from two places: a fixed base list
// from configuration and any ignore files found at the repository root.
// Negation ("!pattern") re-allows a path matched by an earlier pattern.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultIgnoreFile is read from the repository root when present.
const DefaultIgnoreFile = ".errwatchignore"

// Parser reads gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// BasePatterns always apply, before any file patterns.
	BasePatterns []string
}

// NewParser creates a parser for the given ignore files and base patterns.
func NewParser(ignoreFiles, basePatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:  ignoreFiles,
		BasePatterns: basePatterns,
	}
}

// ParseProject returns the base patterns followed by the patterns of every
// ignore file found under projectRoot, deduplicated in order.
func (p *Parser) ParseProject(projectRoot string) ([]string, error) {
	patterns := make([]string, 0, len(p.BasePatterns))
	for _, bp := range p.BasePatterns {
		if line := parseLine(bp); line != "" {
			patterns = append(patterns, line)
		}
	}

	for _, ignoreFile := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(projectRoot, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
	}

	return deduplicate(patterns), nil
}

// Load parses the project and compiles a Matcher.
func (p *Parser) Load(projectRoot string) (*Matcher, error) {
	patterns, err := p.ParseProject(projectRoot)
	if err != nil {
		return nil, err
	}
	return NewMatcher(patterns), nil
}

// Matcher reports whether a repository-relative path is protected.
type Matcher struct {
	patterns []string
	m        gitignore.Matcher
}

// NewMatcher compiles gitignore patterns rooted at the repository root.
func NewMatcher(patterns []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		ps = append(ps, gitignore.ParsePattern(p, nil))
	}
	return &Matcher{patterns: patterns, m: gitignore.NewMatcher(ps)}
}

// Match reports whether rel, a slash or OS separated path relative to the
// repository root, or any of its parent directories is protected.
func (m *Matcher) Match(rel string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	parts := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if m.m.Match(parts[:i], true) {
			return true
		}
	}
	return m.m.Match(parts, false)
}

// Patterns returns the compiled patterns in order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// parseFile reads a single gitignore-style file and returns patterns.
func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns the pattern on a line, or "" for comments and blanks.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// deduplicate removes duplicate patterns while preserving order.
func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))

	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}

	return result
}
