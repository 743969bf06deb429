package gateway

import (
	"fmt"
	"regexp"
)

// Template names.
const (
	TemplateErrorAnalysis = "error_analysis"
	TemplateFixGeneration = "fix_generation"
	TemplateCommitMessage = "commit_message"
)

var defaultTemplates = map[string]string{
	TemplateErrorAnalysis: `You are a senior engineer performing root-cause analysis of a production error.

Service: {{service}}
Component: {{component}}
Severity: {{severity}}
Occurrences: {{occurrence_count}}
Error type: {{error_type}}
Message: {{message}}

Stack trace:
{{stack_trace}}

Context:
{{context}}

Respond ONLY with a JSON object:
{
  "root_cause": "one paragraph explaining why the error happens",
  "suggested_fixes": ["concrete change", "..."],
  "related_files": ["relative/path/to/file", "..."],
  "confidence": 0.0
}
confidence is a number between 0 and 1 expressing how sure you are that the suggested fix resolves the error.`,

	TemplateFixGeneration: `You are fixing a production error.

Error type: {{error_type}}
Message: {{message}}
Component: {{component}}

Stack trace:
{{stack_trace}}

Root cause:
{{root_cause}}

Suggested fixes:
{{suggested_fixes}}

Related files:
{{related_files}}

Respond ONLY with a JSON object:
{
  "file_path": "relative path of the file to change",
  "fixed_code": "complete new content of that file",
  "explanation": "what changed and why",
  "test_cases": ["test that reproduces the error", "..."]
}`,

	TemplateCommitMessage: `Write a conventional commit message for a fix.

Error type: {{error_type}}
Message: {{message}}
Component: {{component}}
Root cause: {{root_cause}}
Files: {{files}}
Error hash: {{error_hash}}

Format:
fix(<scope>): <subject under 72 characters>

<body explaining the change>

Respond with the commit message only.`,
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Templates holds prompt templates by name.
type Templates map[string]string

// NewTemplates returns the defaults with overrides applied.
func NewTemplates(overrides map[string]string) (Templates, error) {
	t := make(Templates, len(defaultTemplates))
	for k, v := range defaultTemplates {
		t[k] = v
	}
	for k, v := range overrides {
		if _, ok := defaultTemplates[k]; !ok {
			return nil, fmt.Errorf("unknown template %q", k)
		}
		if v != "" {
			t[k] = v
		}
	}
	return t, nil
}

// Render substitutes {{placeholder}} tokens from vars. Unknown placeholders
// render as the empty string.
func (t Templates) Render(name string, vars map[string]string) (string, error) {
	tmpl, ok := t[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	return RenderTemplate(tmpl, vars), nil
}

// RenderTemplate substitutes {{placeholder}} tokens in tmpl.
func RenderTemplate(tmpl string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		return vars[key]
	})
}
