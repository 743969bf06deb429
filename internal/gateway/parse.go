package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/errwatch/internal/errs"
)

// extractJSONObject returns the first balanced JSON object in text, after
// stripping markdown code fences.
func extractJSONObject(text string) (string, bool) {
	if obj, ok := firstObject(stripFences(text)); ok {
		return obj, true
	}
	return firstObject(text)
}

func firstObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		// Drop the language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// matchBrace finds the brace closing the one at start, honoring strings.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

type rawAnalysis struct {
	RootCause      string   `json:"root_cause"`
	RootCauseCamel string   `json:"rootCause"`
	Fixes          []string `json:"suggested_fixes"`
	FixesCamel     []string `json:"suggestedFixes"`
	Files          []string `json:"related_files"`
	FilesCamel     []string `json:"relatedFiles"`
	Confidence     any      `json:"confidence"`
}

// parseAnalysis never fails: an unstructured answer yields a fallback
// analysis wrapping the text.
func parseAnalysis(text string) (*Analysis, error) {
	obj, ok := extractJSONObject(text)
	if !ok {
		return fallbackAnalysis(text), fmt.Errorf("%w: no json object", errs.ErrMalformedResponse)
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return fallbackAnalysis(text), fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}

	a := &Analysis{
		RootCause:      firstNonEmpty(raw.RootCause, raw.RootCauseCamel),
		SuggestedFixes: firstSlice(raw.Fixes, raw.FixesCamel),
		RelatedFiles:   firstSlice(raw.Files, raw.FilesCamel),
		Confidence:     normalizeConfidence(raw.Confidence),
	}
	if a.RootCause == "" {
		return fallbackAnalysis(text), fmt.Errorf("%w: missing root cause", errs.ErrMalformedResponse)
	}
	return a, nil
}

func fallbackAnalysis(text string) *Analysis {
	return &Analysis{
		RootCause:      strings.TrimSpace(text),
		SuggestedFixes: []string{},
		RelatedFiles:   []string{},
		Confidence:     FallbackConfidence,
		Fallback:       true,
	}
}

type rawFix struct {
	FilePath       string   `json:"file_path"`
	FilePathCamel  string   `json:"filePath"`
	FixedCode      string   `json:"fixed_code"`
	FixedCodeCamel string   `json:"fixedCode"`
	Explanation    string   `json:"explanation"`
	TestCases      []string `json:"test_cases"`
	TestCasesCamel []string `json:"testCases"`
}

func parseFix(text string) (*Fix, error) {
	obj, ok := extractJSONObject(text)
	if !ok {
		return fallbackFix(text), fmt.Errorf("%w: no json object", errs.ErrMalformedResponse)
	}

	var raw rawFix
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return fallbackFix(text), fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return &Fix{
		FilePath:    firstNonEmpty(raw.FilePath, raw.FilePathCamel),
		FixedCode:   firstNonEmpty(raw.FixedCode, raw.FixedCodeCamel),
		Explanation: raw.Explanation,
		TestCases:   firstSlice(raw.TestCases, raw.TestCasesCamel),
	}, nil
}

func fallbackFix(text string) *Fix {
	return &Fix{
		Explanation: strings.TrimSpace(text),
		TestCases:   []string{},
		Fallback:    true,
	}
}

// normalizeConfidence clamps to [0,1]. Values in (1,100] are read as
// percentages. Missing or unparsable values become FallbackConfidence.
func normalizeConfidence(v any) float64 {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case string:
		c = strings.TrimSuffix(strings.TrimSpace(c), "%")
		if _, err := fmt.Sscanf(c, "%g", &f); err != nil {
			return FallbackConfidence
		}
	default:
		return FallbackConfidence
	}

	switch {
	case f < 0:
		return 0
	case f <= 1:
		return f
	case f <= 100:
		return f / 100
	default:
		return 1
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstSlice(vals ...[]string) []string {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return []string{}
}

// cleanCommitMessage strips fences and surrounding quotes from a commit
// message answer.
func cleanCommitMessage(text string) string {
	msg := stripFences(text)
	msg = strings.Trim(msg, "\"'` \n\t")
	return msg
}
