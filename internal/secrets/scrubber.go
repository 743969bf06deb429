package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Finding records one masked span. The secret itself is never kept.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// span is a byte range scheduled for masking.
type span struct {
	start, end int
	ruleID     string
}

func compileRules(rules []Rule) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		c := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			c.keywords = append(c.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, c)
	}
	return out, nil
}

func (c *compiledRule) applies(content string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// scrub masks every rule match in content. Spans that already carry the
// mask marker are left alone so earlier layers keep their debug prefix.
func scrub(content string, rules []*compiledRule) (string, []Finding) {
	var spans []span
	for _, rule := range rules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(content, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			if start >= end || strings.Contains(content[start:end], Marker) {
				continue
			}
			spans = append(spans, span{start: start, end: end, ruleID: rule.ID})
		}
	}
	if len(spans) == 0 {
		return content, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := mergeSpans(spans)

	findings := make([]Finding, 0, len(merged))
	var b strings.Builder
	last := 0
	for _, s := range merged {
		b.WriteString(content[last:s.start])
		b.WriteString(Mask(content[s.start:s.end]))
		last = s.end
		findings = append(findings, Finding{RuleID: s.ruleID, Start: s.start, End: s.end})
	}
	b.WriteString(content[last:])
	return b.String(), findings
}

// mergeSpans merges overlapping or adjacent spans. Input must be sorted by start.
func mergeSpans(spans []span) []span {
	merged := []span{spans[0]}
	for _, curr := range spans[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}
