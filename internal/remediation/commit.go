package remediation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxSubjectRunes = 72

// CommitMessage is a conventional commit message.
type CommitMessage struct {
	Type    string
	Scope   string
	Subject string
	Body    string
	Footer  string
}

// String renders "type(scope): subject", then body and footer separated by
// blank lines. Empty parts are omitted.
func (m CommitMessage) String() string {
	typ := m.Type
	if typ == "" {
		typ = "fix"
	}
	var b strings.Builder
	b.WriteString(typ)
	if m.Scope != "" {
		b.WriteString("(" + m.Scope + ")")
	}
	b.WriteString(": ")
	b.WriteString(truncateRunes(strings.TrimSpace(m.Subject), maxSubjectRunes))

	for _, part := range []string{m.Body, m.Footer} {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteString("\n\n")
			b.WriteString(part)
		}
	}
	return b.String()
}

// IsZero reports whether the message has no subject.
func (m CommitMessage) IsZero() bool {
	return strings.TrimSpace(m.Subject) == ""
}

var (
	headerPattern  = regexp.MustCompile(`^([a-zA-Z]+)(?:\(([^)]*)\))?!?:\s*(.+)$`)
	trailerPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z-]*: .+|[A-Za-z][A-Za-z-]* #.+|BREAKING CHANGE: .+)$`)
)

// ParseCommitMessage parses a generated commit message. Empty input returns
// fallback. A first line that is not a conventional header becomes the
// subject of a fallback-typed message.
func ParseCommitMessage(raw string, fallback CommitMessage) CommitMessage {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if raw == "" {
		return fallback
	}

	header, rest, _ := strings.Cut(raw, "\n")
	msg := CommitMessage{Type: fallback.Type, Scope: fallback.Scope, Footer: fallback.Footer}
	if m := headerPattern.FindStringSubmatch(strings.TrimSpace(header)); m != nil {
		msg.Type = strings.ToLower(m[1])
		msg.Scope = m[2]
		msg.Subject = m[3]
	} else {
		msg.Subject = strings.TrimSpace(header)
	}

	paragraphs := splitParagraphs(rest)
	if n := len(paragraphs); n > 0 && isTrailerBlock(paragraphs[n-1]) {
		msg.Footer = paragraphs[n-1]
		paragraphs = paragraphs[:n-1]
	}
	msg.Body = strings.Join(paragraphs, "\n\n")
	return msg
}

func splitParagraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTrailerBlock(p string) bool {
	for _, line := range strings.Split(p, "\n") {
		if !trailerPattern.MatchString(strings.TrimSpace(line)) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
