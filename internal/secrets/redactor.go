package secrets

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

// Marker replaces masked content. Masked values keep their first four
// characters for debugging: "s3cr3t123" becomes "s3cr***REDACTED***".
const Marker = "***REDACTED***"

const (
	keepPrefix       = 4
	depthMarker      = "[MAX_DEPTH]"
	truncatedKeysKey = "_truncated_keys"
)

// Mask keeps the first four characters of v and replaces the rest.
// Values of four characters or fewer are replaced entirely.
func Mask(v string) string {
	if utf8.RuneCountInString(v) <= keepPrefix {
		return Marker
	}
	n := 0
	for i := range v {
		if n == keepPrefix {
			return v[:i] + Marker
		}
		n++
	}
	return Marker
}

// Redactor masks secrets in strings and structured context.
// A Redactor is safe for concurrent use.
type Redactor struct {
	enabled     bool
	rules       []*compiledRule
	assignments []*regexp.Regexp
	blocked     []string
	maxDepth    int
	maxKeys     int
	maxValueLen int
	deep        *gitleaksScanner
}

// New builds a Redactor from the security.redaction section.
func New(cfg config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{
		enabled:     cfg.Enabled,
		maxDepth:    cfg.MaxDepth,
		maxKeys:     cfg.MaxKeys,
		maxValueLen: cfg.MaxValueLen,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = 8
	}
	if r.maxKeys <= 0 {
		r.maxKeys = 100
	}
	if !cfg.Enabled {
		return r, nil
	}

	rules := DefaultRules()
	for i, p := range cfg.CustomPatterns {
		rules = append(rules, Rule{ID: fmt.Sprintf("custom-%d", i), Description: "configured pattern", Pattern: p})
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	r.rules = compiled

	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, cfg.Patterns...), cfg.BlockedKeys...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		r.blocked = append(r.blocked, name)
	}
	for _, p := range cfg.Patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(` + regexp.QuoteMeta(strings.TrimSpace(p)) + `["']?\s*[:=]\s*["']?)([^\s"',;&}]+)`)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.assignments = append(r.assignments, re)
	}

	if cfg.Gitleaks {
		deep, err := newGitleaksScanner()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gitleaks detector: %w", err)
		}
		r.deep = deep
	}
	return r, nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// RedactString masks secrets in s.
func (r *Redactor) RedactString(s string) string {
	out, _ := r.Redact(s)
	return out
}

// Redact masks secrets in s and returns the findings.
func (r *Redactor) Redact(s string) (string, []Finding) {
	if !r.Enabled() || s == "" {
		return s, nil
	}
	var findings []Finding
	for _, re := range r.assignments {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if len(sub) < 3 || strings.Contains(sub[2], Marker) {
				return m
			}
			findings = append(findings, Finding{RuleID: "assignment"})
			return sub[1] + Mask(sub[2])
		})
	}

	s, ruleFindings := scrub(s, r.rules)
	findings = append(findings, ruleFindings...)

	if r.deep != nil {
		var deepFindings []Finding
		s, deepFindings = r.deep.scrub(s)
		findings = append(findings, deepFindings...)
	}
	return s, findings
}

// RedactMap returns a redacted copy of m. The input is not modified.
// Depth, key and value caps apply even when masking is disabled.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil || r == nil {
		return m
	}
	return r.walkMap(m, 1)
}

// SensitiveKey reports whether a field name carries a blocked substring.
func (r *Redactor) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, b := range r.blocked {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

func (r *Redactor) walkMap(m map[string]any, depth int) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, min(len(keys), r.maxKeys)+1)
	for i, k := range keys {
		if i >= r.maxKeys {
			out[truncatedKeysKey] = len(keys) - r.maxKeys
			break
		}
		out[k] = r.walkValue(k, m[k], depth)
	}
	return out
}

func (r *Redactor) walkValue(key string, v any, depth int) any {
	if key != "" && r.enabled && r.SensitiveKey(key) {
		switch t := v.(type) {
		case nil:
			return nil
		case string:
			return Mask(t)
		default:
			return Marker
		}
	}

	switch t := v.(type) {
	case nil, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return t
	case string:
		return r.truncate(r.RedactString(t))
	case map[string]any:
		if depth >= r.maxDepth {
			return depthMarker
		}
		return r.walkMap(t, depth+1)
	case map[string]string:
		if depth >= r.maxDepth {
			return depthMarker
		}
		conv := make(map[string]any, len(t))
		for k, s := range t {
			conv[k] = s
		}
		return r.walkMap(conv, depth+1)
	case []any:
		if depth >= r.maxDepth {
			return depthMarker
		}
		limit := min(len(t), r.maxKeys)
		out := make([]any, 0, limit)
		for _, item := range t[:limit] {
			out = append(out, r.walkValue("", item, depth+1))
		}
		return out
	case []string:
		limit := min(len(t), r.maxKeys)
		out := make([]any, 0, limit)
		for _, item := range t[:limit] {
			out = append(out, r.truncate(r.RedactString(item)))
		}
		return out
	case error:
		return r.truncate(r.RedactString(t.Error()))
	case fmt.Stringer:
		return r.truncate(r.RedactString(t.String()))
	default:
		return r.walkReflect(t, depth)
	}
}

// walkReflect handles values the type switch does not name. Composite kinds
// recurse under the same depth bound; fmt is only used for scalars since it
// does not detect cycles.
func (r *Redactor) walkReflect(v any, depth int) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return v
	case reflect.String:
		return r.truncate(r.RedactString(rv.String()))
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if depth >= r.maxDepth {
			return depthMarker
		}
		return r.walkValue("", rv.Elem().Interface(), depth+1)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if depth >= r.maxDepth {
			return depthMarker
		}
		conv := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			conv[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return r.walkMap(conv, depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 && rv.Kind() == reflect.Slice {
			return r.truncate(r.RedactString(string(rv.Bytes())))
		}
		if depth >= r.maxDepth {
			return depthMarker
		}
		limit := min(rv.Len(), r.maxKeys)
		out := make([]any, 0, limit)
		for i := 0; i < limit; i++ {
			out = append(out, r.walkValue("", rv.Index(i).Interface(), depth+1))
		}
		return out
	case reflect.Struct:
		if depth >= r.maxDepth {
			return depthMarker
		}
		// encoding/json rejects pointer cycles instead of recursing forever
		data, err := json.Marshal(v)
		if err != nil {
			return "[" + rv.Type().String() + "]"
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return "[" + rv.Type().String() + "]"
		}
		return r.walkValue("", generic, depth)
	default:
		return "[" + rv.Type().String() + "]"
	}
}

func (r *Redactor) truncate(s string) string {
	if r.maxValueLen <= 0 || len(s) <= r.maxValueLen {
		return s
	}
	cut := r.maxValueLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
