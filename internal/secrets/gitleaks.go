package secrets

import (
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksScanner runs the gitleaks default rule set over content the
// built-in pack did not catch.
type gitleaksScanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

func newGitleaksScanner() (*gitleaksScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &gitleaksScanner{detector: d}, nil
}

func (g *gitleaksScanner) scrub(content string) (string, []Finding) {
	g.mu.Lock()
	found := g.detector.DetectString(content)
	g.mu.Unlock()

	// Longest secrets first so a secret that contains another is masked whole.
	sort.Slice(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })

	var findings []Finding
	for _, f := range found {
		if f.Secret == "" || strings.Contains(f.Secret, Marker) {
			continue
		}
		idx := strings.Index(content, f.Secret)
		if idx < 0 {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, Mask(f.Secret))
		findings = append(findings, Finding{RuleID: "gitleaks:" + f.RuleID, Start: idx, End: idx + len(f.Secret)})
	}
	return content, findings
}
