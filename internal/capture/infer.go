package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

const (
	hashMessageLen = 200
	hashStackLen   = 300
)

// ComputeHash returns the deduplication key of an error: the SHA-256 of its
// type, the first 200 characters of the message, the component and the first
// 300 characters of the stack. Truncation groups captures of the same fault
// whose tails differ.
func ComputeHash(errorType, message, component, stack string) string {
	h := sha256.New()
	for _, part := range []string{
		errorType,
		truncateRunes(message, hashMessageLen),
		component,
		truncateRunes(stack, hashStackLen),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

var (
	criticalPattern = regexp.MustCompile(`(?i)fatal|crash|panic|out[\s_-]?of[\s_-]?memory|\boom\b|oomkilled`)
	warningPattern  = regexp.MustCompile(`(?i)warn|deprecat`)
)

// InferSeverity derives a severity from the error type and message. An
// explicit, recognized severity wins.
func InferSeverity(explicit, errorType, message string) string {
	if config.IsSeverity(explicit) {
		return explicit
	}
	text := errorType + " " + message
	switch {
	case criticalPattern.MatchString(text):
		return config.SeverityCritical
	case warningPattern.MatchString(text):
		return config.SeverityWarning
	default:
		return config.SeverityError
	}
}

// UnknownComponent is used when no application frame is found.
const UnknownComponent = "unknown"

var (
	// path:line with an optional column, as printed by Go, Node and the JVM.
	framePathPattern = regexp.MustCompile(`((?:[A-Za-z]:)?[\w.@~+/\\-]*[\w-]\.[A-Za-z]\w*):\d+`)
	// Python: File "path", line N
	pythonFramePattern = regexp.MustCompile(`File "([^"]+)", line \d+`)
)

var ignoredSegments = map[string]bool{
	"node_modules":  true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	".next":         true,
	"site-packages": true,
}

var ignoredPrefixes = []string{
	"/usr/local/go/",
	"/usr/lib/go/",
	"node:internal",
}

// InferComponent returns "<parent dir>/<file stem>" for the first stack frame
// outside dependency, toolchain and build directories.
func InferComponent(stack string) string {
	for _, line := range strings.Split(stack, "\n") {
		p := framePath(line)
		if p == "" || isDependencyPath(p) {
			continue
		}
		return componentFromPath(p)
	}
	return UnknownComponent
}

func framePath(line string) string {
	if m := pythonFramePattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := framePathPattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

func isDependencyPath(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if strings.Contains(p, "/pkg/mod/") {
		return true
	}
	if goroot := goRoot(); goroot != "" && strings.HasPrefix(p, goroot+"/") {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if ignoredSegments[seg] {
			return true
		}
	}
	return false
}

func componentFromPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	file := path.Base(p)
	stem := strings.TrimSuffix(file, path.Ext(file))
	dir := path.Base(path.Dir(p))
	if dir == "." || dir == "/" || dir == "" {
		return stem
	}
	return dir + "/" + stem
}

func goRoot() string {
	return strings.TrimSuffix(os.Getenv("GOROOT"), "/")
}
