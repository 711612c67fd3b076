package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

// Width is the fixed hex length of a fingerprint
const Width = 32

const defaultTopFrames = 5

// volatileSegment matches path parts that change between deployments but do
// not change error identity: hex ids, uuids, long digit runs.
var volatileSegment = regexp.MustCompile(`(?i)([0-9a-f]{8,}|\b\d{4,}\b)`)

// Engine derives stable group identities from normalized report content.
// Compute is a pure function of its input: no randomness, no clock.
type Engine struct {
	version     int
	topFrames   int
	appPrefixes []string
}

// NewEngine creates a fingerprint engine from configuration
func NewEngine(cfg config.FingerprintConfig) *Engine {
	topFrames := cfg.TopFrames
	if topFrames <= 0 {
		topFrames = defaultTopFrames
	}
	version := cfg.Version
	if version <= 0 {
		version = 1
	}
	return &Engine{
		version:     version,
		topFrames:   topFrames,
		appPrefixes: cfg.AppPrefixes,
	}
}

// Compute returns the fingerprint for a report. An explicit override pinned
// by a developer takes precedence and bypasses normalization entirely.
func (e *Engine) Compute(report *domain.ErrorReport) string {
	if report.FingerprintOverride != "" {
		return digest("override:" + report.FingerprintOverride)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v%d|%s", e.version, report.Type)

	frames := e.applicationFrames(report.Frames)
	if len(frames) == 0 {
		// No usable stack: fall back to type+message. Higher false-merge
		// rate, accepted trade-off for bare-message reports.
		b.WriteString("|msg:")
		b.WriteString(normalizeMessage(report.Message))
		return digest(b.String())
	}

	for _, f := range frames {
		b.WriteByte('|')
		b.WriteString(f)
	}
	return digest(b.String())
}

// applicationFrames normalizes and truncates the stack to the top N
// application frames. Library frames between application frames still
// contribute function+file (line stripped) so distinct call paths through
// shared code keep distinct identities.
func (e *Engine) applicationFrames(frames []domain.Frame) []string {
	var out []string
	appSeen := 0
	for _, f := range frames {
		if f.File == "" && f.Function == "" {
			continue
		}
		if e.isApplicationFrame(f.File) {
			out = append(out, fmt.Sprintf("%s:%s:%d", f.Function, scrubPath(f.File), f.Line))
			appSeen++
			if appSeen >= e.topFrames {
				break
			}
		} else {
			out = append(out, fmt.Sprintf("%s:%s", f.Function, scrubPath(f.File)))
		}
	}
	if appSeen == 0 {
		// Stack contains only library frames; identity comes from the top
		// topFrames of those instead.
		if len(out) > e.topFrames {
			out = out[:e.topFrames]
		}
	}
	return out
}

func (e *Engine) isApplicationFrame(file string) bool {
	if len(e.appPrefixes) == 0 {
		// Without an allow-list every frame counts as application code
		return true
	}
	for _, prefix := range e.appPrefixes {
		if strings.HasPrefix(file, prefix) || strings.Contains(file, prefix) {
			return true
		}
	}
	return false
}

// scrubPath strips volatile path segments (build hashes, uuids, version
// numbers) so the same logical file matches across deployments
func scrubPath(p string) string {
	return volatileSegment.ReplaceAllString(p, "*")
}

// messageDigits matches any digit run; messages embed ids and counts far
// more often than paths do, so the scrub is broader here
var messageDigits = regexp.MustCompile(`\d+`)

// normalizeMessage collapses the volatile parts of a bare message
func normalizeMessage(msg string) string {
	scrubbed := volatileSegment.ReplaceAllString(strings.TrimSpace(msg), "*")
	return messageDigits.ReplaceAllString(scrubbed, "*")
}

func digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:Width]
}
