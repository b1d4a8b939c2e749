package engine

import (
	"regexp"
	"strings"

	"github.com/anatolykoptev/go-kit/strutil"
)

var (
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
	speakerMarkerRe = regexp.MustCompile(`(^|\s)>>\s*`)
)

// CleanHTML strips HTML tags and trims whitespace.
func CleanHTML(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}

// NormalizeCueText prepares cue text for display: drops ">>" speaker-change
// markers and collapses runs of whitespace (including newlines) to one space.
func NormalizeCueText(s string) string {
	s = speakerMarkerRe.ReplaceAllString(s, "$1")
	return strings.Join(strings.Fields(s), " ")
}

// Preview caps s at limit runes for log output.
func Preview(s string, limit int) string {
	return strutil.TruncateWith(s, limit, "...")
}
