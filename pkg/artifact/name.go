// Package artifact names and types generated report files.
package artifact

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	prefix      = "reporting"
	maxSlugLen  = 100
	fallback    = "report"
	stampLayout = "2006-01-02T15-04-05.000Z"
)

// NameFor derives the base file name for a report generated at t. The result is
// the same for the same inputs and never contains separators, quotes or control
// characters, so it is usable on disk and inside a Content-Disposition header.
// The timestamp has millisecond resolution, matching the epoch-millis time_created
// on reports: two reports with the same name created within one millisecond share a
// file name, which callers must tolerate.
func NameFor(reportName string, t time.Time) string {
	return prefix + "_" + slug(reportName) + "_" + t.UTC().Format(stampLayout)
}

// FileName is NameFor plus the format extension.
func FileName(reportName string, t time.Time, format string) string {
	return NameFor(reportName, t) + "." + strings.ToLower(format)
}

// ContentType maps a report format to its MIME type.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "pdf":
		return "application/pdf"
	case "png":
		return "image/png"
	case "csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func slug(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range folded {
		if isSafe(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	out := strings.Trim(b.String(), "._-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "._-")
	}
	if out == "" {
		return fallback
	}
	return out
}

func isSafe(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '.' || r == '_'
}
