package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Volatile tokens that vary between occurrences of the same defect.
// UUIDs must be collapsed before the generic hex rule or their segments
// get eaten piecemeal.
var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidRe      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	addressRe   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	hexIDRe     = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numberRe    = regexp.MustCompile(`\b\d{4,}\b`)
	spaceRe     = regexp.MustCompile(`\s+`)

	// "at render (app/page.tsx:42:13)", "at app/page.tsx:42:13"
	frameRe = regexp.MustCompile(`^at\s+(?:async\s+)?(?:([^\s(]+)\s*\()?([^()]+?)(?::\d+){0,2}\)?$`)
)

// Fingerprint derives the stable identity of a defect from an error
// report. Two reports of the same underlying defect must hash
// identically even when timestamps, addresses, or request ids differ
// between them.
func Fingerprint(kind, source, message, stackTrace string) string {
	sig := normalizeSignature(message, stackTrace)
	sum := sha256.Sum256([]byte(kind + "\x00" + source + "\x00" + sig))
	return hex.EncodeToString(sum[:])
}

func normalizeSignature(message, stackTrace string) string {
	sig := normalizeTokens(message)
	if frame := topFrame(stackTrace); frame != "" {
		sig += "\n" + normalizeTokens(frame)
	}
	return sig
}

func normalizeTokens(s string) string {
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = addressRe.ReplaceAllString(s, "<addr>")
	s = hexIDRe.ReplaceAllString(s, "<hex>")
	s = numberRe.ReplaceAllString(s, "<num>")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// topFrame extracts the function and file of the first recognizable
// stack frame, dropping line and column positions. Everything below the
// top frame is line-specific noise for identity purposes. When no frame
// line parses, the first non-empty line stands in.
func topFrame(stackTrace string) string {
	fallback := ""
	for _, line := range strings.Split(stackTrace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if fallback == "" {
			fallback = line
		}
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] != "" {
			return m[1] + " " + m[2]
		}
		return m[2]
	}
	return fallback
}
