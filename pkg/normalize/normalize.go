// ABOUTME: Deterministic cleanup of OCR markdown for legal documents
// ABOUTME: Strips recurring headers/footers, page numbers and OCR noise

package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// Lines present in at least this fraction of pages are treated as
	// recurring headers or footers and removed everywhere.
	recurringThreshold = 0.4
	// Shorter lines are too generic to be treated as recurring.
	minRecurringLen = 4
	// Recurring detection needs a few pages to be meaningful.
	minPagesForDetection = 3
)

var (
	pageMarkerRe = regexp.MustCompile(`(?m)^##\s+Page\s+\d+\s*$`)
	// "Página 1 de 5", "Pág. 2 de 168", "Page 3 of 10"
	pageNumberRe = regexp.MustCompile(`(?mi)^\s*P[aá]g(?:ina|e|\.)?\.?\s*\d+\s*(?:de|of|/)?\s*\d*\s*$`)
	dashNumberRe = regexp.MustCompile(`(?m)^\s*-\s*\d+\s*-\s*$`)
	slashPageRe  = regexp.MustCompile(`(?m)^\s*\d+\s*/\s*\d+\s*$`)
	urlLineRe    = regexp.MustCompile(`(?m)^\s*https?://\S+\s*$`)
	noiseLineRe  = regexp.MustCompile(`(?m)^[^\p{L}\p{N}\n]+$`)
	blankRunsRe  = regexp.MustCompile(`\n{3,}`)
)

// Result carries the cleaned text plus what the cleanup found.
type Result struct {
	Text           string
	Pages          int
	RecurringLines []string
}

// Clean normalizes raw OCR markdown. The output keeps the "## Page N"
// markers so downstream consumers can still reason about page
// boundaries, but recurring headers/footers, page-number lines, URL
// footers and pure-noise lines are gone.
func Clean(text string) Result {
	text = fixEncoding(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	pages := SplitPages(text)
	var recurring []string
	if len(pages) >= minPagesForDetection {
		recurring = detectRecurringLines(pages)
		if len(recurring) > 0 {
			text = removeLines(text, recurring)
		}
	}

	text = pageNumberRe.ReplaceAllString(text, "")
	text = dashNumberRe.ReplaceAllString(text, "")
	text = slashPageRe.ReplaceAllString(text, "")
	text = urlLineRe.ReplaceAllString(text, "")
	text = noiseLineRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")

	return Result{
		Text:           strings.TrimSpace(text),
		Pages:          len(pages),
		RecurringLines: recurring,
	}
}

// SplitPages splits OCR markdown into per-page bodies using the
// "## Page N" markers the OCR stage emits. Text before the first
// marker, if any, counts as its own chunk.
func SplitPages(text string) []string {
	parts := pageMarkerRe.Split(text, -1)
	var pages []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

// detectRecurringLines finds lines appearing in at least
// recurringThreshold of all pages. Each line counts once per page, so
// a header repeated twice on one page doesn't inflate the ratio.
func detectRecurringLines(pages []string) []string {
	counts := make(map[string]int)
	for _, page := range pages {
		seen := make(map[string]struct{})
		for _, line := range strings.Split(page, "\n") {
			stripped := strings.TrimSpace(line)
			if utf8.RuneCountInString(stripped) >= minRecurringLen {
				seen[stripped] = struct{}{}
			}
		}
		for line := range seen {
			counts[line]++
		}
	}

	minPages := int(float64(len(pages)) * recurringThreshold)
	if minPages < 2 {
		minPages = 2
	}
	var recurring []string
	for line, n := range counts {
		if n >= minPages {
			recurring = append(recurring, line)
		}
	}
	return recurring
}

func removeLines(text string, drop []string) string {
	set := make(map[string]struct{}, len(drop))
	for _, l := range drop {
		set[l] = struct{}{}
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if _, ok := set[strings.TrimSpace(line)]; !ok {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// fixEncoding repairs the mojibake OCR output actually exhibits:
// UTF-8 text decoded as Latin-1 and re-encoded, which mangles the
// accented characters Spanish legal text is full of. Invalid bytes
// are dropped rather than propagated.
func fixEncoding(text string) string {
	text = strings.TrimPrefix(text, "\uFEFF")
	if r, ok := undoLatin1Roundtrip(text); ok {
		text = r
	}
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// undoLatin1Roundtrip reverses UTF-8→Latin-1→UTF-8 double encoding.
// It only applies when every rune fits Latin-1 and the recovered
// bytes form valid UTF-8 containing multibyte sequences; plain ASCII
// or already-correct text passes through untouched.
func undoLatin1Roundtrip(text string) (string, bool) {
	buf := make([]byte, 0, len(text))
	multibyte := false
	for _, r := range text {
		if r > 0xFF {
			return "", false
		}
		if r > 0x7F {
			multibyte = true
		}
		buf = append(buf, byte(r))
	}
	if !multibyte || !utf8.Valid(buf) {
		return "", false
	}
	// Recovered bytes must actually decode to something beyond ASCII,
	// otherwise the input was just Latin-1-looking UTF-8 already.
	recovered := string(buf)
	if recovered == text {
		return "", false
	}
	return recovered, true
}
