package extract

import (
	"regexp"
	"strings"

	"github.com/procwatch/tender-crawler/internal/classify"
)

// Strategy is one way of resolving a field from a page. Implementations
// must be stateless; per-page state lives on the PageContext.
type Strategy interface {
	// Apply returns the raw value and true on success. Empty results count
	// as failure so the chain falls through to the next strategy.
	Apply(page *PageContext) (string, bool)
}

// SelectorStrategy resolves a field from the first node matching a CSS
// selector. Attr, when set, reads an attribute instead of the node text.
type SelectorStrategy struct {
	Selector string
	Attr     string
}

// Apply implements Strategy.
func (s SelectorStrategy) Apply(page *PageContext) (string, bool) {
	if page.doc == nil {
		return "", false
	}
	sel := page.doc.Find(s.Selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	var value string
	if s.Attr != "" {
		value, _ = sel.Attr(s.Attr)
	} else {
		value = sel.Text()
	}
	value = classify.NormalizeSpace(value)
	return value, value != ""
}

// PatternStrategy resolves a field from a regular expression over the page
// text. The first capture group wins; without groups the whole match does.
type PatternStrategy struct {
	Pattern *regexp.Regexp
}

// Pattern compiles a PatternStrategy, panicking on bad expressions the same
// way regexp.MustCompile does. Field tables are package-level literals, so a
// bad pattern is a programming error, not input.
func Pattern(expr string) PatternStrategy {
	return PatternStrategy{Pattern: regexp.MustCompile(expr)}
}

// Apply implements Strategy.
func (s PatternStrategy) Apply(page *PageContext) (string, bool) {
	if s.Pattern == nil {
		return "", false
	}
	m := s.Pattern.FindStringSubmatch(page.text)
	if m == nil {
		return "", false
	}
	value := m[0]
	if len(m) > 1 {
		value = m[1]
	}
	value = classify.NormalizeSpace(value)
	return value, value != ""
}

// LabelStrategy finds a known label string (case-insensitive) and captures
// the adjacent value: the text between the label and the end of its line, or
// the following line when the label sits alone. Matches inside regions
// already claimed by earlier label lookups are skipped.
type LabelStrategy struct {
	Label string
}

// Apply implements Strategy.
func (s LabelStrategy) Apply(page *PageContext) (string, bool) {
	label := strings.ToLower(strings.TrimSpace(s.Label))
	if label == "" {
		return "", false
	}
	offset := 0
	for {
		idx := strings.Index(page.lower[offset:], label)
		if idx < 0 {
			return "", false
		}
		start := offset + idx
		end := start + len(label)

		value, valueEnd := adjacentValue(page.text, end)
		if page.isConsumed(start, valueEnd) {
			offset = end
			continue
		}
		if value == "" {
			offset = end
			continue
		}
		page.markConsumed(start, valueEnd)
		return value, true
	}
}

// adjacentValue captures the value that follows a label occurrence ending at
// pos: the remainder of the line, or the next non-empty line when the label
// sits alone. Returns the trimmed value and the end offset of the region it
// was read from.
func adjacentValue(text string, pos int) (string, int) {
	rest := text[pos:]
	lineEnd := strings.IndexByte(rest, '\n')
	if lineEnd < 0 {
		lineEnd = len(rest)
	}
	sameLine := strings.Trim(rest[:lineEnd], " \t:：-–")
	sameLine = classify.NormalizeSpace(sameLine)
	if sameLine != "" {
		return sameLine, pos + lineEnd
	}

	// Label alone on its line: take the next non-empty line.
	cursor := lineEnd
	for cursor < len(rest) {
		next := rest[cursor:]
		if next[0] == '\n' {
			cursor++
			continue
		}
		nextEnd := strings.IndexByte(next, '\n')
		if nextEnd < 0 {
			nextEnd = len(next)
		}
		value := classify.NormalizeSpace(strings.Trim(next[:nextEnd], " \t:：-–"))
		if value != "" {
			return value, pos + cursor + nextEnd
		}
		cursor += nextEnd
	}
	return "", pos
}
