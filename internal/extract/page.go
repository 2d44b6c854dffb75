// Package extract resolves logical fields from rendered pages using ordered
// fallback chains of extraction strategies, and tracks per-field success
// rates so silent upstream markup changes surface as structural-drift
// warnings instead of empty data.
package extract

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rotisserie/eris"
)

// span marks a half-open [start, end) region of the page text already
// claimed by a label lookup.
type span struct {
	start, end int
}

// PageContext wraps one rendered page for extraction. It owns the parsed
// document, a plain-text projection and the consumed-region bookkeeping that
// keeps two label-anchored fields from claiming the same text span.
type PageContext struct {
	URL      string
	doc      *goquery.Document
	text     string
	lower    string
	consumed []span
}

// NewPageContext parses the rendered HTML into a page context.
func NewPageContext(url, html string) (*PageContext, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "parse page html")
	}
	text := doc.Text()
	return &PageContext{
		URL:   url,
		doc:   doc,
		text:  text,
		lower: strings.ToLower(text),
	}, nil
}

// NewPageContextFromText builds a context for plain-text sources (API
// payloads, document text) where no DOM exists. Selector strategies simply
// find nothing on such pages.
func NewPageContextFromText(url, text string) *PageContext {
	return &PageContext{
		URL:   url,
		text:  text,
		lower: strings.ToLower(text),
	}
}

// Text returns the plain-text projection of the page.
func (p *PageContext) Text() string {
	return p.text
}

// markConsumed records a claimed region.
func (p *PageContext) markConsumed(start, end int) {
	p.consumed = append(p.consumed, span{start: start, end: end})
	sort.Slice(p.consumed, func(i, j int) bool {
		return p.consumed[i].start < p.consumed[j].start
	})
}

// isConsumed reports whether [start, end) overlaps a claimed region.
func (p *PageContext) isConsumed(start, end int) bool {
	for _, s := range p.consumed {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}
