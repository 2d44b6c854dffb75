package scheduler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// DiscoverDocuments extracts document references from a rendered detail
// page. The declared file name comes from the link's download attribute
// when present, otherwise from its text.
func DiscoverDocuments(recordID, pageURL, html, selector string) []tender.DocumentRef {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var refs []tender.DocumentRef
	seen := map[string]struct{}{}
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		remote := href
		if parsed, err := url.Parse(href); err == nil {
			remote = base.ResolveReference(parsed).String()
		}
		if _, dup := seen[remote]; dup {
			return
		}
		seen[remote] = struct{}{}

		name := sel.AttrOr("download", "")
		if name == "" {
			name = strings.TrimSpace(sel.Text())
		}
		refs = append(refs, tender.DocumentRef{
			RecordID:     recordID,
			RemoteURL:    remote,
			DeclaredName: name,
		})
	})
	return refs
}
