// Package parse extracts readable text, the title, and outbound links from HTML.
package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// nonContentSelectors lists elements stripped before extracting body text.
const nonContentSelectors = "script, style, noscript, template, nav, header, footer, aside, form, iframe, svg"

// Document is the parsed view of one page.
type Document struct {
	Title string
	Text  string
	// Links are absolute http(s) URLs in document order, deduplicated, with
	// tracking parameters and fragments removed.
	Links []string
}

// HTML parses body fetched from pageURL. maxLinks <= 0 collects no links.
func HTML(body []byte, pageURL string, maxLinks int) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, refErr := url.Parse(strings.TrimSpace(href)); refErr == nil {
			base = base.ResolveReference(ref)
		}
	}

	title := extractTitle(doc)
	links := extractLinks(doc, base, maxLinks)
	// Text extraction removes nodes, so it runs last.
	return Document{Title: title, Links: links, Text: extractText(doc)}, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		return collapse(og)
	}
	return collapse(doc.Find("h1").First().Text())
}

func extractLinks(doc *goquery.Document, base *url.URL, maxLinks int) []string {
	if maxLinks <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	links := make([]string, 0, maxLinks)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return true
		}
		href, _ := s.Attr("href")
		abs, err := crawler.ResolveLink(base, href)
		if err != nil {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return len(links) < maxLinks
	})
	return links
}

// extractText returns the longest <article> or <main> block when it holds at
// least half of the page's visible text, and the whole body otherwise. A
// leading teaser card never wins over the real story. It mutates doc.
func extractText(doc *goquery.Document) string {
	doc.Find(nonContentSelectors).Remove()
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return collapse(doc.Text())
	}
	full := collapse(body.Text())

	best := ""
	doc.Find("article, main").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); len(text) > len(best) {
			best = text
		}
	})
	if best != "" && 2*len(best) >= len(full) {
		return best
	}
	return full
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
