package parse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head><title>  Big   Story </title><style>.x{}</style></head>
<body>
<nav><a href="/">Home</a><a href="/news/">News</a></nav>
<article>
  <h1>Headline</h1>
  <p>First paragraph with <a href="/2024/05/01/other?utm_source=feed#top">a link</a>.</p>
  <script>var tracking = true;</script>
  <p>Second
     paragraph.</p>
</article>
<footer><a href="https://elsewhere.test/about">About</a><a href="mailto:desk@example.com">Mail</a></footer>
<a href="/news/" >dup</a>
<a href="https://spam.test/" rel="nofollow">spam</a>
</body></html>`

func TestHTMLExtractsArticleText(t *testing.T) {
	t.Parallel()

	doc, err := HTML([]byte(samplePage), "https://example.com/2024/05/01/big-story", 50)
	require.NoError(t, err)
	require.Equal(t, "Big Story", doc.Title)
	require.Equal(t, "Headline First paragraph with a link. Second paragraph.", doc.Text)
	require.NotContains(t, doc.Text, "tracking")
	require.NotContains(t, doc.Text, "Home")
}

func TestHTMLCollectsCleanLinks(t *testing.T) {
	t.Parallel()

	doc, err := HTML([]byte(samplePage), "https://example.com/2024/05/01/big-story", 50)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/",
		"https://example.com/news/",
		"https://example.com/2024/05/01/other",
		"https://elsewhere.test/about",
	}, doc.Links)
}

func TestHTMLRespectsMaxLinks(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body>")
	for i := range 80 {
		fmt.Fprintf(&b, `<a href="/p/%d">p%d</a>`, i, i)
	}
	b.WriteString("</body></html>")

	doc, err := HTML([]byte(b.String()), "https://example.com/", 50)
	require.NoError(t, err)
	require.Len(t, doc.Links, 50)
	require.Equal(t, "https://example.com/p/49", doc.Links[49])

	none, err := HTML([]byte(b.String()), "https://example.com/", 0)
	require.NoError(t, err)
	require.Empty(t, none.Links)
}

func TestHTMLFallsBackToBodyAndBaseHref(t *testing.T) {
	t.Parallel()

	page := `<html><head><base href="https://cdn.example.org/docs/"></head>
<body><header>Site</header><p>Plain body text.</p>
<a href="guide">Guide</a></body></html>`
	doc, err := HTML([]byte(page), "https://example.com/x", 10)
	require.NoError(t, err)
	require.Equal(t, "Plain body text. Guide", doc.Text)
	require.Equal(t, []string{"https://cdn.example.org/docs/guide"}, doc.Links)
	require.Empty(t, doc.Title)
}

func TestHTMLIgnoresLeadingTeaserArticle(t *testing.T) {
	t.Parallel()

	story := strings.Repeat("The council approved the transit budget after a long debate. ", 35)
	page := `<html><body>
<article class="related"><a href="/other">Related: short teaser card</a></article>
<div id="content"><h1>Budget vote</h1><p>` + story + `</p></div>
</body></html>`
	doc, err := HTML([]byte(page), "https://example.com/2024/05/01/budget", 10)
	require.NoError(t, err)
	require.Greater(t, len(doc.Text), 2000)
	require.Contains(t, doc.Text, "Budget vote")
	require.Contains(t, doc.Text, "transit budget")
}

func TestHTMLPicksLongestArticle(t *testing.T) {
	t.Parallel()

	story := strings.Repeat("Main story sentence. ", 30)
	page := `<html><body>
<article><p>Teaser one</p></article>
<article><p>` + story + `</p></article>
<p>Comments are closed.</p>
</body></html>`
	doc, err := HTML([]byte(page), "https://example.com/a", 0)
	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(story), doc.Text)
}
