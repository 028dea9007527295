// Package priority scores discovery candidates for the crawl frontier.
package priority

import (
	"strings"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// DefaultHighSignalDomains lists wire services and major outlets.
var DefaultHighSignalDomains = []string{
	"reuters.com",
	"apnews.com",
	"bbc.co.uk",
	"bbc.com",
	"nytimes.com",
	"washingtonpost.com",
	"theguardian.com",
	"wsj.com",
	"ft.com",
	"bloomberg.com",
	"npr.org",
	"aljazeera.com",
	"espn.com",
}

// Weights controls the scoring formula.
type Weights struct {
	BaseUnknown      int
	BaseHighSignal   int
	DepthMultiplier  int
	ArticleBonus     int
	WikiPenalty      int
	DuplicatePenalty int
	PriorFailPenalty int
}

// DefaultWeights returns the stock weights.
func DefaultWeights() Weights {
	return Weights{
		BaseUnknown:      50,
		BaseHighSignal:   80,
		DepthMultiplier:  5,
		ArticleBonus:     25,
		WikiPenalty:      40,
		DuplicatePenalty: 60,
		PriorFailPenalty: 30,
	}
}

// Input carries the signals used to score one URL.
type Input struct {
	URL             string
	Domain          string
	OverWikiCap     bool
	IsDuplicate     bool
	HasPriorFailure bool
}

// Scorer computes integer priorities. It is immutable and safe for concurrent use.
type Scorer struct {
	weights    Weights
	highSignal []string
	articles   *crawler.ArticleMatcher
}

// New builds a Scorer. An empty highSignal list falls back to DefaultHighSignalDomains.
func New(weights Weights, highSignal []string, articles *crawler.ArticleMatcher) *Scorer {
	return &Scorer{
		weights:    weights,
		highSignal: normalizeDomains(highSignal),
		articles:   articles,
	}
}

// WithHighSignal returns a copy of the scorer using domains as the high-signal
// list. An empty list keeps the current one.
func (s *Scorer) WithHighSignal(domains []string) *Scorer {
	if len(domains) == 0 {
		return s
	}
	clone := *s
	clone.highSignal = normalizeDomains(domains)
	return &clone
}

// IsHighSignal reports whether domain matches a high-signal suffix.
func (s *Scorer) IsHighSignal(domain string) bool {
	for _, suffix := range s.highSignal {
		if crawler.HasDomainSuffix(domain, suffix) {
			return true
		}
	}
	return false
}

// Score applies the weighted formula and floors the result at zero.
func (s *Scorer) Score(in Input) int {
	domain := in.Domain
	if domain == "" {
		domain = crawler.Domain(in.URL)
	}

	score := s.weights.BaseUnknown
	if s.IsHighSignal(domain) {
		score = s.weights.BaseHighSignal
	}
	score += crawler.PathDepth(in.URL) * s.weights.DepthMultiplier
	if s.articles.Match(in.URL) {
		score += s.weights.ArticleBonus
	}
	if in.OverWikiCap {
		score -= s.weights.WikiPenalty
	}
	if in.IsDuplicate {
		score -= s.weights.DuplicatePenalty
	}
	if in.HasPriorFailure {
		score -= s.weights.PriorFailPenalty
	}
	return max(score, 0)
}

func normalizeDomains(domains []string) []string {
	if len(domains) == 0 {
		domains = DefaultHighSignalDomains
	}
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
