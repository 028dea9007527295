// Package diversity throttles domains that dominate the recent crawl window.
package diversity

import (
	"strings"
	"sync"
)

// Defaults for the admission window.
const (
	DefaultWindow       = 20
	DefaultMaxPerDomain = 4
)

// Tracker is a ring of the most recently admitted domains. Only admissions are
// recorded; refusals leave the window unchanged. Create one per run.
type Tracker struct {
	mu           sync.Mutex
	ring         []string
	next         int
	size         int
	counts       map[string]int
	maxPerDomain int
}

// New creates a Tracker; non-positive arguments fall back to the defaults.
func New(window, maxPerDomain int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxPerDomain <= 0 {
		maxPerDomain = DefaultMaxPerDomain
	}
	return &Tracker{
		ring:         make([]string, window),
		counts:       make(map[string]int),
		maxPerDomain: maxPerDomain,
	}
}

// Admit records domain and returns true unless it already fills its share of
// the window.
func (t *Tracker) Admit(domain string) bool {
	domain = strings.ToLower(domain)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counts[domain] >= t.maxPerDomain {
		return false
	}
	if t.size == len(t.ring) {
		evicted := t.ring[t.next]
		t.counts[evicted]--
		if t.counts[evicted] <= 0 {
			delete(t.counts, evicted)
		}
	} else {
		t.size++
	}
	t.ring[t.next] = domain
	t.next = (t.next + 1) % len(t.ring)
	t.counts[domain]++
	return true
}

// Count returns how many times domain appears in the current window.
func (t *Tracker) Count(domain string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[strings.ToLower(domain)]
}
