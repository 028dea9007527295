package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// Store implements the page, extraction, and topic stores in memory.
type Store struct {
	mu          sync.RWMutex
	pages       map[string]crawler.CrawledPage
	byTextHash  map[string]string
	extractions map[string]crawler.Extraction
	topics      map[string][]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		pages:       make(map[string]crawler.CrawledPage),
		byTextHash:  make(map[string]string),
		extractions: make(map[string]crawler.Extraction),
		topics:      make(map[string][]string),
	}
}

// CreatePage inserts page, enforcing text hash uniqueness.
func (s *Store) CreatePage(_ context.Context, page crawler.CrawledPage) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return fmt.Errorf("page %s already exists", page.ID)
	}
	if page.TextHash != "" {
		if _, dup := s.byTextHash[page.TextHash]; dup {
			return crawler.ErrDuplicateContent
		}
		s.byTextHash[page.TextHash] = page.ID
	}
	s.pages[page.ID] = page
	return nil
}

// GetPage returns the page with id.
func (s *Store) GetPage(_ context.Context, id string) (crawler.CrawledPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return crawler.CrawledPage{}, crawler.ErrNotFound
	}
	return page, nil
}

// FindByTextHash looks up a page by its content hash.
func (s *Store) FindByTextHash(_ context.Context, textHash string) (crawler.CrawledPage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTextHash[textHash]
	if !ok {
		return crawler.CrawledPage{}, false, nil
	}
	return s.pages[id], true, nil
}

// MarkExtracted flips the page status to extracted.
func (s *Store) MarkExtracted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return crawler.ErrNotFound
	}
	page.Status = crawler.PageStatusExtracted
	page.LastProcessedAt = at
	s.pages[id] = page
	return nil
}

// CreateExtraction stores extraction keyed by page id. A second extraction
// for the same page is ignored.
func (s *Store) CreateExtraction(_ context.Context, extraction crawler.Extraction) error {
	if extraction.PageID == "" {
		return fmt.Errorf("extraction page id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.extractions[extraction.PageID]; exists {
		return nil
	}
	s.extractions[extraction.PageID] = extraction
	return nil
}

// Extraction returns the stored extraction for pageID.
func (s *Store) Extraction(pageID string) (crawler.Extraction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extractions[pageID]
	return e, ok
}

// SetTopicTags seeds the top-level tags for topic.
func (s *Store) SetTopicTags(topic string, tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = append([]string(nil), tags...)
}

// TopLevelTags returns the tags configured for topic, or nil.
func (s *Store) TopLevelTags(_ context.Context, topic string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.topics[topic]...), nil
}

// Pages returns a snapshot of all stored pages.
func (s *Store) Pages() []crawler.CrawledPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawledPage, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	return out
}
