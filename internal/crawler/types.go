package crawler

import (
	"errors"
	"strings"
	"time"
)

// PageStatus represents the lifecycle state of a crawled page.
type PageStatus string

// Page status values persisted in the page store. Transitions are append-only:
// fetched -> extracted.
const (
	PageStatusFetched   PageStatus = "fetched"
	PageStatusExtracted PageStatus = "extracted"
)

// QueuedURL is a discovery candidate waiting in the priority queue.
type QueuedURL struct {
	URL           string            `json:"url"`
	URLHash       string            `json:"url_hash"`
	Priority      int               `json:"priority"`
	Topic         string            `json:"topic"`
	SourceURL     string            `json:"source_url,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	LastAttemptAt time.Time         `json:"last_attempt_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every discovery payload must carry.
func (q QueuedURL) Validate() error {
	switch {
	case strings.TrimSpace(q.URL) == "":
		return errors.New("queued url: url is required")
	case q.URLHash == "":
		return errors.New("queued url: url hash is required")
	case strings.TrimSpace(q.Topic) == "":
		return errors.New("queued url: topic is required")
	case q.AttemptCount < 0:
		return errors.New("queued url: attempt count must be >= 0")
	}
	return nil
}

// QueuedExtraction is a fetched page waiting for structured extraction.
type QueuedExtraction struct {
	PageID        string    `json:"page_id"`
	Topic         string    `json:"topic"`
	SourceURL     string    `json:"source_url"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// Validate checks the fields every extraction payload must carry.
func (q QueuedExtraction) Validate() error {
	switch {
	case q.PageID == "":
		return errors.New("queued extraction: page id is required")
	case strings.TrimSpace(q.Topic) == "":
		return errors.New("queued extraction: topic is required")
	case q.AttemptCount < 0:
		return errors.New("queued extraction: attempt count must be >= 0")
	}
	return nil
}

// CrawledPage is persisted once per distinct page text.
type CrawledPage struct {
	ID              string     `json:"id"`
	Topic           string     `json:"topic"`
	URL             string     `json:"url"`
	CanonicalURL    string     `json:"canonical_url"`
	Domain          string     `json:"domain"`
	Status          PageStatus `json:"status"`
	TextHash        string     `json:"text_hash"`
	Bytes           int        `json:"bytes"`
	HTTPStatus      int        `json:"http_status"`
	RawHTML         string     `json:"raw_html,omitempty"`
	ExtractedText   string     `json:"extracted_text,omitempty"`
	BlobURI         string     `json:"blob_uri,omitempty"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastProcessedAt time.Time  `json:"last_processed_at"`
	ReasonCode      string     `json:"reason_code,omitempty"`
}

// QuotedPassage is a verbatim quote with a note about where it came from.
type QuotedPassage struct {
	Quote   string `json:"quote"`
	Context string `json:"context"`
}

// ExtractionMetadata is derived from the page, not from the model.
type ExtractionMetadata struct {
	Domain         string    `json:"domain"`
	CrawlTimestamp time.Time `json:"crawl_timestamp"`
	CharCount      int       `json:"char_count"`
}

// Extraction is the schema-validated structured summary of one page.
type Extraction struct {
	PageID             string             `json:"page_id"`
	Topic              string             `json:"topic"`
	SourceURL          string             `json:"source_url"`
	Title              string             `json:"title"`
	Top10Facts         []string           `json:"top10_facts"`
	QuotedPassages     []QuotedPassage    `json:"quoted_passages"`
	ParaphraseSummary  string             `json:"paraphrase_summary"`
	ControversialFlags []string           `json:"controversial_flags,omitempty"`
	Metadata           ExtractionMetadata `json:"metadata"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Extraction schema limits.
const (
	RequiredFactCount = 10
	MaxQuotedPassages = 2
)

// DeadLetter records an item that failed terminally or exhausted retries.
type DeadLetter struct {
	Key        string            `json:"key"`
	ReasonCode string            `json:"reason_code"`
	FailedAt   time.Time         `json:"failed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RunStats aggregates counters for one orchestrator run.
type RunStats struct {
	Fetched       int `json:"fetched"`
	Enqueued      int `json:"enqueued"`
	Deduped       int `json:"deduped"`
	Skipped       int `json:"skipped"`
	Throttled     int `json:"throttled"`
	RobotsBlocked int `json:"robots_blocked"`
	Persisted     int `json:"persisted"`
	Retried       int `json:"retried"`
	DeadLettered  int `json:"dead_lettered"`
	Extracted     int `json:"extracted"`
	Errors        int `json:"errors"`
}
