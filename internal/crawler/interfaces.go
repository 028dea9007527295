package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// PageStore persists crawled pages.
type PageStore interface {
	// CreatePage inserts a new page. Implementations return ErrDuplicateContent
	// when a page with the same text hash already exists.
	CreatePage(ctx context.Context, page CrawledPage) error
	GetPage(ctx context.Context, id string) (CrawledPage, error)
	FindByTextHash(ctx context.Context, textHash string) (CrawledPage, bool, error)
	MarkExtracted(ctx context.Context, id string, at time.Time) error
}

// ExtractionStore persists validated extractions.
type ExtractionStore interface {
	CreateExtraction(ctx context.Context, extraction Extraction) error
}

// TopicStore reads topic metadata used to steer extraction prompts.
type TopicStore interface {
	TopLevelTags(ctx context.Context, topic string) ([]string, error)
}

// BlobStore archives raw page bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher emits downstream notifications and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for new records.
type IDGenerator interface {
	NewID() (string, error)
}

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// FetchResponse captures the response body and transport metadata.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Headers    http.Header
	Duration   time.Duration
}

// Fetcher retrieves page bodies. Non-2xx statuses and transport failures are
// returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// HostLimiter blocks until a request to the URL's host is permitted.
// Penalize slows the host down after it pushed back.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string)
}
