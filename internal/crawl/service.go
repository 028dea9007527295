// Package crawl processes discovery URLs: admission checks, fetch, content
// dedupe, persistence, and outlink fan-out.
package crawl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	hashsha "github.com/JakeFAU/topic-crawler/internal/hash/sha256"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/parse"
	"github.com/JakeFAU/topic-crawler/internal/policy/diversity"
	"github.com/JakeFAU/topic-crawler/internal/policy/priority"
)

// Same-host outlink policies.
const (
	SameHostInclude = "include"
	SameHostExclude = "exclude"
)

// Outcome names how Process finished with an item.
type Outcome string

// Outcome values.
const (
	OutcomePersisted        Outcome = "persisted"
	OutcomeDeduped          Outcome = "deduped"
	OutcomeDuplicateContent Outcome = "duplicate_content"
	OutcomeThrottled        Outcome = "throttled"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeRobotsBlocked    Outcome = "robots_blocked"
	OutcomeRetried          Outcome = "retried"
	OutcomeDeadLettered     Outcome = "dead_lettered"
	OutcomeError            Outcome = "error"
)

// Result describes the handling of one item.
type Result struct {
	Outcome  Outcome
	Reason   string
	PageID   string
	Enqueued int
	Err      error
}

// Queue is the subset of the queue manager the crawl service needs.
type Queue interface {
	IsSeen(ctx context.Context, urlHash string) (bool, error)
	MarkSeen(ctx context.Context, urlHash string) error
	DiscoveryState(ctx context.Context, urlHash string) (queued, delayed bool, err error)
	EnqueueDiscoveryURL(ctx context.Context, item crawler.QueuedURL) error
	EnqueueExtraction(ctx context.Context, job crawler.QueuedExtraction) error
	RequeueDiscoveryWithBackoff(ctx context.Context, item crawler.QueuedURL, reason string) (bool, error)
	DeadLetterDiscovery(ctx context.Context, item crawler.QueuedURL, reason string, cause error) error
}

// Config controls crawl behavior.
type Config struct {
	UserAgent         string
	FetchTimeout      time.Duration
	MinTextChars      int
	MaxOutlinks       int
	SameHostPolicy    string
	WikiCap           int
	WikiDomain        string
	ThrottlePenalty   int
	MaxRetries        int
	DiversityWindow   int
	DiversityMax      int
	StoreRawHTML      bool
	BlobPrefix        string
	HighSignalDomains []string
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "TopicCrawler/1.0 (+https://github.com/JakeFAU/topic-crawler)"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MinTextChars <= 0 {
		c.MinTextChars = 500
	}
	if c.MaxOutlinks <= 0 {
		c.MaxOutlinks = 50
	}
	if c.SameHostPolicy == "" {
		c.SameHostPolicy = SameHostInclude
	}
	if c.WikiCap <= 0 {
		c.WikiCap = 10
	}
	if c.WikiDomain == "" {
		c.WikiDomain = "wikipedia.org"
	}
	if c.ThrottlePenalty <= 0 {
		c.ThrottlePenalty = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = "pages"
	}
	return c
}

// Deps are the collaborators of a Service. Blobs and Limiter are optional.
type Deps struct {
	Queue   Queue
	Pages   crawler.PageStore
	Blobs   crawler.BlobStore
	Fetcher crawler.Fetcher
	Robots  crawler.RobotsPolicy
	Limiter crawler.HostLimiter
	Scorer  *priority.Scorer
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
}

// Service crawls discovery items for one run. Diversity and encyclopedia
// counters live here, so build a new Service per run.
type Service struct {
	deps      Deps
	cfg       Config
	scorer    *priority.Scorer
	diversity *diversity.Tracker
	logger    *zap.Logger

	mu        sync.Mutex
	wikiCount int
	stats     crawler.RunStats
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("crawl: queue is required")
	case deps.Pages == nil:
		return nil, errors.New("crawl: page store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("crawl: fetcher is required")
	case deps.Robots == nil:
		return nil, errors.New("crawl: robots policy is required")
	case deps.Scorer == nil:
		return nil, errors.New("crawl: scorer is required")
	case deps.IDs == nil:
		return nil, errors.New("crawl: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("crawl: clock is required")
	}
	cfg = cfg.withDefaults()
	if cfg.SameHostPolicy != SameHostInclude && cfg.SameHostPolicy != SameHostExclude {
		return nil, fmt.Errorf("crawl: unknown same-host policy %q", cfg.SameHostPolicy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		scorer:    deps.Scorer.WithHighSignal(cfg.HighSignalDomains),
		diversity: diversity.New(cfg.DiversityWindow, cfg.DiversityMax),
		logger:    logger,
	}, nil
}

// Stats returns a snapshot of the run counters.
func (s *Service) Stats() crawler.RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) count(fn func(*crawler.RunStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Process handles one dequeued item, short-circuiting at the first step that
// settles it.
func (s *Service) Process(ctx context.Context, item crawler.QueuedURL) Result {
	logger := s.logger.With(zap.String("url", item.URL), zap.Int("attempt", item.AttemptCount))

	if res, done := s.admit(ctx, item, logger); done {
		return res
	}

	if !s.deps.Robots.Allowed(ctx, item.URL) {
		metrics.ObserveRobotsBlocked()
		s.count(func(st *crawler.RunStats) { st.RobotsBlocked++ })
		s.deadLetter(ctx, item, crawler.ReasonRobotsBlocked, nil, logger)
		return Result{Outcome: OutcomeRobotsBlocked, Reason: crawler.ReasonRobotsBlocked}
	}

	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, item.URL); err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("politeness wait: %w", err)}
		}
	}

	resp, err := s.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       item.URL,
		UserAgent: s.cfg.UserAgent,
		Timeout:   s.cfg.FetchTimeout,
	})
	metrics.ObserveFetch(resp.Duration)
	if err != nil {
		return s.fail(ctx, item, crawler.ReasonOf(err), err, logger)
	}
	s.count(func(st *crawler.RunStats) { st.Fetched++ })

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = item.URL
	}
	parseStart := time.Now()
	doc, err := parse.HTML(resp.Body, pageURL, s.cfg.MaxOutlinks)
	metrics.ObserveParse(time.Since(parseStart))
	if err != nil {
		return s.fail(ctx, item, crawler.ReasonFetchError, err, logger)
	}
	textChars := utf8.RuneCountInString(doc.Text)
	if textChars < s.cfg.MinTextChars {
		return s.fail(ctx, item, crawler.ReasonContentTooShort,
			fmt.Errorf("extracted %d chars, need %d", textChars, s.cfg.MinTextChars), logger)
	}

	textHash := hashsha.Text(doc.Text)
	if _, found, err := s.deps.Pages.FindByTextHash(ctx, textHash); err != nil {
		return s.fail(ctx, item, crawler.ReasonPersistError, err, logger)
	} else if found {
		return s.duplicateContent(ctx, item, logger)
	}

	page, err := s.persist(ctx, item, resp, doc.Text, textHash)
	if errors.Is(err, crawler.ErrDuplicateContent) {
		return s.duplicateContent(ctx, item, logger)
	}
	if err != nil {
		return s.fail(ctx, item, crawler.ReasonPersistError, err, logger)
	}
	s.markSeen(ctx, item.URLHash, logger)
	s.count(func(st *crawler.RunStats) { st.Persisted++ })

	enqueued := s.fanOut(ctx, item, pageURL, doc.Links, logger)
	metrics.ObserveCrawlOK(textChars, enqueued)

	job := crawler.QueuedExtraction{PageID: page.ID, Topic: item.Topic, SourceURL: item.URL}
	if err := s.deps.Queue.EnqueueExtraction(ctx, job); err != nil {
		logger.Error("enqueue extraction failed", zap.String("page_id", page.ID), zap.Error(err))
		s.count(func(st *crawler.RunStats) { st.Errors++ })
	}

	logger.Debug("page persisted",
		zap.String("page_id", page.ID),
		zap.Int("text_chars", textChars),
		zap.Int("outlinks_enqueued", enqueued),
	)
	return Result{Outcome: OutcomePersisted, PageID: page.ID, Enqueued: enqueued}
}

// admit runs the seen, diversity, and encyclopedia checks.
func (s *Service) admit(ctx context.Context, item crawler.QueuedURL, logger *zap.Logger) (Result, bool) {
	seen, err := s.deps.Queue.IsSeen(ctx, item.URLHash)
	if err != nil {
		logger.Warn("seen lookup failed", zap.Error(err))
	}
	if seen {
		s.count(func(st *crawler.RunStats) { st.Deduped++ })
		return Result{Outcome: OutcomeDeduped}, true
	}

	domain := crawler.Domain(item.URL)
	if !s.diversity.Admit(domain) {
		item.Priority = max(item.Priority-s.cfg.ThrottlePenalty, 0)
		if err := s.deps.Queue.EnqueueDiscoveryURL(ctx, item); err != nil {
			logger.Error("re-enqueue throttled url failed", zap.Error(err))
			s.count(func(st *crawler.RunStats) { st.Errors++ })
			return Result{Outcome: OutcomeError, Err: err}, true
		}
		s.count(func(st *crawler.RunStats) { st.Throttled++ })
		logger.Debug("domain throttled",
			zap.String("domain", domain),
			zap.Int("window_count", s.diversity.Count(domain)),
			zap.Int("priority", item.Priority),
		)
		return Result{Outcome: OutcomeThrottled}, true
	}

	if crawler.HasDomainSuffix(domain, s.cfg.WikiDomain) {
		s.mu.Lock()
		over := s.wikiCount >= s.cfg.WikiCap
		if over {
			s.stats.Skipped++
		} else {
			s.wikiCount++
		}
		s.mu.Unlock()
		if over {
			return Result{Outcome: OutcomeSkipped}, true
		}
	}
	return Result{}, false
}

func (s *Service) persist(
	ctx context.Context,
	item crawler.QueuedURL,
	resp crawler.FetchResponse,
	text, textHash string,
) (crawler.CrawledPage, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.CrawledPage{}, fmt.Errorf("page id: %w", err)
	}
	canonical, err := crawler.CanonicalizeURL(item.URL)
	if err != nil {
		canonical = item.URL
	}
	now := s.deps.Clock.Now()
	page := crawler.CrawledPage{
		ID:              id,
		Topic:           item.Topic,
		URL:             item.URL,
		CanonicalURL:    canonical,
		Domain:          crawler.Domain(item.URL),
		Status:          crawler.PageStatusFetched,
		TextHash:        textHash,
		Bytes:           len(resp.Body),
		HTTPStatus:      resp.StatusCode,
		ExtractedText:   text,
		FirstSeenAt:     now,
		LastProcessedAt: now,
	}
	if s.cfg.StoreRawHTML {
		page.RawHTML = string(resp.Body)
	}
	if s.deps.Blobs != nil {
		uri, err := s.deps.Blobs.PutObject(ctx, s.blobPath(item.Topic, id), "text/html; charset=utf-8", bytes.NewReader(resp.Body))
		if err != nil {
			s.logger.Warn("archive raw html failed", zap.String("page_id", id), zap.Error(err))
		} else {
			page.BlobURI = uri
		}
	}
	if err := s.deps.Pages.CreatePage(ctx, page); err != nil {
		return crawler.CrawledPage{}, err
	}
	return page, nil
}

func (s *Service) blobPath(topic, id string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(topic)), "-")
	return fmt.Sprintf("%s/%s/%s.html", strings.Trim(s.cfg.BlobPrefix, "/"), slug, id)
}

// fanOut scores and enqueues unseen outlinks, returning how many were enqueued.
// A link already waiting in the queue scores as a duplicate and one with a
// pending retry carries the prior-failure penalty.
func (s *Service) fanOut(ctx context.Context, item crawler.QueuedURL, pageURL string, links []string, logger *zap.Logger) int {
	pageDomain := crawler.Domain(pageURL)
	enqueued := 0
	for _, link := range links {
		domain := crawler.Domain(link)
		if s.cfg.SameHostPolicy == SameHostExclude && domain == pageDomain {
			continue
		}
		hash, err := crawler.HashURL(link)
		if err != nil {
			continue
		}
		seen, err := s.deps.Queue.IsSeen(ctx, hash)
		if err != nil {
			logger.Warn("outlink seen lookup failed", zap.String("outlink", link), zap.Error(err))
			continue
		}
		if seen {
			continue
		}
		queued, delayed, err := s.deps.Queue.DiscoveryState(ctx, hash)
		if err != nil {
			logger.Warn("outlink queue lookup failed", zap.String("outlink", link), zap.Error(err))
		}
		candidate := crawler.QueuedURL{
			URL:     link,
			URLHash: hash,
			Priority: s.scorer.Score(priority.Input{
				URL:             link,
				Domain:          domain,
				OverWikiCap:     s.overWikiCap(domain),
				IsDuplicate:     queued,
				HasPriorFailure: delayed,
			}),
			Topic:     item.Topic,
			SourceURL: item.URL,
		}
		if err := s.deps.Queue.EnqueueDiscoveryURL(ctx, candidate); err != nil {
			logger.Warn("enqueue outlink failed", zap.String("outlink", link), zap.Error(err))
			continue
		}
		enqueued++
	}
	s.count(func(st *crawler.RunStats) { st.Enqueued += enqueued })
	return enqueued
}

func (s *Service) overWikiCap(domain string) bool {
	if !crawler.HasDomainSuffix(domain, s.cfg.WikiDomain) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wikiCount >= s.cfg.WikiCap
}

func (s *Service) duplicateContent(ctx context.Context, item crawler.QueuedURL, logger *zap.Logger) Result {
	metrics.ObserveDuplicateContent()
	s.markSeen(ctx, item.URLHash, logger)
	s.count(func(st *crawler.RunStats) { st.Deduped++ })
	return Result{Outcome: OutcomeDuplicateContent}
}

// fail retries transient reasons with backoff while attempts remain and
// dead-letters everything else.
func (s *Service) fail(ctx context.Context, item crawler.QueuedURL, reason string, cause error, logger *zap.Logger) Result {
	metrics.ObserveCrawlFail(reason)
	s.count(func(st *crawler.RunStats) { st.Errors++ })
	if reason == crawler.ReasonHTTP429 && s.deps.Limiter != nil {
		s.deps.Limiter.Penalize(item.URL)
	}
	logger = logger.With(zap.String("reason", reason), zap.Error(cause))

	if crawler.IsRetryableReason(reason) && item.AttemptCount < s.cfg.MaxRetries {
		requeued, err := s.deps.Queue.RequeueDiscoveryWithBackoff(ctx, item, reason)
		if err != nil {
			logger.Error("requeue failed", zap.NamedError("requeue_error", err))
			return Result{Outcome: OutcomeError, Reason: reason, Err: err}
		}
		if requeued {
			logger.Debug("requeued with backoff")
			s.count(func(st *crawler.RunStats) { st.Retried++ })
			return Result{Outcome: OutcomeRetried, Reason: reason, Err: cause}
		}
		s.count(func(st *crawler.RunStats) { st.DeadLettered++ })
		return Result{Outcome: OutcomeDeadLettered, Reason: crawler.ReasonMaxAttemptsExceeded, Err: cause}
	}

	s.deadLetter(ctx, item, reason, cause, logger)
	return Result{Outcome: OutcomeDeadLettered, Reason: reason, Err: cause}
}

func (s *Service) deadLetter(ctx context.Context, item crawler.QueuedURL, reason string, cause error, logger *zap.Logger) {
	if err := s.deps.Queue.DeadLetterDiscovery(ctx, item, reason, cause); err != nil {
		logger.Error("dead-letter failed", zap.String("reason", reason), zap.NamedError("dlq_error", err))
	} else {
		s.count(func(st *crawler.RunStats) { st.DeadLettered++ })
	}
	if !crawler.IsRetryableReason(reason) {
		s.markSeen(ctx, item.URLHash, logger)
	}
	logger.Info("dead-lettered", zap.String("reason", reason))
}

func (s *Service) markSeen(ctx context.Context, urlHash string, logger *zap.Logger) {
	if err := s.deps.Queue.MarkSeen(ctx, urlHash); err != nil {
		logger.Warn("mark seen failed", zap.Error(err))
	}
}
