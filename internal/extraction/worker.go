// Package extraction turns fetched pages into schema-validated structured
// summaries using a JSON-mode language model.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/llm"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
)

// Outcome names how ProcessNext finished.
type Outcome string

// Outcome values.
const (
	OutcomeIdle         Outcome = "idle"
	OutcomeExtracted    Outcome = "extracted"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeError        Outcome = "error"
)

// Queue is the subset of the queue manager the worker needs.
type Queue interface {
	DequeueExtraction(ctx context.Context) (*crawler.QueuedExtraction, error)
	RequeueExtractionWithBackoff(ctx context.Context, job crawler.QueuedExtraction) (time.Duration, error)
	DeadLetterExtraction(ctx context.Context, job crawler.QueuedExtraction, reason string, cause error) error
}

// Model completes a system/user prompt pair with a JSON object.
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config controls worker behavior.
type Config struct {
	MinTextChars  int
	MinSplitChars int
	MaxRetries    int
	MaxInputChars int
	IdleDelay     time.Duration
	NotifyTopic   string
}

func (c Config) withDefaults() Config {
	if c.MinTextChars <= 0 {
		c.MinTextChars = 500
	}
	if c.MinSplitChars <= 0 {
		c.MinSplitChars = 2000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = 24000
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 500 * time.Millisecond
	}
	if c.NotifyTopic == "" {
		c.NotifyTopic = "extractions"
	}
	return c
}

// Deps are the collaborators of a Worker. Topics and Publisher are optional.
type Deps struct {
	Queue       Queue
	Pages       crawler.PageStore
	Extractions crawler.ExtractionStore
	Topics      crawler.TopicStore
	Model       Model
	Publisher   crawler.Publisher
	Clock       crawler.Clock
}

// Notification is published after an extraction is stored.
type Notification struct {
	PageID      string    `json:"page_id"`
	Topic       string    `json:"topic"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Worker consumes the extraction queue one job at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	extracted atomic.Int64
	failed    atomic.Int64
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("extraction: queue is required")
	case deps.Pages == nil:
		return nil, errors.New("extraction: page store is required")
	case deps.Extractions == nil:
		return nil, errors.New("extraction: extraction store is required")
	case deps.Model == nil:
		return nil, errors.New("extraction: model is required")
	case deps.Clock == nil:
		return nil, errors.New("extraction: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Extracted returns how many extractions this worker has persisted.
func (w *Worker) Extracted() int { return int(w.extracted.Load()) }

// Failed returns how many attempts ended in a retry or dead letter.
func (w *Worker) Failed() int { return int(w.failed.Load()) }

// Run processes jobs until stop is closed or ctx ends. A job already in
// progress when stop closes is finished first.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	w.logger.Info("extraction worker started")
	defer w.logger.Info("extraction worker stopped")
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		outcome, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("extraction iteration failed", zap.Error(err))
		}
		if outcome != OutcomeIdle && err == nil {
			continue
		}
		timer := time.NewTimer(w.cfg.IdleDelay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessNext dequeues and handles at most one job. It returns OutcomeIdle
// when the queue stayed empty for the bounded pop interval.
func (w *Worker) ProcessNext(ctx context.Context) (Outcome, error) {
	job, err := w.deps.Queue.DequeueExtraction(ctx)
	if err != nil {
		return OutcomeError, fmt.Errorf("dequeue extraction: %w", err)
	}
	if job == nil {
		return OutcomeIdle, nil
	}
	return w.process(ctx, *job), nil
}

func (w *Worker) process(ctx context.Context, job crawler.QueuedExtraction) Outcome {
	logger := w.logger.With(zap.String("page_id", job.PageID), zap.Int("attempt", job.AttemptCount))

	page, err := w.deps.Pages.GetPage(ctx, job.PageID)
	if errors.Is(err, crawler.ErrNotFound) {
		logger.Warn("page missing, skipping extraction")
		return OutcomeSkipped
	}
	if err != nil {
		return w.fail(ctx, job, crawler.ReasonPersistError, true, err, logger)
	}
	if page.Status == crawler.PageStatusExtracted {
		logger.Debug("page already extracted")
		return OutcomeSkipped
	}
	charCount := utf8.RuneCountInString(page.ExtractedText)
	if charCount < w.cfg.MinTextChars {
		logger.Debug("page text below extraction minimum", zap.Int("chars", charCount))
		return OutcomeSkipped
	}

	var tags []string
	if w.deps.Topics != nil {
		tags, err = w.deps.Topics.TopLevelTags(ctx, job.Topic)
		if err != nil {
			logger.Warn("topic tags unavailable", zap.Error(err))
		}
	}

	sourceURL := job.SourceURL
	if sourceURL == "" {
		sourceURL = page.URL
	}
	result, err := w.extract(ctx, job.Topic, tags, sourceURL, truncate(page.ExtractedText, w.cfg.MaxInputChars), logger)
	if err != nil {
		reason, retryable := classify(err)
		return w.fail(ctx, job, reason, retryable, err, logger)
	}

	now := w.deps.Clock.Now()
	record := crawler.Extraction{
		PageID:             page.ID,
		Topic:              job.Topic,
		SourceURL:          sourceURL,
		Title:              result.Title,
		Top10Facts:         result.Top10Facts,
		QuotedPassages:     result.QuotedPassages,
		ParaphraseSummary:  result.ParaphraseSummary,
		ControversialFlags: result.ControversialFlags,
		Metadata: crawler.ExtractionMetadata{
			Domain:         page.Domain,
			CrawlTimestamp: page.FirstSeenAt,
			CharCount:      charCount,
		},
		CreatedAt: now,
	}
	if err := w.deps.Extractions.CreateExtraction(ctx, record); err != nil {
		return w.fail(ctx, job, crawler.ReasonPersistError, true, err, logger)
	}
	if err := w.deps.Pages.MarkExtracted(ctx, page.ID, now); err != nil {
		logger.Error("mark page extracted failed", zap.Error(err))
	}

	w.extracted.Add(1)
	metrics.ObserveExtractionOK()
	w.notify(ctx, record, logger)
	logger.Info("extraction stored", zap.String("title", record.Title))
	return OutcomeExtracted
}

// extract calls the model, halving the input while the endpoint rejects it
// as too large and the text is still long enough to split.
func (w *Worker) extract(ctx context.Context, topic string, tags []string, sourceURL, text string, logger *zap.Logger) (Result, error) {
	for splits := 0; ; splits++ {
		prompt := BuildPrompt(topic, tags, sourceURL, text)
		raw, err := w.deps.Model.Complete(ctx, prompt.System, prompt.User)
		if err == nil {
			return ParseResult(raw)
		}
		if !llm.IsPayloadTooLarge(err) ||
			utf8.RuneCountInString(text) <= w.cfg.MinSplitChars ||
			splits >= w.cfg.MaxRetries {
			return Result{}, err
		}
		text = halve(text)
		logger.Info("model rejected input size, retrying with half",
			zap.Int("chars", utf8.RuneCountInString(text)),
			zap.Int("split", splits+1),
		)
	}
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrSchema):
		return crawler.ReasonSchemaInvalid, true
	case llm.IsPayloadTooLarge(err):
		return crawler.ReasonPayloadTooLarge, false
	case llm.IsTransient(err):
		return crawler.ReasonModelTransient, true
	default:
		return crawler.ReasonModelError, false
	}
}

func (w *Worker) fail(
	ctx context.Context,
	job crawler.QueuedExtraction,
	reason string,
	retryable bool,
	cause error,
	logger *zap.Logger,
) Outcome {
	w.failed.Add(1)
	metrics.ObserveExtractionFail(reason)
	logger = logger.With(zap.String("reason", reason), zap.Error(cause))

	if retryable && job.AttemptCount < w.cfg.MaxRetries {
		delay, err := w.deps.Queue.RequeueExtractionWithBackoff(ctx, job)
		if err != nil {
			logger.Error("requeue extraction failed", zap.NamedError("requeue_error", err))
			return OutcomeError
		}
		logger.Warn("extraction failed, retry scheduled", zap.Duration("delay", delay))
		return OutcomeRetried
	}
	if err := w.deps.Queue.DeadLetterExtraction(ctx, job, reason, cause); err != nil {
		logger.Error("dead-letter extraction failed", zap.NamedError("dlq_error", err))
		return OutcomeError
	}
	logger.Warn("extraction dead-lettered")
	return OutcomeDeadLettered
}

func (w *Worker) notify(ctx context.Context, record crawler.Extraction, logger *zap.Logger) {
	if w.deps.Publisher == nil {
		return
	}
	msg := Notification{
		PageID:      record.PageID,
		Topic:       record.Topic,
		SourceURL:   record.SourceURL,
		Title:       record.Title,
		ExtractedAt: record.CreatedAt,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.NotifyTopic, msg); err != nil {
		logger.Warn("publish extraction notification failed", zap.Error(err))
	}
}
