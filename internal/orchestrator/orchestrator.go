// Package orchestrator runs one topic crawl: seeding, the discovery loop, and
// the extraction loop, then aggregates statistics and raises the zero-result
// alert.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/topic-crawler/internal/clock/system"
	"github.com/JakeFAU/topic-crawler/internal/crawl"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/extraction"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/policy/diversity"
	"github.com/JakeFAU/topic-crawler/internal/queue"
	"github.com/JakeFAU/topic-crawler/internal/seed"
)

// State is the lifecycle position of the orchestrator.
type State string

// States, in order.
const (
	StateIdle     State = "idle"
	StateSeeding  State = "seeding"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateDone     State = "done"
)

// ErrTopicRequired is returned when a run request has a blank topic.
var ErrTopicRequired = errors.New("topic is required")

// Queue is everything the orchestrator and the per-run components need from
// the queue manager.
type Queue interface {
	crawl.Queue
	extraction.Queue
	DequeueDiscoveryURL(ctx context.Context) (*crawler.QueuedURL, error)
	DiscoveryQueueDepth(ctx context.Context) (int64, error)
	ExtractionQueueDepth(ctx context.Context) (int64, error)
	DelayedCount(ctx context.Context, kind queue.Kind) (int64, error)
	RecentDeadLetters(ctx context.Context, kind queue.Kind, n int) ([]crawler.DeadLetter, error)
	AcquireRunLock(ctx context.Context, topic string, ttl time.Duration) (string, error)
	ReleaseRunLock(ctx context.Context, topic, token string) error
}

// Config controls run pacing and limits.
type Config struct {
	DefaultDuration time.Duration
	DefaultMaxPages int
	YieldDelay      time.Duration
	EmptyWait       time.Duration
	DrainTimeout    time.Duration
	LockSlack       time.Duration
	ReportInterval  time.Duration
	AlertSample     int
	AlertTopN       int
}

func (c Config) withDefaults() Config {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 10 * time.Minute
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 100
	}
	if c.YieldDelay < 0 {
		c.YieldDelay = 0
	}
	if c.EmptyWait <= 0 {
		c.EmptyWait = time.Second
	}
	if c.LockSlack <= 0 {
		c.LockSlack = 5 * time.Minute
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.AlertSample <= 0 {
		c.AlertSample = 100
	}
	if c.AlertTopN <= 0 {
		c.AlertTopN = 5
	}
	return c
}

// Deps are the long-lived collaborators. The crawl service and extraction
// worker are rebuilt from them for every run so per-run state never leaks.
type Deps struct {
	Queue         Queue
	CrawlDeps     crawl.Deps
	CrawlConfig   crawl.Config
	ExtractDeps   extraction.Deps
	ExtractConfig extraction.Config
	Seeds         []seed.Generator
	Alerter       Alerter
	Clock         crawler.Clock
}

// RunRequest describes one run.
type RunRequest struct {
	Topic             string        `json:"topic"`
	Duration          time.Duration `json:"duration"`
	MaxPages          int           `json:"max_pages"`
	HighSignalDomains []string      `json:"high_signal_domains,omitempty"`
}

// RunResult is returned for every run that got past startup.
type RunResult struct {
	Success         bool             `json:"success"`
	Topic           string           `json:"topic"`
	Stats           crawler.RunStats `json:"stats"`
	DurationSeconds float64          `json:"duration_seconds"`
	StopReason      string           `json:"stop_reason"`
}

// Status is a live snapshot for the control API.
type Status struct {
	State     State            `json:"state"`
	Topic     string           `json:"topic,omitempty"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	Stats     crawler.RunStats `json:"stats"`
}

// Orchestrator runs at most one topic run at a time.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	stopRequested atomic.Bool

	mu        sync.Mutex
	state     State
	topic     string
	startedAt time.Time
	service   *crawl.Service
	worker    *extraction.Worker
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Queue == nil {
		return nil, errors.New("orchestrator: queue is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("orchestrator: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Alerter == nil {
		deps.Alerter = NewLogAlerter(logger)
	}
	deps.CrawlDeps.Queue = deps.Queue
	deps.ExtractDeps.Queue = deps.Queue
	if deps.CrawlDeps.Clock == nil {
		deps.CrawlDeps.Clock = deps.Clock
	}
	if deps.ExtractDeps.Clock == nil {
		deps.ExtractDeps.Clock = deps.Clock
	}
	return &Orchestrator{deps: deps, cfg: cfg.withDefaults(), logger: logger, state: StateIdle}, nil
}

// RequestStop asks the current run to finish after its in-flight item.
func (o *Orchestrator) RequestStop() {
	o.stopRequested.Store(true)
}

// Status reports the current state and live counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state, Topic: o.topic, StartedAt: o.startedAt}
	st.Stats = mergeStats(o.service, o.worker)
	return st
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("orchestrator state", zap.String("state", string(s)))
}

// Run executes one run for req. An error is returned only when the run could
// not start; per-item failures are reported through the stats.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	req, err := o.claim(req)
	if err != nil {
		return RunResult{}, err
	}
	return o.execute(ctx, req)
}

// Start claims the orchestrator and runs in the background. Startup errors
// that can be detected synchronously (bad request, active run) are returned
// directly; the channel yields exactly one outcome.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (<-chan Outcome, error) {
	req, err := o.claim(req)
	if err != nil {
		return nil, err
	}
	out := make(chan Outcome, 1)
	go func() {
		res, err := o.execute(ctx, req)
		out <- Outcome{Result: res, Err: err}
		close(out)
	}()
	return out, nil
}

// Outcome pairs a background run's result with its startup error.
type Outcome struct {
	Result RunResult
	Err    error
}

func (o *Orchestrator) claim(req RunRequest) (RunRequest, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		return req, ErrTopicRequired
	}
	if req.Duration <= 0 {
		req.Duration = o.cfg.DefaultDuration
	}
	if req.MaxPages <= 0 {
		req.MaxPages = o.cfg.DefaultMaxPages
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateSeeding || o.state == StateRunning || o.state == StateStopping {
		return req, crawler.ErrRunActive
	}
	o.state = StateSeeding
	o.topic = req.Topic
	o.stopRequested.Store(false)
	return req, nil
}

func (o *Orchestrator) execute(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx, span := otel.Tracer("topic-crawler/orchestrator").Start(ctx, "orchestrator.Run")
	span.SetAttributes(attribute.String("topic", req.Topic), attribute.Int("max_pages", req.MaxPages))
	defer span.End()

	logger := o.logger.With(zap.String("topic", req.Topic))

	token, err := o.deps.Queue.AcquireRunLock(ctx, req.Topic, req.Duration+o.cfg.LockSlack)
	if err != nil {
		o.setState(StateIdle)
		return RunResult{}, err
	}
	defer func() {
		if err := o.deps.Queue.ReleaseRunLock(context.WithoutCancel(ctx), req.Topic, token); err != nil {
			logger.Warn("release run lock failed", zap.Error(err))
		}
	}()

	crawlCfg := o.deps.CrawlConfig
	if len(req.HighSignalDomains) > 0 {
		crawlCfg.HighSignalDomains = req.HighSignalDomains
	}
	svc, err := crawl.New(o.deps.CrawlDeps, crawlCfg, logger.Named("crawl"))
	if err != nil {
		o.setState(StateIdle)
		return RunResult{}, fmt.Errorf("build crawl service: %w", err)
	}
	worker, err := extraction.New(o.deps.ExtractDeps, o.deps.ExtractConfig, logger.Named("extraction"))
	if err != nil {
		o.setState(StateIdle)
		return RunResult{}, fmt.Errorf("build extraction worker: %w", err)
	}

	start := o.deps.Clock.Now()
	o.mu.Lock()
	o.service, o.worker, o.startedAt = svc, worker, start
	o.mu.Unlock()

	seeded := o.seed(ctx, req.Topic, logger)
	logger.Info("run seeded", zap.Int("seeds", seeded), zap.Duration("duration", req.Duration), zap.Int("max_pages", req.MaxPages))

	o.setState(StateRunning)
	workerStop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx, workerStop)
		return nil
	})
	g.Go(func() error {
		o.report(gctx, workerStop, svc, worker, logger)
		return nil
	})

	stopReason := o.discover(ctx, svc, start.Add(req.Duration), req.MaxPages, logger)

	o.setState(StateStopping)
	o.drain(ctx, logger)
	close(workerStop)
	_ = g.Wait()

	stats := mergeStats(svc, worker)
	if stats.Extracted == 0 && stats.Fetched > 0 {
		o.raiseZeroExtractionAlert(ctx, req.Topic, stats, logger)
	}

	elapsed := o.deps.Clock.Now().Sub(start)
	o.setState(StateDone)
	logger.Info("run finished",
		zap.String("stop_reason", stopReason),
		zap.Duration("elapsed", elapsed),
		zap.Int("fetched", stats.Fetched),
		zap.Int("persisted", stats.Persisted),
		zap.Int("extracted", stats.Extracted),
		zap.Int("errors", stats.Errors),
	)
	return RunResult{
		Success:         true,
		Topic:           req.Topic,
		Stats:           stats,
		DurationSeconds: elapsed.Seconds(),
		StopReason:      stopReason,
	}, nil
}

func (o *Orchestrator) seed(ctx context.Context, topic string, logger *zap.Logger) int {
	seeds, errs := seed.Collect(ctx, topic, o.deps.Seeds...)
	for _, err := range errs {
		logger.Warn("seed generator failed", zap.Error(err))
	}
	enqueued := 0
	for _, s := range seeds {
		hash, err := crawler.HashURL(s.URL)
		if err != nil {
			logger.Warn("skipping invalid seed", zap.String("url", s.URL), zap.Error(err))
			continue
		}
		item := crawler.QueuedURL{
			URL:      s.URL,
			URLHash:  hash,
			Priority: s.Priority,
			Topic:    topic,
			Metadata: map[string]string{"seed_source": s.Source},
		}
		if err := o.deps.Queue.EnqueueDiscoveryURL(ctx, item); err != nil {
			logger.Warn("enqueue seed failed", zap.String("url", s.URL), zap.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued
}

// Stop reasons reported in RunResult.
const (
	StopDeadline  = "deadline"
	StopPageCap   = "page_cap"
	StopRequested = "stop_requested"
	StopCanceled  = "canceled"
	StopExhausted = "frontier_exhausted"
)

// discover processes one URL at a time until a limit is hit.
func (o *Orchestrator) discover(ctx context.Context, svc *crawl.Service, deadline time.Time, maxPages int, logger *zap.Logger) string {
	throttledRun := 0
	for {
		switch {
		case ctx.Err() != nil:
			return StopCanceled
		case o.stopRequested.Load():
			return StopRequested
		case !o.deps.Clock.Now().Before(deadline):
			return StopDeadline
		case svc.Stats().Persisted >= maxPages:
			return StopPageCap
		}

		item, err := o.deps.Queue.DequeueDiscoveryURL(ctx)
		if err != nil {
			logger.Error("dequeue discovery failed", zap.Error(err))
			if system.Sleep(ctx, o.cfg.EmptyWait) != nil {
				return StopCanceled
			}
			continue
		}
		if item == nil {
			delayed, err := o.deps.Queue.DelayedCount(ctx, queue.KindDiscovery)
			if err == nil && delayed == 0 {
				return StopExhausted
			}
			if system.Sleep(ctx, o.cfg.EmptyWait) != nil {
				return StopCanceled
			}
			continue
		}

		res := svc.Process(ctx, *item)
		if res.Outcome == crawl.OutcomeError {
			logger.Warn("crawl item failed", zap.String("url", item.URL), zap.Error(res.Err))
		}
		if res.Outcome == crawl.OutcomeThrottled {
			throttledRun++
			if o.frontierStalled(ctx, throttledRun) {
				logger.Info("every ready url is throttled by domain diversity; ending run",
					zap.Int("consecutive_throttled", throttledRun))
				return StopExhausted
			}
		} else {
			throttledRun = 0
		}
		if system.Sleep(ctx, o.cfg.YieldDelay) != nil {
			return StopCanceled
		}
	}
}

// frontierStalled reports whether the last run consecutive dequeues were all
// diversity refusals covering at least one full window and the whole ready
// queue, with no retries pending. The window only moves on admission, so such a
// frontier can never make progress.
func (o *Orchestrator) frontierStalled(ctx context.Context, run int) bool {
	window := o.deps.CrawlConfig.DiversityWindow
	if window <= 0 {
		window = diversity.DefaultWindow
	}
	if run < window {
		return false
	}
	depth, err := o.deps.Queue.DiscoveryQueueDepth(ctx)
	if err != nil || int64(run) < depth {
		return false
	}
	delayed, err := o.deps.Queue.DelayedCount(ctx, queue.KindDiscovery)
	return err == nil && delayed == 0
}

// drain gives the extraction loop up to DrainTimeout to empty its queue.
func (o *Orchestrator) drain(ctx context.Context, logger *zap.Logger) {
	if o.cfg.DrainTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	defer cancel()
	for {
		depth, err := o.deps.Queue.ExtractionQueueDepth(ctx)
		if err == nil && depth == 0 {
			return
		}
		if system.Sleep(ctx, 50*time.Millisecond) != nil {
			logger.Info("extraction drain timed out", zap.Int64("remaining", depth))
			return
		}
	}
}

// report refreshes the queue depth gauges and logs progress until done closes.
func (o *Orchestrator) report(ctx context.Context, done <-chan struct{}, svc *crawl.Service, worker *extraction.Worker, logger *zap.Logger) {
	ticker := time.NewTicker(o.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		discovery, derr := o.deps.Queue.DiscoveryQueueDepth(ctx)
		extractionDepth, eerr := o.deps.Queue.ExtractionQueueDepth(ctx)
		if derr != nil || eerr != nil {
			logger.Warn("queue depth unavailable", zap.NamedError("discovery", derr), zap.NamedError("extraction", eerr))
			continue
		}
		metrics.SetQueueDepths(discovery, extractionDepth)
		stats := mergeStats(svc, worker)
		logger.Info("run progress",
			zap.Int64("discovery_queue_depth", discovery),
			zap.Int64("extraction_queue_depth", extractionDepth),
			zap.Int("fetched", stats.Fetched),
			zap.Int("persisted", stats.Persisted),
			zap.Int("extracted", stats.Extracted),
		)
	}
}

func mergeStats(svc *crawl.Service, worker *extraction.Worker) crawler.RunStats {
	var stats crawler.RunStats
	if svc != nil {
		stats = svc.Stats()
	}
	if worker != nil {
		stats.Extracted = worker.Extracted()
		stats.Errors += worker.Failed()
	}
	return stats
}
