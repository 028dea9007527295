package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/queue"
)

// ReasonCount is one entry of the failure breakdown.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Alert flags a run that fetched pages but extracted nothing, which usually
// means something systemic such as a bad model credential.
type Alert struct {
	Topic      string        `json:"topic"`
	Fetched    int           `json:"fetched"`
	Extracted  int           `json:"extracted"`
	TopReasons []ReasonCount `json:"top_reasons"`
	RaisedAt   time.Time     `json:"raised_at"`
}

// Alerter delivers alerts to operators.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts as error-level log entries.
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter returns an Alerter backed by logger.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(_ context.Context, alert Alert) {
	fields := []zap.Field{
		zap.String("topic", alert.Topic),
		zap.Int("fetched", alert.Fetched),
		zap.Int("extracted", alert.Extracted),
	}
	for _, rc := range alert.TopReasons {
		fields = append(fields, zap.Int("reason."+rc.Reason, rc.Count))
	}
	a.logger.Error("zero extractions despite successful fetches", fields...)
}

// raiseZeroExtractionAlert reports the most common recent failure reasons for
// topic. The DLQs are shared across topics, so other runs' entries are skipped.
func (o *Orchestrator) raiseZeroExtractionAlert(ctx context.Context, topic string, stats crawler.RunStats, logger *zap.Logger) {
	var recent []crawler.DeadLetter
	for _, kind := range []queue.Kind{queue.KindExtraction, queue.KindDiscovery} {
		dls, err := o.deps.Queue.RecentDeadLetters(ctx, kind, o.cfg.AlertSample)
		if err != nil {
			logger.Warn("read dead letters for alert failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for _, dl := range dls {
			if dl.Metadata["topic"] == topic {
				recent = append(recent, dl)
			}
		}
	}
	o.deps.Alerter.Alert(ctx, Alert{
		Topic:      topic,
		Fetched:    stats.Fetched,
		Extracted:  stats.Extracted,
		TopReasons: TopReasons(recent, o.cfg.AlertTopN),
		RaisedAt:   o.deps.Clock.Now(),
	})
}

// TopReasons counts reason codes and returns the n most frequent, ties
// broken by name.
func TopReasons(entries []crawler.DeadLetter, n int) []ReasonCount {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.ReasonCode]++
	}
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
