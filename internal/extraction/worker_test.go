package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/clock/fake"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	memorypublisher "github.com/JakeFAU/topic-crawler/internal/publisher/memory"
	"github.com/JakeFAU/topic-crawler/internal/queue"
	"github.com/JakeFAU/topic-crawler/internal/storage/memory"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []func(user string) (string, error)
	inputs  []string
}

func (m *scriptedModel) Complete(_ context.Context, _ string, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, user)
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	next := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return next(user)
}

func reply(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func failWith(err error) func(string) (string, error) {
	return func(string) (string, error) { return "", err }
}

func validJSON(t *testing.T, facts, quotes int) string {
	t.Helper()
	out := Result{Title: "Bears win opener", ParaphraseSummary: "The team won its first game."}
	for i := range facts {
		out.Top10Facts = append(out.Top10Facts, fmt.Sprintf("fact %d", i+1))
	}
	for i := range quotes {
		out.QuotedPassages = append(out.QuotedPassages, crawler.QuotedPassage{Quote: fmt.Sprintf("quote %d", i), Context: "coach"})
	}
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	return string(raw)
}

type harness struct {
	worker    *Worker
	queue     *queue.Manager
	store     *memory.Store
	publisher *memorypublisher.Publisher
	model     *scriptedModel
}

func newHarness(t *testing.T, cfg Config, replies ...func(string) (string, error)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := fake.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	q := queue.New(client, queue.Config{
		PopTimeout: 10 * time.Millisecond,
		Backoff:    queue.Backoff{Base: time.Second, Cap: time.Minute, Jitter: func() float64 { return 0 }},
	}, clk, zap.NewNop())
	store := memory.NewStore()
	store.SetTopicTags("chicago bears", []string{"nfl", "football"})
	pub := memorypublisher.New()
	model := &scriptedModel{replies: replies}

	w, err := New(Deps{
		Queue:       q,
		Pages:       store,
		Extractions: store,
		Topics:      store,
		Model:       model,
		Publisher:   pub,
		Clock:       clk,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return &harness{worker: w, queue: q, store: store, publisher: pub, model: model}
}

func (h *harness) seedPage(t *testing.T, id, text string) crawler.QueuedExtraction {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreatePage(ctx, crawler.CrawledPage{
		ID:            id,
		URL:           "https://example.com/" + id,
		Domain:        "example.com",
		Status:        crawler.PageStatusFetched,
		TextHash:      "hash-" + id,
		ExtractedText: text,
	}))
	job := crawler.QueuedExtraction{PageID: id, Topic: "chicago bears", SourceURL: "https://example.com/" + id}
	require.NoError(t, h.queue.EnqueueExtraction(ctx, job))
	return job
}

func longText(n int) string {
	return strings.Repeat("word ", n/5+1)[:n]
}

func TestProcessNextPersistsValidExtraction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 3}, reply("```json\n"+validJSON(t, 10, 2)+"\n```"))
	h.seedPage(t, "p1", longText(800))
	ctx := context.Background()

	outcome, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeExtracted, outcome)

	ext, ok := h.store.Extraction("p1")
	require.True(t, ok)
	require.Len(t, ext.Top10Facts, crawler.RequiredFactCount)
	require.Len(t, ext.QuotedPassages, 2)
	require.Equal(t, "example.com", ext.Metadata.Domain)
	require.Equal(t, 800, ext.Metadata.CharCount)

	page, err := h.store.GetPage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, crawler.PageStatusExtracted, page.Status)

	require.Contains(t, h.model.inputs[0], "Topic tags: nfl, football")
	require.Len(t, h.publisher.Messages(), 1)
	require.Equal(t, 1, h.worker.Extracted())
}

func TestProcessNextIdleWhenEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	outcome, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, outcome)
}

func TestProcessNextSkipsShortOrMissingPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, reply(validJSON(t, 10, 0)))
	ctx := context.Background()
	h.seedPage(t, "short", "tiny")
	require.NoError(t, h.queue.EnqueueExtraction(ctx, crawler.QueuedExtraction{PageID: "ghost", Topic: "chicago bears"}))

	for range 2 {
		outcome, err := h.worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomeSkipped, outcome)
	}
	require.Empty(t, h.model.inputs)

	dls, err := h.queue.RecentDeadLetters(ctx, queue.KindExtraction, 10)
	require.NoError(t, err)
	require.Empty(t, dls)
}

func TestSchemaViolationIsNeverPersisted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 0}, reply(validJSON(t, 9, 0)))
	h.seedPage(t, "p1", longText(800))
	ctx := context.Background()

	outcome, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	_, ok := h.store.Extraction("p1")
	require.False(t, ok)

	dls, err := h.queue.RecentDeadLetters(ctx, queue.KindExtraction, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, crawler.ReasonSchemaInvalid, dls[0].ReasonCode)
	require.Equal(t, "p1", dls[0].Key)
}

func TestTransientModelErrorRequeues(t *testing.T) {
	t.Parallel()

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection reset")}
	h := newHarness(t, Config{MaxRetries: 2}, failWith(netErr))
	h.seedPage(t, "p1", longText(800))
	ctx := context.Background()

	outcome, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeRetried, outcome)

	delayed, err := h.queue.DelayedCount(ctx, queue.KindExtraction)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)
	require.Equal(t, 1, h.worker.Failed())
}

func TestPayloadTooLargeHalvesInput(t *testing.T) {
	t.Parallel()

	tooLong := errors.New("This model's maximum context length is 8192 tokens")
	h := newHarness(t, Config{MaxRetries: 3, MinSplitChars: 1000},
		failWith(tooLong),
		failWith(tooLong),
		reply(validJSON(t, 10, 1)),
	)
	h.seedPage(t, "p1", longText(8000))

	outcome, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeExtracted, outcome)
	require.Len(t, h.model.inputs, 3)
	require.Greater(t, len(h.model.inputs[0]), len(h.model.inputs[1]))
	require.Greater(t, len(h.model.inputs[1]), len(h.model.inputs[2]))
}

func TestPayloadTooLargeBelowSplitSizeDeadLetters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 3, MinSplitChars: 2000}, failWith(errors.New("request too large")))
	h.seedPage(t, "p1", longText(900))
	ctx := context.Background()

	outcome, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)
	require.Len(t, h.model.inputs, 1)

	dls, err := h.queue.RecentDeadLetters(ctx, queue.KindExtraction, 1)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonPayloadTooLarge, dls[0].ReasonCode)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 2}, failWith(context.DeadlineExceeded))
	job := h.seedPage(t, "p1", longText(800))
	ctx := context.Background()

	// Drain the seeded job, then feed the final attempt directly.
	_, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	job.AttemptCount = 2
	require.NoError(t, h.queue.EnqueueExtraction(ctx, job))

	outcome, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	dls, err := h.queue.RecentDeadLetters(ctx, queue.KindExtraction, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, crawler.ReasonModelTransient, dls[0].ReasonCode)
	require.Contains(t, dls[0].Metadata["error"], "deadline exceeded")
}

func TestRunStopsWhenSignalled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleDelay: 5 * time.Millisecond})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background(), stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
