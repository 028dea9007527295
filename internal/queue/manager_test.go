package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/clock/fake"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis, *fake.Clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := fake.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if cfg.Backoff.Jitter == nil {
		cfg.Backoff = Backoff{Base: time.Second, Cap: 300 * time.Second, JitterRatio: 0.3, Jitter: func() float64 { return 0 }}
	}
	return New(client, cfg, clk, zap.NewNop()), mr, clk
}

func queuedURL(url string, priority int) crawler.QueuedURL {
	hash, err := crawler.HashURL(url)
	if err != nil {
		panic(err)
	}
	return crawler.QueuedURL{URL: url, URLHash: hash, Priority: priority, Topic: "golang"}
}

func TestDiscoveryPriorityOrder(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.EnqueueDiscoveryURL(ctx, queuedURL("https://a.test/low", 10)))
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, queuedURL("https://a.test/high", 90)))
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, queuedURL("https://a.test/mid", 50)))

	depth, err := m.DiscoveryQueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)

	var order []string
	for {
		item, err := m.DequeueDiscoveryURL(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.URL)
	}
	require.Equal(t, []string{"https://a.test/high", "https://a.test/mid", "https://a.test/low"}, order)
}

func TestDiscoveryUpdateKeepsHigherPriority(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	item := queuedURL("https://a.test/page", 70)
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, item))
	lower := item
	lower.Priority = 20
	lower.SourceURL = "https://a.test/"
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, lower))

	depth, err := m.DiscoveryQueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	got, err := m.DequeueDiscoveryURL(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 70, got.Priority)
	require.Equal(t, "https://a.test/", got.SourceURL)
}

func TestDiscoveryRejectsInvalidItem(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	err := m.EnqueueDiscoveryURL(context.Background(), crawler.QueuedURL{URL: "https://a.test/"})
	require.Error(t, err)
}

func TestDequeueDiscoveryDeadLettersInvalidPayload(t *testing.T) {
	t.Parallel()

	m, mr, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mr.ZAdd("topiccrawler:discovery", 99, "bogus")
	require.NoError(t, err)
	mr.HSet("topiccrawler:discovery:items", "bogus", "{not json")
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, queuedURL("https://a.test/ok", 10)))

	got, err := m.DequeueDiscoveryURL(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "https://a.test/ok", got.URL)

	dls, err := m.RecentDeadLetters(ctx, KindDiscovery, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, crawler.ReasonInvalidPayload, dls[0].ReasonCode)
	require.Equal(t, "bogus", dls[0].Key)
}

func TestRequeueDiscoveryWithBackoffDelaysAndDecays(t *testing.T) {
	t.Parallel()

	m, _, clk := newTestManager(t, Config{})
	ctx := context.Background()

	item := queuedURL("https://a.test/flaky", 60)
	item.AttemptCount = 2
	requeued, err := m.RequeueDiscoveryWithBackoff(ctx, item, crawler.ReasonTimeout)
	require.NoError(t, err)
	require.True(t, requeued)

	got, err := m.DequeueDiscoveryURL(ctx)
	require.NoError(t, err)
	require.Nil(t, got, "retry must not be visible before its delay")

	delayed, err := m.DelayedCount(ctx, KindDiscovery)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)

	// attempt 2 -> 1s * 2^2 with zero jitter.
	clk.Advance(4 * time.Second)
	got, err = m.DequeueDiscoveryURL(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 3, got.AttemptCount)
	require.Equal(t, 40, got.Priority)
	require.Equal(t, clk.Now().Add(-4*time.Second).UnixMilli(), got.LastAttemptAt.UnixMilli())

	delayed, err = m.DelayedCount(ctx, KindDiscovery)
	require.NoError(t, err)
	require.Zero(t, delayed)
}

func TestDiscoveryState(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	fresh := queuedURL("https://a.test/fresh", 10)
	waiting := queuedURL("https://a.test/waiting", 10)
	failed := queuedURL("https://a.test/failed", 10)
	require.NoError(t, m.EnqueueDiscoveryURL(ctx, waiting))
	_, err := m.RequeueDiscoveryWithBackoff(ctx, failed, crawler.ReasonTimeout)
	require.NoError(t, err)

	queued, delayed, err := m.DiscoveryState(ctx, fresh.URLHash)
	require.NoError(t, err)
	require.False(t, queued)
	require.False(t, delayed)

	queued, delayed, err = m.DiscoveryState(ctx, waiting.URLHash)
	require.NoError(t, err)
	require.True(t, queued)
	require.False(t, delayed)

	queued, delayed, err = m.DiscoveryState(ctx, failed.URLHash)
	require.NoError(t, err)
	require.False(t, queued)
	require.True(t, delayed)
}

func TestRequeueDiscoveryPriorityFloorsAtZero(t *testing.T) {
	t.Parallel()

	m, _, clk := newTestManager(t, Config{MaxAttempts: 10})
	ctx := context.Background()

	item := queuedURL("https://a.test/sinking", 15)
	item.AttemptCount = 4
	_, err := m.RequeueDiscoveryWithBackoff(ctx, item, crawler.ReasonDNSError)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	got, err := m.DequeueDiscoveryURL(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 0, got.Priority)
}

func TestRequeueDiscoveryHardEviction(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{MaxAttempts: 5})
	ctx := context.Background()

	item := queuedURL("https://a.test/dead", 50)
	item.AttemptCount = 5
	requeued, err := m.RequeueDiscoveryWithBackoff(ctx, item, crawler.ReasonTimeout)
	require.NoError(t, err)
	require.False(t, requeued)

	dls, err := m.RecentDeadLetters(ctx, KindDiscovery, 5)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, crawler.ReasonMaxAttemptsExceeded, dls[0].ReasonCode)
	require.Equal(t, crawler.ReasonTimeout, dls[0].Metadata["last_reason"])
	require.Equal(t, item.URL, dls[0].Key)
}

func TestExtractionFIFO(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, m.EnqueueExtraction(ctx, crawler.QueuedExtraction{PageID: fmt.Sprintf("p%d", i), Topic: "golang"}))
	}
	depth, err := m.ExtractionQueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)

	for i := range 3 {
		job, err := m.DequeueExtraction(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, fmt.Sprintf("p%d", i), job.PageID)
	}
}

func TestDequeueExtractionTimesOutEmpty(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{PopTimeout: time.Second})
	start := time.Now()
	job, err := m.DequeueExtraction(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRequeueExtractionPromotesWhenDue(t *testing.T) {
	t.Parallel()

	m, _, clk := newTestManager(t, Config{})
	ctx := context.Background()

	delay, err := m.RequeueExtractionWithBackoff(ctx, crawler.QueuedExtraction{PageID: "p1", Topic: "golang"})
	require.NoError(t, err)
	require.Equal(t, time.Second, delay)

	depth, err := m.ExtractionQueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	clk.Advance(delay)
	require.NoError(t, m.EnqueueExtraction(ctx, crawler.QueuedExtraction{PageID: "p2", Topic: "golang"}))
	job, err := m.DequeueExtraction(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "p2", job.PageID)

	job, err = m.DequeueExtraction(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "p1", job.PageID)
	require.Equal(t, 1, job.AttemptCount)
}

func TestDeadLettersCappedNewestFirst(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{DLQMax: 3})
	ctx := context.Background()

	for i := range 5 {
		job := crawler.QueuedExtraction{PageID: fmt.Sprintf("p%d", i), Topic: "golang"}
		require.NoError(t, m.DeadLetterExtraction(ctx, job, crawler.ReasonSchemaInvalid, fmt.Errorf("bad %d", i)))
	}
	dls, err := m.RecentDeadLetters(ctx, KindExtraction, 10)
	require.NoError(t, err)
	require.Len(t, dls, 3)
	require.Equal(t, "p4", dls[0].Key)
	require.Equal(t, "p2", dls[2].Key)
	require.Equal(t, "bad 4", dls[0].Metadata["error"])
}

func TestSeenSet(t *testing.T) {
	t.Parallel()

	m, mr, _ := newTestManager(t, Config{SeenTTL: time.Hour})
	ctx := context.Background()

	seen, err := m.IsSeen(ctx, "abc")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, m.MarkSeen(ctx, "abc"))
	seen, err = m.IsSeen(ctx, "abc")
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, time.Hour, mr.TTL("topiccrawler:seen:abc"))

	mr.FastForward(2 * time.Hour)
	seen, err = m.IsSeen(ctx, "abc")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestRunLock(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	token, err := m.AcquireRunLock(ctx, "golang", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = m.AcquireRunLock(ctx, "golang", time.Minute)
	require.ErrorIs(t, err, crawler.ErrRunActive)

	_, err = m.AcquireRunLock(ctx, "rust", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseRunLock(ctx, "golang", "not-the-token"))
	_, err = m.AcquireRunLock(ctx, "golang", time.Minute)
	require.ErrorIs(t, err, crawler.ErrRunActive)

	require.NoError(t, m.ReleaseRunLock(ctx, "golang", token))
	_, err = m.AcquireRunLock(ctx, "golang", time.Minute)
	require.NoError(t, err)
}
