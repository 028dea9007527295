// Package queue implements the Redis-backed discovery and extraction queues,
// their dead-letter lists, the delayed retry sets, the cross-run seen set, and
// the per-topic run lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// Kind selects one of the two queues.
type Kind string

// Queue kinds.
const (
	KindDiscovery  Kind = "discovery"
	KindExtraction Kind = "extraction"
)

// Defaults applied by New when the config leaves a field empty.
const (
	DefaultPrefix      = "topiccrawler"
	DefaultSeenTTL     = 7 * 24 * time.Hour
	DefaultDLQMax      = 1000
	DefaultPopTimeout  = time.Second
	DefaultMaxAttempts = 5
	priorityDecay      = 10
	maxInvalidSkips    = 16
)

// Config controls key naming, retention, and retry limits.
type Config struct {
	Prefix      string
	SeenTTL     time.Duration
	DLQMax      int
	PopTimeout  time.Duration
	MaxAttempts int
	Backoff     Backoff
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.DLQMax <= 0 {
		c.DLQMax = DefaultDLQMax
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff.Base <= 0 && c.Backoff.Cap <= 0 && c.Backoff.JitterRatio == 0 && c.Backoff.Jitter == nil {
		c.Backoff = DefaultBackoff()
	}
	return c
}

var enqueueDiscoveryScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if (not cur) or tonumber(ARGV[2]) > tonumber(cur) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// KEYS: queue zset, items hash, delayed zset, delayed items hash, delayed priority hash.
// ARGV: now in unix ms.
var dequeueDiscoveryScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, h in ipairs(due) do
	local payload = redis.call('HGET', KEYS[4], h)
	local prio = redis.call('HGET', KEYS[5], h)
	if payload and prio then
		local cur = redis.call('ZSCORE', KEYS[1], h)
		if (not cur) or tonumber(prio) >= tonumber(cur) then
			redis.call('ZADD', KEYS[1], prio, h)
			redis.call('HSET', KEYS[2], h, payload)
		end
	end
	redis.call('ZREM', KEYS[3], h)
	redis.call('HDEL', KEYS[4], h)
	redis.call('HDEL', KEYS[5], h)
end
local top = redis.call('ZPOPMAX', KEYS[1])
if #top == 0 then
	return false
end
local payload = redis.call('HGET', KEYS[2], top[1])
redis.call('HDEL', KEYS[2], top[1])
return {top[1], top[2], payload or ''}
`)

// KEYS: extraction list, delayed zset. ARGV: now in unix ms.
var promoteExtractionScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, payload in ipairs(due) do
	redis.call('RPUSH', KEYS[1], payload)
	redis.call('ZREM', KEYS[2], payload)
end
return #due
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Manager owns all queue and dead-letter state in Redis.
type Manager struct {
	client redis.UniversalClient
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Manager over an existing client. The caller owns the client.
func New(client redis.UniversalClient, cfg Config, clock crawler.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
	}
}

func (m *Manager) key(parts ...string) string {
	return m.cfg.Prefix + ":" + strings.Join(parts, ":")
}

func (m *Manager) nowMillis() int64 {
	if m.clock == nil {
		return time.Now().UnixMilli()
	}
	return m.clock.Now().UnixMilli()
}

func (m *Manager) now() time.Time {
	return time.UnixMilli(m.nowMillis()).UTC()
}

// Ping checks connectivity to Redis.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// EnqueueDiscoveryURL inserts item or updates an existing entry. The higher of
// the old and new priority is kept and the payload is replaced.
func (m *Manager) EnqueueDiscoveryURL(ctx context.Context, item crawler.QueuedURL) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("enqueue discovery: %w", err)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode discovery item: %w", err)
	}
	keys := []string{m.key("discovery"), m.key("discovery", "items")}
	if err := enqueueDiscoveryScript.Run(ctx, m.client, keys, item.URLHash, item.Priority, payload).Err(); err != nil {
		return fmt.Errorf("enqueue discovery: %w", err)
	}
	return nil
}

// DequeueDiscoveryURL removes and returns the highest-priority item, or nil
// when the queue is empty. Due delayed retries are promoted first.
func (m *Manager) DequeueDiscoveryURL(ctx context.Context) (*crawler.QueuedURL, error) {
	keys := []string{
		m.key("discovery"),
		m.key("discovery", "items"),
		m.key("discovery", "delayed"),
		m.key("discovery", "delayed", "items"),
		m.key("discovery", "delayed", "priority"),
	}
	for range maxInvalidSkips {
		res, err := dequeueDiscoveryScript.Run(ctx, m.client, keys, m.nowMillis()).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue discovery: %w", err)
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("dequeue discovery: unexpected reply length %d", len(res))
		}
		item, decodeErr := decodeDiscovery(res[2])
		if decodeErr != nil {
			m.logger.Warn("dropping invalid discovery payload",
				zap.String("url_hash", res[0]),
				zap.Error(decodeErr),
			)
			dl := crawler.DeadLetter{
				Key:        res[0],
				ReasonCode: crawler.ReasonInvalidPayload,
				FailedAt:   m.now(),
				Metadata:   map[string]string{"error": decodeErr.Error()},
			}
			if err := m.pushDeadLetter(ctx, KindDiscovery, dl); err != nil {
				return nil, err
			}
			continue
		}
		if score, parseErr := strconv.ParseFloat(res[1], 64); parseErr == nil {
			item.Priority = int(score)
		}
		return item, nil
	}
	return nil, nil
}

func decodeDiscovery(raw string) (*crawler.QueuedURL, error) {
	if raw == "" {
		return nil, errors.New("missing payload")
	}
	var item crawler.QueuedURL
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return &item, nil
}

// DiscoveryQueueDepth returns the number of ready discovery items.
func (m *Manager) DiscoveryQueueDepth(ctx context.Context) (int64, error) {
	n, err := m.client.ZCard(ctx, m.key("discovery")).Result()
	if err != nil {
		return 0, fmt.Errorf("discovery depth: %w", err)
	}
	return n, nil
}

// EnqueueExtraction appends job to the FIFO extraction queue.
func (m *Manager) EnqueueExtraction(ctx context.Context, job crawler.QueuedExtraction) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue extraction: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode extraction job: %w", err)
	}
	if err := m.client.RPush(ctx, m.key("extraction"), payload).Err(); err != nil {
		return fmt.Errorf("enqueue extraction: %w", err)
	}
	return nil
}

// DequeueExtraction promotes due retries then blocks for up to PopTimeout.
// It returns nil when nothing arrived in time.
func (m *Manager) DequeueExtraction(ctx context.Context) (*crawler.QueuedExtraction, error) {
	listKey := m.key("extraction")
	keys := []string{listKey, m.key("extraction", "delayed")}
	if err := promoteExtractionScript.Run(ctx, m.client, keys, m.nowMillis()).Err(); err != nil {
		return nil, fmt.Errorf("promote extraction retries: %w", err)
	}

	for range maxInvalidSkips {
		res, err := m.client.BLPop(ctx, m.cfg.PopTimeout, listKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue extraction: %w", err)
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("dequeue extraction: unexpected reply length %d", len(res))
		}
		var job crawler.QueuedExtraction
		decodeErr := json.Unmarshal([]byte(res[1]), &job)
		if decodeErr == nil {
			decodeErr = job.Validate()
		}
		if decodeErr != nil {
			m.logger.Warn("dropping invalid extraction payload", zap.Error(decodeErr))
			dl := crawler.DeadLetter{
				Key:        job.PageID,
				ReasonCode: crawler.ReasonInvalidPayload,
				FailedAt:   m.now(),
				Metadata:   map[string]string{"error": decodeErr.Error(), "payload": res[1]},
			}
			if err := m.pushDeadLetter(ctx, KindExtraction, dl); err != nil {
				return nil, err
			}
			continue
		}
		return &job, nil
	}
	return nil, nil
}

// ExtractionQueueDepth returns the number of ready extraction jobs.
func (m *Manager) ExtractionQueueDepth(ctx context.Context) (int64, error) {
	n, err := m.client.LLen(ctx, m.key("extraction")).Result()
	if err != nil {
		return 0, fmt.Errorf("extraction depth: %w", err)
	}
	return n, nil
}

// RequeueDiscoveryWithBackoff schedules item for another attempt with a
// decayed priority. When the next attempt would exceed MaxAttempts the item is
// dead-lettered instead and requeued is false.
func (m *Manager) RequeueDiscoveryWithBackoff(ctx context.Context, item crawler.QueuedURL, reason string) (bool, error) {
	if item.AttemptCount+1 > m.cfg.MaxAttempts {
		dl := discoveryDeadLetter(item, crawler.ReasonMaxAttemptsExceeded, m.now())
		dl.Metadata["last_reason"] = reason
		return false, m.pushDeadLetter(ctx, KindDiscovery, dl)
	}

	delay := m.cfg.Backoff.Delay(item.AttemptCount)
	next := item
	next.Priority = max(item.Priority-priorityDecay*item.AttemptCount, 0)
	next.AttemptCount = item.AttemptCount + 1
	next.LastAttemptAt = m.now()
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode discovery retry: %w", err)
	}

	readyAt := m.nowMillis() + delay.Milliseconds()
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, m.key("discovery", "delayed"), redis.Z{Score: float64(readyAt), Member: next.URLHash})
		pipe.HSet(ctx, m.key("discovery", "delayed", "items"), next.URLHash, payload)
		pipe.HSet(ctx, m.key("discovery", "delayed", "priority"), next.URLHash, next.Priority)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requeue discovery: %w", err)
	}
	m.logger.Debug("discovery retry scheduled",
		zap.String("url", item.URL),
		zap.String("reason", reason),
		zap.Int("attempt", next.AttemptCount),
		zap.Duration("delay", delay),
	)
	return true, nil
}

// RequeueExtractionWithBackoff schedules job for another attempt.
func (m *Manager) RequeueExtractionWithBackoff(ctx context.Context, job crawler.QueuedExtraction) (time.Duration, error) {
	delay := m.cfg.Backoff.Delay(job.AttemptCount)
	next := job
	next.AttemptCount = job.AttemptCount + 1
	next.LastAttemptAt = m.now()
	payload, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode extraction retry: %w", err)
	}
	readyAt := m.nowMillis() + delay.Milliseconds()
	if err := m.client.ZAdd(ctx, m.key("extraction", "delayed"), redis.Z{Score: float64(readyAt), Member: payload}).Err(); err != nil {
		return 0, fmt.Errorf("requeue extraction: %w", err)
	}
	return delay, nil
}

// DiscoveryState reports whether urlHash is already waiting in the discovery
// queue and whether it has a retry pending in the delayed set.
func (m *Manager) DiscoveryState(ctx context.Context, urlHash string) (queued, delayed bool, err error) {
	var q, d *redis.FloatCmd
	_, err = m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		q = pipe.ZScore(ctx, m.key("discovery"), urlHash)
		d = pipe.ZScore(ctx, m.key("discovery", "delayed"), urlHash)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, false, fmt.Errorf("discovery state: %w", err)
	}
	for _, cmd := range []*redis.FloatCmd{q, d} {
		if cerr := cmd.Err(); cerr != nil && !errors.Is(cerr, redis.Nil) {
			return false, false, fmt.Errorf("discovery state: %w", cerr)
		}
	}
	return q.Err() == nil, d.Err() == nil, nil
}

// DelayedCount returns the number of retries waiting to become due.
func (m *Manager) DelayedCount(ctx context.Context, kind Kind) (int64, error) {
	n, err := m.client.ZCard(ctx, m.key(string(kind), "delayed")).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed count: %w", err)
	}
	return n, nil
}

// DeadLetterDiscovery records a terminal discovery failure.
func (m *Manager) DeadLetterDiscovery(ctx context.Context, item crawler.QueuedURL, reason string, cause error) error {
	dl := discoveryDeadLetter(item, reason, m.now())
	if cause != nil {
		dl.Metadata["error"] = cause.Error()
	}
	return m.pushDeadLetter(ctx, KindDiscovery, dl)
}

// DeadLetterExtraction records a terminal extraction failure.
func (m *Manager) DeadLetterExtraction(ctx context.Context, job crawler.QueuedExtraction, reason string, cause error) error {
	dl := crawler.DeadLetter{
		Key:        job.PageID,
		ReasonCode: reason,
		FailedAt:   m.now(),
		Metadata: map[string]string{
			"topic":         job.Topic,
			"source_url":    job.SourceURL,
			"attempt_count": strconv.Itoa(job.AttemptCount),
		},
	}
	if cause != nil {
		dl.Metadata["error"] = cause.Error()
	}
	return m.pushDeadLetter(ctx, KindExtraction, dl)
}

func discoveryDeadLetter(item crawler.QueuedURL, reason string, at time.Time) crawler.DeadLetter {
	meta := map[string]string{
		"url_hash":      item.URLHash,
		"topic":         item.Topic,
		"attempt_count": strconv.Itoa(item.AttemptCount),
	}
	if item.SourceURL != "" {
		meta["source_url"] = item.SourceURL
	}
	return crawler.DeadLetter{Key: item.URL, ReasonCode: reason, FailedAt: at, Metadata: meta}
}

func (m *Manager) pushDeadLetter(ctx context.Context, kind Kind, dl crawler.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := m.key("dlq", string(kind))
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(m.cfg.DLQMax-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// RecentDeadLetters returns up to n entries, newest first.
func (m *Manager) RecentDeadLetters(ctx context.Context, kind Kind, n int) ([]crawler.DeadLetter, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := m.client.LRange(ctx, m.key("dlq", string(kind)), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]crawler.DeadLetter, 0, len(raw))
	for _, entry := range raw {
		var dl crawler.DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			m.logger.Warn("skipping undecodable dead letter", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// MarkSeen records urlHash in the cross-run seen set.
func (m *Manager) MarkSeen(ctx context.Context, urlHash string) error {
	if err := m.client.Set(ctx, m.key("seen", urlHash), "1", m.cfg.SeenTTL).Err(); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// IsSeen reports whether urlHash was processed within the seen TTL.
func (m *Manager) IsSeen(ctx context.Context, urlHash string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key("seen", urlHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return n == 1, nil
}

// AcquireRunLock claims the active-run marker for topic. It returns
// crawler.ErrRunActive when another run holds it.
func (m *Manager) AcquireRunLock(ctx context.Context, topic string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key("run", topic), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return "", crawler.ErrRunActive
	}
	return token, nil
}

// ReleaseRunLock frees the marker if token still owns it.
func (m *Manager) ReleaseRunLock(ctx context.Context, topic, token string) error {
	if err := releaseLockScript.Run(ctx, m.client, []string{m.key("run", topic)}, token).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
