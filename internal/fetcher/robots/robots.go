// Package robots enforces robots.txt directives per host with a fail-open policy.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single robots.txt fetch.
const DefaultTimeout = 5 * time.Second

// DefaultFailureTTL is how long a failed robots.txt fetch is remembered as
// allow-all before the host is tried again.
const DefaultFailureTTL = 10 * time.Minute

const maxRobotsBytes = 1 << 20

// Config controls the checker.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	// FailureTTL caches fetch failures so a slow host costs one timeout per TTL.
	FailureTTL time.Duration
	// Disabled turns every check into an allow.
	Disabled   bool
}

// Checker fetches, parses, and caches robots.txt per scheme and host.
type Checker struct {
	client     *http.Client
	cache      sync.Map
	userAgent  string
	disabled   bool
	failureTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// entry is a cached robots result. A nil data with a deadline is a remembered
// failure.
type entry struct {
	data    *robotstxt.RobotsData
	err     error
	expires time.Time
}

// New builds a Checker. A nil client gets one with the configured timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	failureTTL := cfg.FailureTTL
	if failureTTL <= 0 {
		failureTTL = DefaultFailureTTL
	}
	return &Checker{
		client:     client,
		userAgent:  cfg.UserAgent,
		disabled:   cfg.Disabled,
		failureTTL: failureTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// Allowed reports whether rawURL may be fetched. Unparseable URLs are denied;
// robots fetch or parse failures allow.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	if c == nil || c.disabled {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host),
			zap.Error(err),
		)
		return true
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if v, ok := c.cache.Load(hostKey); ok {
		cached, assertOK := v.(entry)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", v)
		}
		if cached.expires.IsZero() || c.now().Before(cached.expires) {
			return cached.data, cached.err
		}
		c.cache.Delete(hostKey)
	}

	data, err := c.fetch(ctx, parsed)
	if err != nil {
		// A canceled caller says nothing about the host.
		if ctx.Err() == nil {
			c.cache.Store(hostKey, entry{err: err, expires: c.now().Add(c.failureTTL)})
		}
		return nil, err
	}
	c.cache.Store(hostKey, entry{data: data})
	return data, nil
}

func (c *Checker) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
