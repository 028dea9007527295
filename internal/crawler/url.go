package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	hashsha "github.com/JakeFAU/topic-crawler/internal/hash/sha256"
)

// trackingParams are stripped during canonicalization; they never change content.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref_src": {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// DefaultArticlePattern matches dated paths, dated slugs, and article-ish segments.
const DefaultArticlePattern = `(/\d{4}/\d{2}(/\d{2})?/)|(\d{4}-\d{2}-\d{2})|(/(article|articles|story|stories|news|sports)(/|$))`

var (
	// ErrInvalidURL is returned for URLs that cannot be crawled.
	ErrInvalidURL = errors.New("invalid url")

	defaultArticleMatcher = regexp.MustCompile(DefaultArticlePattern)
)

// CanonicalizeURL returns a stable form of rawURL used for hashing and storage.
func CanonicalizeURL(rawURL string) (string, error) {
	parsed, err := parseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = canonicalHost(parsed)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	parsed.RawQuery = cleanQuery(parsed.Query())
	parsed.Path = cleanPath(parsed.Path)
	parsed.RawPath = ""
	return parsed.String(), nil
}

// HashURL returns the SHA-256 hex digest of the canonical form of rawURL.
func HashURL(rawURL string) (string, error) {
	canonical, err := CanonicalizeURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return hashsha.Sum(canonical), nil
}

// StripTracking removes the fragment and tracking parameters but otherwise
// leaves the URL as written.
func StripTracking(rawURL string) (string, error) {
	parsed, err := parseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if parsed.RawQuery != "" {
		parsed.RawQuery = cleanQuery(parsed.Query())
	}
	return parsed.String(), nil
}

// ResolveLink resolves href against base and returns an absolute http(s) URL
// with tracking parameters and fragment removed.
func ResolveLink(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", ErrInvalidURL
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	return StripTracking(abs.String())
}

// Domain returns the lower-cased hostname without a leading "www.".
func Domain(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// PathDepth counts the non-empty path segments of rawURL.
func PathDepth(rawURL string) int {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	depth := 0
	for _, seg := range strings.Split(parsed.Path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// HasDomainSuffix reports whether domain equals suffix or is a subdomain of it.
func HasDomainSuffix(domain, suffix string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	suffix = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(suffix), "."))
	if domain == "" || suffix == "" {
		return false
	}
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}

// ArticleMatcher classifies URLs as article-like.
type ArticleMatcher struct {
	re *regexp.Regexp
}

// NewArticleMatcher compiles pattern, falling back to DefaultArticlePattern when empty.
func NewArticleMatcher(pattern string) (*ArticleMatcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return &ArticleMatcher{re: defaultArticleMatcher}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile article pattern: %w", err)
	}
	return &ArticleMatcher{re: re}, nil
}

// Match reports whether rawURL looks like an article.
func (m *ArticleMatcher) Match(rawURL string) bool {
	re := defaultArticleMatcher
	if m != nil && m.re != nil {
		re = m.re
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToLower(parsed.Path))
}

// IsArticleLikeURL applies the default article pattern.
func IsArticleLikeURL(rawURL string) bool {
	return (*ArticleMatcher)(nil).Match(rawURL)
}

func parseHTTPURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed, nil
}

func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || defaultPorts[u.Scheme] == port {
		return host
	}
	return host + ":" + port
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

func cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if !isTrackingParam(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		for _, val := range values[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "/" {
		return cleaned
	}
	return strings.TrimRight(cleaned, "/")
}
