// Package seed produces the initial discovery URLs for a topic.
package seed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// DefaultPriority is assigned to seeds that do not set their own.
const DefaultPriority = 100

// Seed is one bootstrap URL.
type Seed struct {
	URL      string
	Priority int
	Source   string
}

// Generator yields seeds for a topic. Encyclopedia, news, and archive
// producers plug in here.
type Generator interface {
	Name() string
	Seeds(ctx context.Context, topic string) ([]Seed, error)
}

// Curated returns fixed URL lists: per-topic entries plus global defaults.
type Curated struct {
	byTopic  map[string][]string
	defaults []string
}

// NewCurated builds a Curated generator. Topic keys match case-insensitively.
func NewCurated(byTopic map[string][]string, defaults []string) *Curated {
	normalized := make(map[string][]string, len(byTopic))
	for topic, urls := range byTopic {
		key := normalizeTopic(topic)
		normalized[key] = append(normalized[key], urls...)
	}
	return &Curated{byTopic: normalized, defaults: defaults}
}

// Name implements Generator.
func (c *Curated) Name() string { return "curated" }

// Seeds implements Generator.
func (c *Curated) Seeds(_ context.Context, topic string) ([]Seed, error) {
	urls := append(append([]string(nil), c.byTopic[normalizeTopic(topic)]...), c.defaults...)
	out := make([]Seed, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, Seed{URL: u, Priority: DefaultPriority, Source: c.Name()})
		}
	}
	return out, nil
}

// Template expands URL templates containing {topic} (query-escaped) and
// {topic_path} (underscore-joined, path-escaped, as encyclopedia article
// URLs use).
type Template struct {
	templates []string
}

// NewTemplate validates that every template carries a placeholder.
func NewTemplate(templates []string) (*Template, error) {
	for _, tpl := range templates {
		if !strings.Contains(tpl, "{topic}") && !strings.Contains(tpl, "{topic_path}") {
			return nil, fmt.Errorf("seed template %q has no {topic} placeholder", tpl)
		}
	}
	return &Template{templates: templates}, nil
}

// Name implements Generator.
func (t *Template) Name() string { return "template" }

// Seeds implements Generator.
func (t *Template) Seeds(_ context.Context, topic string) ([]Seed, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	query := url.QueryEscape(topic)
	path := url.PathEscape(strings.Join(strings.Fields(topic), "_"))
	replacer := strings.NewReplacer("{topic}", query, "{topic_path}", path)

	out := make([]Seed, 0, len(t.templates))
	for _, tpl := range t.templates {
		out = append(out, Seed{URL: replacer.Replace(tpl), Priority: DefaultPriority, Source: t.Name()})
	}
	return out, nil
}

// Collect runs every generator and merges their seeds in order, dropping
// repeated URLs. A failing generator is reported but does not stop the others.
func Collect(ctx context.Context, topic string, generators ...Generator) ([]Seed, []error) {
	var (
		out  []Seed
		errs []error
		seen = make(map[string]struct{})
	)
	for _, g := range generators {
		seeds, err := g.Seeds(ctx, topic)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s seeds: %w", g.Name(), err))
			continue
		}
		for _, s := range seeds {
			if _, dup := seen[s.URL]; dup {
				continue
			}
			seen[s.URL] = struct{}{}
			out = append(out, s)
		}
	}
	return out, errs
}

func normalizeTopic(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}
