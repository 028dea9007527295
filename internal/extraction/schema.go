package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// ErrSchema marks a model response that does not match the extraction schema.
var ErrSchema = errors.New("extraction schema violation")

// Result is the JSON object the model is asked to return.
type Result struct {
	Title              string                  `json:"title"`
	Top10Facts         []string                `json:"top10_facts"`
	QuotedPassages     []crawler.QuotedPassage `json:"quoted_passages"`
	ParaphraseSummary  string                  `json:"paraphrase_summary"`
	ControversialFlags []string                `json:"controversial_flags,omitempty"`
	Metadata           map[string]any          `json:"metadata,omitempty"`
}

// ParseResult decodes raw model output, tolerating a fenced code block around
// the JSON, and validates it.
func ParseResult(raw string) (Result, error) {
	body := stripFence(raw)
	if body == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrSchema)
	}
	var out Result
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrSchema, err)
	}
	if err := out.Validate(); err != nil {
		return Result{}, err
	}
	return out, nil
}

// Validate enforces the field constraints of the extraction schema.
func (r Result) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrSchema)
	}
	if len(r.Top10Facts) != crawler.RequiredFactCount {
		return fmt.Errorf("%w: want %d facts, got %d", ErrSchema, crawler.RequiredFactCount, len(r.Top10Facts))
	}
	for i, fact := range r.Top10Facts {
		if strings.TrimSpace(fact) == "" {
			return fmt.Errorf("%w: fact %d is empty", ErrSchema, i)
		}
	}
	if len(r.QuotedPassages) > crawler.MaxQuotedPassages {
		return fmt.Errorf("%w: at most %d quoted passages, got %d", ErrSchema, crawler.MaxQuotedPassages, len(r.QuotedPassages))
	}
	for i, q := range r.QuotedPassages {
		if strings.TrimSpace(q.Quote) == "" {
			return fmt.Errorf("%w: quoted passage %d has no quote", ErrSchema, i)
		}
	}
	if strings.TrimSpace(r.ParaphraseSummary) == "" {
		return fmt.Errorf("%w: paraphrase summary is required", ErrSchema)
	}
	return nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the info string, e.g. ```json.
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
