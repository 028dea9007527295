package extraction

import (
	"fmt"
	"strings"
)

const systemPrompt = `You extract structured facts from news and reference articles.
Respond with a single JSON object and nothing else. The object must have exactly these keys:
  "title": string, the article headline.
  "top10_facts": array of exactly 10 short, self-contained factual statements taken from the article.
  "quoted_passages": array of at most 2 objects {"quote": string, "context": string}; "quote" must be copied verbatim from the article and "context" says who said it or where it appears.
  "paraphrase_summary": string, a summary of the article written entirely in your own words with no copied sentences.
  "controversial_flags": array of strings naming disputed or sensitive claims; empty if none.
  "metadata": object with any of "author", "published_at", "section" you can find.
Do not invent facts that are not in the article.`

// Prompt holds the two chat messages sent to the model.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the instructions for one page.
func BuildPrompt(topic string, tags []string, sourceURL, text string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if len(tags) > 0 {
		fmt.Fprintf(&b, "Topic tags: %s\n", strings.Join(tags, ", "))
	}
	fmt.Fprintf(&b, "Source URL: %s\n\n", sourceURL)
	b.WriteString("Article text:\n<<<\n")
	b.WriteString(text)
	b.WriteString("\n>>>\n")
	return Prompt{System: systemPrompt, User: b.String()}
}

// halve returns roughly the first half of text, cut at a word boundary when
// one is close.
func halve(text string) string {
	runes := []rune(text)
	mid := len(runes) / 2
	cut := mid
	for i := mid; i > mid-200 && i > 0; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// truncate limits text to maxChars runes. maxChars <= 0 disables truncation.
func truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
