package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tenFacts = `["a","b","c","d","e","f","g","h","i","j"]`

func TestParseResultAcceptsFencedJSON(t *testing.T) {
	t.Parallel()

	raw := "```json\n{\"title\":\"T\",\"top10_facts\":" + tenFacts +
		",\"quoted_passages\":[{\"quote\":\"q\",\"context\":\"c\"}],\"paraphrase_summary\":\"p\"}\n```"
	res, err := ParseResult(raw)
	require.NoError(t, err)
	require.Equal(t, "T", res.Title)
	require.Len(t, res.Top10Facts, 10)
	require.Len(t, res.QuotedPassages, 1)
}

func TestParseResultRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":         "",
		"not json":      "here you go!",
		"missing title": `{"top10_facts":` + tenFacts + `,"paraphrase_summary":"p"}`,
		"nine facts":    `{"title":"T","top10_facts":["a","b","c","d","e","f","g","h","i"],"paraphrase_summary":"p"}`,
		"blank fact":    `{"title":"T","top10_facts":["a","b","c","d","e","f","g","h","i"," "],"paraphrase_summary":"p"}`,
		"three quotes": `{"title":"T","top10_facts":` + tenFacts +
			`,"quoted_passages":[{"quote":"1"},{"quote":"2"},{"quote":"3"}],"paraphrase_summary":"p"}`,
		"empty quote":     `{"title":"T","top10_facts":` + tenFacts + `,"quoted_passages":[{"quote":""}],"paraphrase_summary":"p"}`,
		"missing summary": `{"title":"T","top10_facts":` + tenFacts + `}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseResult(raw)
			require.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	t.Parallel()

	p := BuildPrompt("chicago bears", []string{"nfl"}, "https://example.com/a", "body text")
	require.Contains(t, p.System, "top10_facts")
	require.Contains(t, p.User, "Topic: chicago bears")
	require.Contains(t, p.User, "Topic tags: nfl")
	require.Contains(t, p.User, "https://example.com/a")
	require.Contains(t, p.User, "body text")

	bare := BuildPrompt("x", nil, "u", "t")
	require.NotContains(t, bare.User, "Topic tags")
}

func TestHalveAndTruncate(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("alpha beta ", 100)
	half := halve(text)
	require.Less(t, len(half), len(text)/2+1)
	require.Greater(t, len(half), len(text)/2-200)
	require.False(t, strings.HasSuffix(half, " "))

	require.Equal(t, "abc", truncate("abcdef", 3))
	require.Equal(t, "abcdef", truncate("abcdef", 0))
	require.Equal(t, "héllo", truncate("héllo wörld", 5))
}
