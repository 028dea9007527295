package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", Sum("hello world"))
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "cafe creme brulee", NormalizeText("  Café\tCRÈME \n\n brûlée "))
	require.Equal(t, "", NormalizeText(" \t\n"))
}

func TestTextIgnoresCaseWhitespaceAndDiacritics(t *testing.T) {
	t.Parallel()

	a := Text("The Naïve   Résumé\nwas filed.")
	b := Text("the naive resume was filed.")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, Text("the naive resume was not filed."))
}
