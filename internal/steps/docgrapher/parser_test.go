package docgrapher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mentionTexts(doc *parsedDoc, path bool) []string {
	var out []string
	for _, m := range doc.Mentions {
		if m.Path == path {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestParseMarkdown_TitleAndCodeSpans(t *testing.T) {
	source := []byte("# Lexer Guide\n\n" +
		"The `Tokenizer` class feeds `lexer.parse()` with tokens.\n\n" +
		"See [the loader](src/config/loader.py) for configuration.\n")

	doc, err := parseMarkdown(source)
	require.NoError(t, err)

	assert.Equal(t, "Lexer Guide", doc.Title)
	idents := mentionTexts(doc, false)
	assert.Contains(t, idents, "Tokenizer")
	assert.Contains(t, idents, "lexer.parse", "call parens are stripped")

	paths := mentionTexts(doc, true)
	assert.Contains(t, paths, "src/config/loader.py")
}

func TestParseMarkdown_PathLikeCodeSpan(t *testing.T) {
	doc, err := parseMarkdown([]byte("Run `./scripts/build.sh` first.\n"))
	require.NoError(t, err)

	paths := mentionTexts(doc, true)
	require.Len(t, paths, 1)
	assert.Equal(t, "./scripts/build.sh", paths[0])
}

func TestParseMarkdown_IgnoresUrlsAndProse(t *testing.T) {
	source := []byte("# Title\n\n" +
		"Visit [the site](https://example.com/docs) or read `not an identifier!`.\n")

	doc, err := parseMarkdown(source)
	require.NoError(t, err)

	assert.Empty(t, mentionTexts(doc, true), "URLs are not path mentions")
	assert.Empty(t, mentionTexts(doc, false), "non-identifier spans are dropped")
}

func TestParseMarkdown_SecondHeadingDoesNotOverrideTitle(t *testing.T) {
	doc, err := parseMarkdown([]byte("# First\n\n# Second\n"))
	require.NoError(t, err)
	assert.Equal(t, "First", doc.Title)
}

func TestParsePlain_QualifiedTokensAndPaths(t *testing.T) {
	source := []byte("Build Notes\n\n" +
		"Call lexer.parse before emit. Sources live in src/lexer.py today.\n" +
		"Plain words like before and today are not mentions.\n")

	doc := parsePlain(source)

	assert.Equal(t, "Build Notes", doc.Title)
	assert.Equal(t, []string{"lexer.parse"}, mentionTexts(doc, false))
	assert.Equal(t, []string{"src/lexer.py"}, mentionTexts(doc, true))
}

func TestParsePlain_TitleMarkersStripped(t *testing.T) {
	doc := parsePlain([]byte("== Overview\nBody text.\n"))
	assert.Equal(t, "Overview", doc.Title)
}
