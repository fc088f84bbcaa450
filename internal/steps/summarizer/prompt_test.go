package summarizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/codestory/internal/models"
)

func TestBuildPrompt_SingleFunction(t *testing.T) {
	msgs := buildPrompt([]*entity{{
		key:    models.SymbolKey(models.LabelFunction, "parse", "lexer"),
		label:  models.LabelFunction,
		name:   "parse",
		module: "lexer",
		source: "def parse(tokens):\n    return tree",
		docstr: "Parse a token stream.",
	}}, 1000)

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, `function "parse" from module "lexer"`)
	assert.Contains(t, msgs[1].Content, "Parse a token stream.")
	assert.Contains(t, msgs[1].Content, "def parse(tokens):")
	assert.NotContains(t, msgs[1].Content, "mutually recursive")
}

func TestBuildPrompt_IncludesChildSummaries(t *testing.T) {
	msgs := buildPrompt([]*entity{{
		key:      models.ModuleKey("lexer"),
		label:    models.LabelModule,
		name:     "lexer",
		children: []string{"parse builds the tree.", "lex produces tokens."},
	}}, 1000)

	assert.Contains(t, msgs[1].Content, "- parse builds the tree.")
	assert.Contains(t, msgs[1].Content, "- lex produces tokens.")
}

func TestBuildPrompt_RecursiveSetNotesConvention(t *testing.T) {
	msgs := buildPrompt([]*entity{
		{key: "a", label: models.LabelFunction, name: "even", module: "m"},
		{key: "b", label: models.LabelFunction, name: "odd", module: "m"},
	}, 1000)

	assert.Contains(t, msgs[1].Content, "mutually recursive")
}

func TestTruncateSource_CutsAtLineBoundary(t *testing.T) {
	src := strings.Repeat("line one\n", 50)

	out := truncateSource(src, 100)
	assert.LessOrEqual(t, len(out), 100+len("\n... (truncated)"))
	assert.True(t, strings.HasSuffix(out, "... (truncated)"))
	// Deterministic.
	assert.Equal(t, out, truncateSource(src, 100))

	assert.Equal(t, "short", truncateSource("short", 100))
	assert.Equal(t, src, truncateSource(src, 0), "zero bound disables truncation")
}

func TestContextHash_SensitiveToInputs(t *testing.T) {
	base := func() *entity {
		return &entity{key: "k", source: "src", docstr: "doc", children: []string{"c1", "c2"}}
	}

	h1 := contextHash([]*entity{base()})
	assert.Equal(t, h1, contextHash([]*entity{base()}))

	reordered := base()
	reordered.children = []string{"c2", "c1"}
	assert.Equal(t, h1, contextHash([]*entity{reordered}), "child order must not affect the hash")

	changed := base()
	changed.source = "src2"
	assert.NotEqual(t, h1, contextHash([]*entity{changed}))

	changedDoc := base()
	changedDoc.docstr = "doc2"
	assert.NotEqual(t, h1, contextHash([]*entity{changedDoc}))
}

func TestSplitSummaries_ByNameMarkers(t *testing.T) {
	ents := []*entity{
		{key: "k_even", name: "even"},
		{key: "k_odd", name: "odd"},
	}
	text := "even: Checks parity by delegating to odd.\n\nodd: Checks parity by delegating to even."

	out := splitSummaries(text, ents)
	assert.Equal(t, "Checks parity by delegating to odd.", out["k_even"])
	assert.Equal(t, "Checks parity by delegating to even.", out["k_odd"])
}

func TestSplitSummaries_FallsBackToWholeText(t *testing.T) {
	ents := []*entity{
		{key: "k_a", name: "alpha"},
		{key: "k_b", name: "beta"},
	}
	text := "A combined paragraph without markers."

	out := splitSummaries(text, ents)
	assert.Equal(t, text, out["k_a"])
	assert.Equal(t, text, out["k_b"])
}

func TestSplitSummaries_SingleEntityKeepsFullText(t *testing.T) {
	out := splitSummaries("  One summary.  ", []*entity{{key: "k", name: "fn"}})
	assert.Equal(t, "One summary.", out["k"])
}
