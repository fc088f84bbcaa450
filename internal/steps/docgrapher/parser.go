// -----------------------------------------------------------------------
// Documentation parsing - markdown AST walk for mentions and structure
// -----------------------------------------------------------------------

package docgrapher

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// mention is one candidate reference to a code identifier or a path,
// located by byte range within the document.
type mention struct {
	Text  string
	Start int
	End   int
	// Path marks mentions that look like filesystem paths rather than
	// code identifiers.
	Path bool
}

// parsedDoc is the extraction result for one documentation artifact.
type parsedDoc struct {
	Title    string
	Mentions []mention
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
)

// identifierPattern matches code-like tokens in prose: bare identifiers
// with qualification dots and optional call parens.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*(\(\))?$`)

// parseMarkdown walks the goldmark AST collecting the document title,
// inline code spans, and link destinations as mention candidates.
func parseMarkdown(source []byte) (*parsedDoc, error) {
	doc := markdown.Parser().Parse(text.NewReader(source))
	out := &parsedDoc{}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if out.Title == "" && node.Level == 1 {
				out.Title = string(node.Text(source))
			}
		case *ast.CodeSpan:
			segText := string(node.Text(source))
			addMention(out, segText, offsetOf(node, source), source)
		case *ast.Link:
			dest := string(node.Destination)
			if isPathLike(dest) {
				out.Mentions = append(out.Mentions, mention{
					Text: dest, Path: true,
					Start: offsetOf(node, source),
				})
			}
		case *ast.AutoLink:
			// URLs are not code references.
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parsePlain extracts mentions from non-markdown documentation (rst,
// plain text) with the token scan only.
func parsePlain(source []byte) *parsedDoc {
	out := &parsedDoc{}
	scanTokens(out, string(source), 0)
	if idx := strings.IndexByte(string(source), '\n'); idx > 0 {
		out.Title = strings.TrimSpace(strings.TrimLeft(string(source[:idx]), "#= "))
	}
	return out
}

// addMention records a code-span mention, splitting path-like spans from
// identifier spans.
func addMention(out *parsedDoc, txt string, start int, source []byte) {
	txt = strings.TrimSpace(txt)
	if txt == "" {
		return
	}
	if isPathLike(txt) {
		out.Mentions = append(out.Mentions, mention{Text: txt, Path: true, Start: start, End: start + len(txt)})
		return
	}
	cleaned := strings.TrimSuffix(txt, "()")
	if identifierPattern.MatchString(txt) {
		out.Mentions = append(out.Mentions, mention{Text: cleaned, Start: start, End: start + len(txt)})
	}
}

// scanTokens pulls identifier-shaped tokens out of free text.
func scanTokens(out *parsedDoc, body string, base int) {
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == ',' || r == ';' || r == ':' ||
			r == '"' || r == '\'' || r == '`'
	})
	offset := 0
	for _, f := range fields {
		idx := strings.Index(body[offset:], f)
		if idx < 0 {
			continue
		}
		start := base + offset + idx
		offset += idx + len(f)

		trimmed := strings.Trim(f, ".()!?")
		// A bare word is prose; qualification or call syntax marks code.
		if strings.Contains(trimmed, ".") && identifierPattern.MatchString(trimmed) {
			out.Mentions = append(out.Mentions, mention{Text: trimmed, Start: start, End: start + len(f)})
		} else if isPathLike(trimmed) {
			out.Mentions = append(out.Mentions, mention{Text: trimmed, Path: true, Start: start, End: start + len(f)})
		}
	}
}

// isPathLike reports whether a token looks like a repository path.
func isPathLike(s string) bool {
	if s == "" || strings.Contains(s, "://") {
		return false
	}
	return strings.Contains(s, "/") || strings.HasPrefix(s, "./")
}

// offsetOf returns the starting byte offset of a node's first text
// segment, or zero when the node carries none.
func offsetOf(n ast.Node, source []byte) int {
	if n.Type() == ast.TypeInline {
		if tn, ok := n.FirstChild().(*ast.Text); ok && tn != nil {
			return tn.Segment.Start
		}
	}
	if n.Lines() != nil && n.Lines().Len() > 0 {
		return n.Lines().At(0).Start
	}
	return 0
}
