// -----------------------------------------------------------------------
// Summary prompts - context assembly and deterministic truncation
// -----------------------------------------------------------------------

package summarizer

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// entity is one summarizable code node plus its assembled context.
type entity struct {
	key      string
	label    models.NodeLabel
	name     string
	module   string
	node     *models.Node
	source   string
	docstr   string
	children []string // summary texts of already-summarized dependencies
}

// systemPrompt frames every summary request.
const systemPrompt = "You are a precise technical writer. Summarize the given " +
	"code entity in 2-4 sentences: purpose, key behavior, notable collaborators. " +
	"Plain prose, no markdown, no speculation beyond the provided context."

// templates select the instruction by node kind.
var templates = map[models.NodeLabel]string{
	models.LabelModule:   "Summarize the module %q. Its members are summarized below; synthesize what the module provides overall.",
	models.LabelClass:    "Summarize the class %q from module %q. Method summaries, when present, are listed below.",
	models.LabelFunction: "Summarize the function %q from module %q.",
}

// buildPrompt renders the chat messages for one entity or one mutually
// recursive set. maxChars bounds the source context deterministically.
func buildPrompt(ents []*entity, maxChars int) []interfaces.Message {
	var b strings.Builder

	for _, e := range ents {
		tpl, ok := templates[e.label]
		if !ok {
			tpl = "Summarize the entity %q."
		}
		if strings.Count(tpl, "%q") == 2 {
			b.WriteString(fmt.Sprintf(tpl, e.name, e.module))
		} else {
			b.WriteString(fmt.Sprintf(tpl, e.name))
		}
		b.WriteString("\n\n")

		if e.docstr != "" {
			b.WriteString("Docstring:\n")
			b.WriteString(e.docstr)
			b.WriteString("\n\n")
		}
		if e.source != "" {
			b.WriteString("Source:\n")
			b.WriteString(truncateSource(e.source, maxChars))
			b.WriteString("\n\n")
		}
		if len(e.children) > 0 {
			b.WriteString("Member and dependency summaries:\n")
			for _, c := range e.children {
				b.WriteString("- ")
				b.WriteString(c)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	if len(ents) > 1 {
		b.WriteString("These entities are mutually recursive; summarize each, one paragraph per entity, prefixed by its name.\n")
	}

	return []interfaces.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// truncateSource keeps the head of the source up to maxChars, cutting at a
// line boundary so the same input always truncates the same way. The head
// carries signatures and docstrings, which is what summaries need.
func truncateSource(src string, maxChars int) string {
	if maxChars <= 0 || len(src) <= maxChars {
		return src
	}
	cut := src[:maxChars]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "\n... (truncated)"
}

// contextHash fingerprints everything that feeds a summary, so reruns over
// unchanged inputs skip the LLM call and the write.
func contextHash(ents []*entity) string {
	h := blake3.New()
	for _, e := range ents {
		h.Write([]byte(e.key))
		h.Write([]byte{0})
		h.Write([]byte(e.source))
		h.Write([]byte{0})
		h.Write([]byte(e.docstr))
		h.Write([]byte{0})
		children := append([]string(nil), e.children...)
		sort.Strings(children)
		for _, c := range children {
			h.Write([]byte(c))
			h.Write([]byte{0})
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// splitSummaries maps a multi-entity completion back to entities by the
// name prefix convention; falls back to the whole text for every member.
func splitSummaries(text string, ents []*entity) map[string]string {
	out := make(map[string]string, len(ents))
	for _, e := range ents {
		out[e.key] = strings.TrimSpace(text)
	}
	if len(ents) == 1 {
		return out
	}
	for _, e := range ents {
		marker := e.name + ":"
		if idx := strings.Index(text, marker); idx >= 0 {
			rest := text[idx+len(marker):]
			if end := strings.Index(rest, "\n\n"); end >= 0 {
				rest = rest[:end]
			}
			if trimmed := strings.TrimSpace(rest); trimmed != "" {
				out[e.key] = trimmed
			}
		}
	}
	return out
}
