// -----------------------------------------------------------------------
// Mention linking - exact, qualified, then fuzzy match into the graph
// -----------------------------------------------------------------------

package docgrapher

import (
	"strings"

	"github.com/ternarybob/codestory/internal/models"
)

// candidate is one linkable code node in the index.
type candidate struct {
	Key       string
	Label     models.NodeLabel
	Name      string
	Module    string
	FilePath  string
	Qualified string // module.name, or name for modules
}

// linker resolves documentation mentions to graph nodes. Resolution is
// layered: exact identifier match, then qualified-name match, then fuzzy
// match bounded by a similarity threshold. Ties break to the candidate
// with the shorter file path.
type linker struct {
	byName      map[string][]*candidate
	byQualified map[string][]*candidate
	filesByPath map[string]bool
	all         []*candidate
	threshold   float64
}

func newLinker(threshold float64) *linker {
	return &linker{
		byName:      make(map[string][]*candidate),
		byQualified: make(map[string][]*candidate),
		filesByPath: make(map[string]bool),
		threshold:   threshold,
	}
}

func (l *linker) addCandidate(c *candidate) {
	if c.Qualified == "" {
		if c.Module != "" && c.Label != models.LabelModule {
			c.Qualified = c.Module + "." + c.Name
		} else {
			c.Qualified = c.Name
		}
	}
	l.byName[c.Name] = append(l.byName[c.Name], c)
	l.byQualified[c.Qualified] = append(l.byQualified[c.Qualified], c)
	l.all = append(l.all, c)
}

func (l *linker) addFile(path string) {
	l.filesByPath[path] = true
}

// resolve links one identifier mention, or returns nil when nothing
// clears the threshold.
func (l *linker) resolve(m mention) *candidate {
	if m.Path {
		return nil
	}

	// Exact identifier match.
	if c := pickShortest(l.byName[m.Text]); c != nil {
		return c
	}

	// Qualified-name match: trailing segment as name, rest as module.
	if c := pickShortest(l.byQualified[m.Text]); c != nil {
		return c
	}
	if idx := strings.LastIndexByte(m.Text, '.'); idx > 0 {
		module, name := m.Text[:idx], m.Text[idx+1:]
		var scoped []*candidate
		for _, c := range l.byName[name] {
			if c.Module == module {
				scoped = append(scoped, c)
			}
		}
		if c := pickShortest(scoped); c != nil {
			return c
		}
	}

	// Fuzzy match over qualified names, bounded by the threshold.
	var best *candidate
	bestScore := l.threshold
	for _, c := range l.all {
		score := similarity(strings.ToLower(m.Text), strings.ToLower(c.Qualified))
		if score > bestScore ||
			(score == bestScore && best != nil && len(c.FilePath) < len(best.FilePath)) {
			best = c
			bestScore = score
		}
	}
	return best
}

// resolvePath links a path mention to a File node path, exact first, then
// unique suffix, shortest path on ties.
func (l *linker) resolvePath(m mention) string {
	p := m.Text
	if !strings.HasPrefix(p, "/") {
		p = "/" + strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/")
	}
	if l.filesByPath[p] {
		return p
	}

	var matches []string
	for path := range l.filesByPath {
		if strings.HasSuffix(path, p) {
			matches = append(matches, path)
		}
	}
	if len(matches) == 0 {
		return ""
	}
	best := matches[0]
	for _, candidatePath := range matches[1:] {
		if len(candidatePath) < len(best) {
			best = candidatePath
		}
	}
	return best
}

// pickShortest returns the single match, or the shortest-path candidate
// among several, or nil.
func pickShortest(cands []*candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if len(c.FilePath) < len(best.FilePath) ||
			(len(c.FilePath) == len(best.FilePath) && c.Key < best.Key) {
			best = c
		}
	}
	return best
}

// similarity is a normalized Levenshtein ratio in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	dist := levenshtein(a, b)
	max := la
	if lb > max {
		max = lb
	}
	return 1 - float64(dist)/float64(max)
}

// levenshtein computes edit distance with the two-row method.
func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
