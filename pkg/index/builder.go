// ABOUTME: Builds hierarchical index trees from normalized markdown
// ABOUTME: Heading-driven segmentation with a flat fallback

package index

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Summarizer produces a short summary for one section. Implementations
// range from the built-in extractive heuristic to model-backed ones.
type Summarizer interface {
	Summarize(ctx context.Context, title string, body []string) (string, error)
}

// Builder turns normalized document text into an index tree.
type Builder struct {
	summarizer Summarizer
	maxDepth   int
}

// Option configures a Builder.
type Option func(*Builder)

// WithSummarizer replaces the default extractive summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(b *Builder) { b.summarizer = s }
}

// WithMaxDepth caps the tree depth. Headings deeper than the cap fold
// into their ancestor's body.
func WithMaxDepth(d int) Option {
	return func(b *Builder) { b.maxDepth = d }
}

// NewBuilder constructs a Builder with the extractive summarizer and a
// depth cap of 6 (markdown's heading ceiling).
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{summarizer: ExtractiveSummarizer{}, maxDepth: 6}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

type heading struct {
	line  int // 1-based
	level int
	title string
}

// Build segments the text on markdown headings and assembles the
// section hierarchy. Documents without a single heading get a
// two-node fallback tree (root plus one leaf) so every indexed
// document remains queryable; the result is marked Fallback.
func (b *Builder) Build(ctx context.Context, docID, text string) (*Tree, error) {
	lines := strings.Split(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("build index %s: empty document", docID)
	}

	headings := findHeadings(lines, b.maxDepth)
	if len(headings) == 0 {
		return b.fallbackTree(ctx, docID, lines)
	}

	t := &Tree{DocID: docID, Nodes: make(map[string]*Node)}
	seq := 0
	nextID := func() string {
		id := fmt.Sprintf("%04d", seq)
		seq++
		return id
	}

	root := &Node{ID: nextID(), Title: rootTitle(headings, lines), Start: 1, End: len(lines), Depth: 0}
	t.Root = root.ID
	t.Nodes[root.ID] = root

	// Stack of open sections, root at the bottom. A heading closes
	// every open section of the same or deeper level, then opens under
	// the survivor.
	type open struct {
		node  *Node
		level int // heading level; 0 for root
	}
	stack := []open{{node: root, level: 0}}

	for i, h := range headings {
		end := len(lines)
		for _, later := range headings[i+1:] {
			if later.level <= h.level {
				end = later.line - 1
				break
			}
		}

		for len(stack) > 1 && stack[len(stack)-1].level >= h.level {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1].node

		n := &Node{
			ID:       nextID(),
			ParentID: parent.ID,
			Title:    h.title,
			Start:    h.line,
			End:      end,
			Depth:    parent.Depth + 1,
		}
		parent.Children = append(parent.Children, n.ID)
		t.Nodes[n.ID] = n
		stack = append(stack, open{node: n, level: h.level})
	}

	if err := b.summarize(ctx, t, lines); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("build index %s: %w", docID, err)
	}
	return t, nil
}

func (b *Builder) fallbackTree(ctx context.Context, docID string, lines []string) (*Tree, error) {
	t := &Tree{DocID: docID, Fallback: true, Nodes: make(map[string]*Node)}
	root := &Node{ID: "0000", Title: "Documento", Start: 1, End: len(lines), Depth: 0}
	leaf := &Node{ID: "0001", ParentID: root.ID, Title: "Contenido", Start: 1, End: len(lines), Depth: 1}
	root.Children = []string{leaf.ID}
	t.Root = root.ID
	t.Nodes[root.ID] = root
	t.Nodes[leaf.ID] = leaf
	if err := b.summarize(ctx, t, lines); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Builder) summarize(ctx context.Context, t *Tree, lines []string) error {
	var err error
	t.Walk(func(n *Node) {
		if err != nil {
			return
		}
		body := lines[n.Start-1 : n.End]
		var s string
		s, err = b.summarizer.Summarize(ctx, n.Title, body)
		if err != nil {
			err = fmt.Errorf("summarize node %s: %w", n.ID, err)
			return
		}
		n.Summary = s
	})
	return err
}

func findHeadings(lines []string, maxDepth int) []heading {
	var out []heading
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := len(m[1])
		if level > maxDepth {
			continue
		}
		out = append(out, heading{line: i + 1, level: level, title: m[2]})
	}
	return out
}

// rootTitle prefers a sole level-1 heading as the document title.
func rootTitle(headings []heading, lines []string) string {
	var h1 []heading
	for _, h := range headings {
		if h.level == 1 {
			h1 = append(h1, h)
		}
	}
	if len(h1) == 1 {
		return h1[0].title
	}
	return "Documento"
}

// ExtractiveSummarizer builds a summary from the section's opening
// sentences. No external calls, fully deterministic.
type ExtractiveSummarizer struct {
	// Limit is the maximum summary length in runes. Zero means 200.
	Limit int
}

func (s ExtractiveSummarizer) Summarize(_ context.Context, title string, body []string) (string, error) {
	limit := s.Limit
	if limit == 0 {
		limit = 200
	}

	var b strings.Builder
	for _, line := range body {
		line = strings.TrimSpace(line)
		if line == "" || headingRe.MatchString(line) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(line)
		if b.Len() >= limit*4 { // bytes upper bound before rune trim
			break
		}
	}

	runes := []rune(b.String())
	if len(runes) <= limit {
		return string(runes), nil
	}
	cut := string(runes[:limit])
	// Break at a word boundary when one is reasonably close.
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "…", nil
}
