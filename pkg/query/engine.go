// ABOUTME: Deterministic top-down tree search over document indexes
// ABOUTME: Scores titles, summaries and body text; beam-bounded descent

package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gomaslegal/lexengine/pkg/index"
)

// Scoring weights. Title matches dominate, summaries carry structure,
// body text breaks ties.
const (
	titleWeight   = 3.0
	summaryWeight = 2.0
	textWeight    = 1.0
)

// TextSource resolves a document's normalized text so hits can carry
// the underlying lines.
type TextSource func(ctx context.Context, docID string) (string, error)

// Options bound one query.
type Options struct {
	MaxResults int     // ranked hits to return; default 5
	Beam       int     // children expanded per level; default 3
	MinScore   float64 // hits below this are dropped
	MaxLines   int     // excerpt length cap per hit; default 100
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = 5
	}
	if o.Beam <= 0 {
		o.Beam = 3
	}
	if o.MaxLines <= 0 {
		o.MaxLines = 100
	}
	return o
}

// Hit is one relevant section with its source lines.
type Hit struct {
	NodeID  string  `json:"node_id"`
	Title   string  `json:"title"`
	Summary string  `json:"summary"`
	Start   int     `json:"start_line"`
	End     int     `json:"end_line"`
	Depth   int     `json:"depth"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// Response is the result of querying one document.
type Response struct {
	DocumentID string `json:"document_id"`
	Query      string `json:"query"`
	Hits       []Hit  `json:"hits"`
	Visited    int    `json:"visited"`
}

// Engine answers section-level queries by walking a document's index
// tree from the root: at each level it scores the children and only
// descends into the best few, so large documents are never scanned
// linearly.
type Engine struct {
	trees  *index.TreeStore
	source TextSource
}

// NewEngine builds a query engine over stored trees and a text source.
func NewEngine(trees *index.TreeStore, source TextSource) *Engine {
	return &Engine{trees: trees, source: source}
}

// Query runs a tree search against one indexed document.
func (e *Engine) Query(ctx context.Context, docID, query string, opts Options) (*Response, error) {
	opts = opts.withDefaults()

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, fmt.Errorf("query %s: no searchable terms in %q", docID, query)
	}

	tree, err := e.trees.Load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", docID, err)
	}
	text, err := e.source(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("query %s: load text: %w", docID, err)
	}
	lines := strings.Split(text, "\n")

	scored, visited := e.descend(tree, lines, terms, opts.Beam)

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.Start < scored[j].node.Start
	})

	resp := &Response{DocumentID: docID, Query: query, Visited: visited}
	for _, sc := range scored {
		if len(resp.Hits) >= opts.MaxResults || sc.score < opts.MinScore || sc.score == 0 {
			break
		}
		n := sc.node
		resp.Hits = append(resp.Hits, Hit{
			NodeID:  n.ID,
			Title:   n.Title,
			Summary: n.Summary,
			Start:   n.Start,
			End:     n.End,
			Depth:   n.Depth,
			Score:   sc.score,
			Excerpt: excerpt(lines, n, opts.MaxLines),
		})
	}
	return resp, nil
}

type scoredNode struct {
	node  *index.Node
	score float64
}

// descend walks the tree level by level. Every visited node is scored;
// only the best Beam children of each expanded node are expanded
// further. Leaves of the descent are the candidate hits, which keeps
// results at the most specific sections rather than giant ancestors.
func (e *Engine) descend(tree *index.Tree, lines []string, terms []string, beam int) ([]scoredNode, int) {
	visited := 1 // the root; every other node is counted where it is scored
	var candidates []scoredNode

	var expand func(n *index.Node)
	expand = func(n *index.Node) {
		children := tree.Children(n.ID)
		if len(children) == 0 {
			candidates = append(candidates, scoredNode{node: n, score: score(n, lines, terms)})
			return
		}

		scoredChildren := make([]scoredNode, 0, len(children))
		for _, c := range children {
			visited++
			scoredChildren = append(scoredChildren, scoredNode{node: c, score: score(c, lines, terms)})
		}
		sort.SliceStable(scoredChildren, func(i, j int) bool {
			return scoredChildren[i].score > scoredChildren[j].score
		})

		took := 0
		for _, sc := range scoredChildren {
			if took >= beam || sc.score == 0 {
				break
			}
			expand(sc.node)
			took++
		}
		// A structured node whose children all score zero still stands
		// for itself if its own fields match.
		if took == 0 {
			candidates = append(candidates, scoredNode{node: n, score: score(n, lines, terms)})
		}
	}
	expand(tree.Node(tree.Root))
	return candidates, visited
}

// score sums term occurrences weighted by field. Body occurrences are
// counted per line and capped so long sections can't drown out a
// precise title match.
func score(n *index.Node, lines []string, terms []string) float64 {
	title := strings.ToLower(n.Title)
	summary := strings.ToLower(n.Summary)

	total := 0.0
	for _, term := range terms {
		if strings.Contains(title, term) {
			total += titleWeight
		}
		if strings.Contains(summary, term) {
			total += summaryWeight
		}

		hits := 0
		for i := n.Start - 1; i < n.End && i < len(lines); i++ {
			if strings.Contains(strings.ToLower(lines[i]), term) {
				hits++
				if hits >= 5 {
					break
				}
			}
		}
		total += textWeight * float64(hits)
	}
	return total
}

func excerpt(lines []string, n *index.Node, maxLines int) string {
	start := n.Start - 1
	end := n.End
	if end > len(lines) {
		end = len(lines)
	}
	if start < 0 || start >= end {
		return ""
	}
	if end-start > maxLines {
		end = start + maxLines
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

var stopwords = map[string]struct{}{
	"de": {}, "la": {}, "el": {}, "en": {}, "los": {}, "las": {}, "del": {},
	"que": {}, "por": {}, "con": {}, "una": {}, "para": {}, "the": {}, "of": {},
}

// tokenize lowercases, strips punctuation and drops stopwords and
// single-character fragments.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !isWordRune(r)
	})
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || r == '/' || r == '-' ||
		(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') ||
		(r >= 'à' && r <= 'ÿ') || (r >= 'A' && r <= 'Z')
}
