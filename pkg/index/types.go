// ABOUTME: Hierarchical index tree types
// ABOUTME: An arena of nodes with line-range containment invariants

package index

import (
	"fmt"
	"sort"
)

// Node is one section of a document. Start and End are 1-based line
// numbers into the normalized text, inclusive on both ends.
type Node struct {
	ID       string
	ParentID string // empty for the root
	Title    string
	Summary  string
	Start    int
	End      int
	Depth    int
	Children []string // ordered by document position
}

// Leaf reports whether the node has no children.
func (n *Node) Leaf() bool {
	return len(n.Children) == 0
}

// Lines returns how many lines the node spans.
func (n *Node) Lines() int {
	return n.End - n.Start + 1
}

// Tree is the hierarchical index of one document. Nodes live in a flat
// arena keyed by ID; structure is expressed through ParentID and the
// ordered Children lists.
type Tree struct {
	DocID string
	Root  string
	Nodes map[string]*Node

	// Fallback marks a degenerate tree built because the document had
	// no recognizable structure. Not persisted.
	Fallback bool
}

// Node returns the node with the given ID, or nil.
func (t *Tree) Node(id string) *Node {
	return t.Nodes[id]
}

// Children returns the ordered child nodes of id.
func (t *Tree) Children(id string) []*Node {
	n := t.Nodes[id]
	if n == nil {
		return nil
	}
	out := make([]*Node, 0, len(n.Children))
	for _, cid := range n.Children {
		if c := t.Nodes[cid]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits every node depth-first in document order, root first.
func (t *Tree) Walk(fn func(*Node)) {
	var visit func(id string)
	visit = func(id string) {
		n := t.Nodes[id]
		if n == nil {
			return
		}
		fn(n)
		for _, cid := range n.Children {
			visit(cid)
		}
	}
	visit(t.Root)
}

// Validate checks the structural invariants: a single root spanning
// the whole document, every child range contained in its parent, and
// siblings ordered left to right without overlap.
func (t *Tree) Validate() error {
	root := t.Nodes[t.Root]
	if root == nil {
		return fmt.Errorf("tree %s: missing root %q", t.DocID, t.Root)
	}
	if root.ParentID != "" {
		return fmt.Errorf("tree %s: root has parent %q", t.DocID, root.ParentID)
	}

	reached := 0
	var check func(n *Node) error
	check = func(n *Node) error {
		reached++
		if n.Start < 1 || n.End < n.Start {
			return fmt.Errorf("node %s: bad range [%d,%d]", n.ID, n.Start, n.End)
		}
		prev := 0
		for _, cid := range n.Children {
			c := t.Nodes[cid]
			if c == nil {
				return fmt.Errorf("node %s: unknown child %q", n.ID, cid)
			}
			if c.ParentID != n.ID {
				return fmt.Errorf("node %s: child %s claims parent %q", n.ID, c.ID, c.ParentID)
			}
			if c.Start < n.Start || c.End > n.End {
				return fmt.Errorf("node %s: child %s range [%d,%d] escapes [%d,%d]",
					n.ID, c.ID, c.Start, c.End, n.Start, n.End)
			}
			if c.Start <= prev {
				return fmt.Errorf("node %s: children overlap or out of order at %s", n.ID, c.ID)
			}
			prev = c.End
			if c.Depth != n.Depth+1 {
				return fmt.Errorf("node %s: child %s depth %d, want %d", n.ID, c.ID, c.Depth, n.Depth+1)
			}
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(root); err != nil {
		return err
	}
	if reached != len(t.Nodes) {
		return fmt.Errorf("tree %s: %d nodes unreachable from root", t.DocID, len(t.Nodes)-reached)
	}
	return nil
}

// Depth returns the maximum node depth in the tree.
func (t *Tree) MaxDepth() int {
	max := 0
	t.Walk(func(n *Node) {
		if n.Depth > max {
			max = n.Depth
		}
	})
	return max
}

// SortedIDs returns all node IDs in lexical order. Node IDs are
// zero-padded sequence numbers, so lexical order is creation order.
func (t *Tree) SortedIDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
