// ABOUTME: Persists index trees in the shared SQLite database
// ABOUTME: Atomic full-tree replace, position-ordered reload

package index

import (
	"context"
	"database/sql"
	"fmt"
)

// TreeStore reads and writes index trees against the index_nodes table
// of the shared document database.
type TreeStore struct {
	db *sql.DB
}

// NewTreeStore wraps an open database handle.
func NewTreeStore(db *sql.DB) *TreeStore {
	return &TreeStore{db: db}
}

// Save replaces the stored tree for the document in one transaction.
// A reindex therefore never leaves a partial tree behind.
func (ts *TreeStore) Save(ctx context.Context, t *Tree) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("save tree: %w", err)
	}

	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_nodes WHERE doc_id = ?`, t.DocID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO index_nodes (doc_id, node_id, parent_id, title, summary, start_line, end_line, depth, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var insert func(id string, position int) error
	insert = func(id string, position int) error {
		n := t.Nodes[id]
		var parent any
		if n.ParentID != "" {
			parent = n.ParentID
		}
		if _, err := stmt.ExecContext(ctx, t.DocID, n.ID, parent, n.Title, n.Summary,
			n.Start, n.End, n.Depth, position); err != nil {
			return err
		}
		for i, cid := range n.Children {
			if err := insert(cid, i); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert(t.Root, 0); err != nil {
		return err
	}
	return tx.Commit()
}

// Load reconstructs a document's tree. Returns sql.ErrNoRows when the
// document has no stored index.
func (ts *TreeStore) Load(ctx context.Context, docID string) (*Tree, error) {
	rows, err := ts.db.QueryContext(ctx, `
		SELECT node_id, COALESCE(parent_id, ''), title, summary, start_line, end_line, depth, position
		FROM index_nodes
		WHERE doc_id = ?
		ORDER BY parent_id, position`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &Tree{DocID: docID, Nodes: make(map[string]*Node)}
	order := make(map[string][]string)
	for rows.Next() {
		var n Node
		var position int
		if err := rows.Scan(&n.ID, &n.ParentID, &n.Title, &n.Summary,
			&n.Start, &n.End, &n.Depth, &position); err != nil {
			return nil, err
		}
		t.Nodes[n.ID] = &n
		if n.ParentID == "" {
			t.Root = n.ID
		} else {
			// Rows arrive position-ordered within each parent.
			order[n.ParentID] = append(order[n.ParentID], n.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Nodes) == 0 {
		return nil, sql.ErrNoRows
	}
	if t.Root == "" {
		return nil, fmt.Errorf("load tree %s: no root node", docID)
	}

	for parent, children := range order {
		p := t.Nodes[parent]
		if p == nil {
			return nil, fmt.Errorf("load tree %s: missing parent %s", docID, parent)
		}
		p.Children = children
	}
	return t, nil
}

// Delete removes the stored tree for a document.
func (ts *TreeStore) Delete(ctx context.Context, docID string) error {
	_, err := ts.db.ExecContext(ctx, `DELETE FROM index_nodes WHERE doc_id = ?`, docID)
	return err
}

// NodeCount returns the number of stored index nodes for a document.
func (ts *TreeStore) NodeCount(ctx context.Context, docID string) (int, error) {
	var n int
	err := ts.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM index_nodes WHERE doc_id = ?`, docID).Scan(&n)
	return n, err
}
