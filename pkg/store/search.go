// ABOUTME: Full-text document search over the FTS5 table
// ABOUTME: BM25-ranked, with a LIKE fallback for malformed queries

package store

import (
	"context"
	"database/sql"

	"github.com/gomaslegal/lexengine/pkg/document"
)

// SearchResult is one document-level full-text search hit.
type SearchResult struct {
	DocumentID string
	Filename   string
	Type       string
	State      document.State
	Rank       float64 // BM25 rank; lower is better
}

// Search runs a full-text query over filenames, types, tags and
// extracted entities. FTS5 syntax errors fall back to a LIKE scan so
// operator typos never surface as failures.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.doc_id, d.original_filename, COALESCE(d.doc_type, ''), d.state, bm25(documents_fts) AS rank
		FROM documents_fts f
		JOIN documents d ON d.id = f.doc_id
		WHERE documents_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return s.searchLike(ctx, query, limit)
	}
	defer rows.Close()

	results, err := scanSearchRows(rows)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) searchLike(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_filename, COALESCE(doc_type, ''), state, 0.0
		FROM documents
		WHERE original_filename LIKE ? OR doc_type LIKE ?
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSearchRows(rows)
}

func scanSearchRows(rows *sql.Rows) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var state string
		if err := rows.Scan(&r.DocumentID, &r.Filename, &r.Type, &state, &r.Rank); err != nil {
			return nil, err
		}
		r.State = document.State(state)
		results = append(results, r)
	}
	return results, rows.Err()
}
