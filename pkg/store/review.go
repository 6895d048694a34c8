// ABOUTME: Review queue operations
// ABOUTME: List, resubmit and discard documents that exhausted the pipeline

package store

import (
	"context"
	"fmt"

	"github.com/gomaslegal/lexengine/pkg/document"
)

// ListReview returns all documents awaiting human review, with their
// full error history, oldest first.
func (s *Store) ListReview(ctx context.Context) ([]*document.Document, error) {
	return s.ListByStates(ctx, document.StateReview)
}

// CountReview returns the number of documents awaiting review.
func (s *Store) CountReview(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE state = ?`,
		string(document.StateReview)).Scan(&n)
	return n, err
}

// Resubmit returns a reviewed document to the pipeline at the given
// state, resetting its attempt budget. Use StateStabilizing when the
// source artifact itself is suspect, or the failed stage's state to
// retry from where it stopped.
func (s *Store) Resubmit(ctx context.Context, id string, at document.State) error {
	if !document.StateReview.CanTransition(at) {
		return fmt.Errorf("cannot resubmit %s into %s", id, at)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET state = ?, attempts = 0, updated_at = datetime('now')
		WHERE id = ? AND state = ?`,
		string(at), id, string(document.StateReview))
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, s.db, res, id); err != nil {
		return err
	}
	return s.Audit(ctx, id, "resubmit", "re-entered pipeline at "+string(at))
}

// Discard removes a document from the active set. The document row
// flips to a terminal discarded state and an audit record is kept.
func (s *Store) Discard(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET state = ?, updated_at = datetime('now')
		WHERE id = ? AND state = ?`,
		string(document.StateDiscarded), id, string(document.StateReview))
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, s.db, res, id); err != nil {
		return err
	}
	return s.Audit(ctx, id, "discard", reason)
}
