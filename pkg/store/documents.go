// ABOUTME: Document CRUD and state transitions
// ABOUTME: Optimistic transitions commit artifact reference and state together

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gomaslegal/lexengine/pkg/document"
)

// CreateDocument registers a new document in its initial state.
// Returns ErrDuplicate when the fingerprint is already known.
func (s *Store) CreateDocument(ctx context.Context, doc *document.Document) error {
	outputs, err := json.Marshal(doc.StageOutputs)
	if err != nil {
		return err
	}
	if doc.StageOutputs == nil {
		outputs = []byte("{}")
	}

	now := time.Now().UTC()
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = now
	}
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, fingerprint, source_path, original_filename, state, stage_outputs, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Fingerprint, doc.SourcePath, doc.OriginalFilename,
		string(doc.State), string(outputs), doc.ReceivedAt, doc.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("create document: %w", err)
	}

	return s.upsertFTS(ctx, s.db, doc.ID, doc.OriginalFilename, "", "", "")
}

// GetDocument loads a document with its full error history.
func (s *Store) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	return s.getDocument(ctx, `WHERE id = ?`, id)
}

// GetByFingerprint loads the document registered for a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fp string) (*document.Document, error) {
	return s.getDocument(ctx, `WHERE fingerprint = ?`, fp)
}

func (s *Store) getDocument(ctx context.Context, where string, arg any) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, source_path, original_filename, state,
		       doc_type, confidence, tags, entities, pages, stage_outputs,
		       received_at, indexed_at, updated_at
		FROM documents `+where, arg)

	var doc document.Document
	var state string
	var docType, tags, entities sql.NullString
	var confidence sql.NullFloat64
	var outputs string
	var indexedAt sql.NullTime

	err := row.Scan(&doc.ID, &doc.Fingerprint, &doc.SourcePath, &doc.OriginalFilename,
		&state, &docType, &confidence, &tags, &entities, &doc.Pages, &outputs,
		&doc.ReceivedAt, &indexedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc.State = document.State(state)
	if indexedAt.Valid {
		doc.IndexedAt = indexedAt.Time
	}
	if err := json.Unmarshal([]byte(outputs), &doc.StageOutputs); err != nil {
		return nil, fmt.Errorf("decode stage outputs for %s: %w", doc.ID, err)
	}
	if docType.Valid {
		doc.Classification = &document.Classification{
			Type:       docType.String,
			Confidence: confidence.Float64,
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &doc.Classification.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for %s: %w", doc.ID, err)
			}
		}
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &doc.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", doc.ID, err)
		}
	}

	history, err := s.errorHistory(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	doc.ErrorHistory = history

	return &doc, nil
}

func (s *Store) errorHistory(ctx context.Context, id string) ([]document.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, kind, message, attempt, created_at
		FROM document_errors WHERE doc_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []document.ErrorRecord
	for rows.Next() {
		var rec document.ErrorRecord
		if err := rows.Scan(&rec.Stage, &rec.Kind, &rec.Message, &rec.Attempt, &rec.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// Transition moves a document from one state to another. The update is
// optimistic: it only commits if the document is still in the expected
// state, otherwise ErrConflict is returned and the caller retries.
func (s *Store) Transition(ctx context.Context, id string, from, to document.State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", from, to, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET state = ?, updated_at = datetime('now') WHERE id = ? AND state = ?`,
		string(to), id, string(from))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, s.db, res, id)
}

// AdvanceStage commits a completed stage: the artifact reference, the
// state advance and the attempt-counter reset land in one transaction,
// so there is never a durable output without a state advance.
func (s *Store) AdvanceStage(ctx context.Context, id string, from, to document.State, stage, artifactPath string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", from, to, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var outputs string
	err = tx.QueryRowContext(ctx, `SELECT stage_outputs FROM documents WHERE id = ?`, id).Scan(&outputs)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	m := map[string]string{}
	if err := json.Unmarshal([]byte(outputs), &m); err != nil {
		return fmt.Errorf("decode stage outputs for %s: %w", id, err)
	}
	if stage != "" {
		m[stage] = artifactPath
	}
	updated, err := json.Marshal(m)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET state = ?, stage_outputs = ?, attempts = 0, updated_at = datetime('now')
		WHERE id = ? AND state = ?`,
		string(to), string(updated), id, string(from))
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, tx, res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// checkTransition turns a zero-row optimistic update into ErrConflict,
// or ErrNotFound when the document does not exist at all. The existence
// check runs on q: inside a transaction it must use the transaction's
// connection, since the store holds a single one.
func (s *Store) checkTransition(ctx context.Context, q rowQuerier, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// RecordError appends to the error history and bumps the per-stage
// attempt counter. Returns the attempt count after the increment.
func (s *Store) RecordError(ctx context.Context, id string, rec document.ErrorRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_errors (doc_id, stage, kind, message, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, rec.Stage, rec.Kind, rec.Message, rec.Attempt, rec.Timestamp); err != nil {
		return 0, err
	}

	var attempts int
	err = tx.QueryRowContext(ctx, `
		UPDATE documents SET attempts = attempts + 1, updated_at = datetime('now')
		WHERE id = ? RETURNING attempts`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	return attempts, tx.Commit()
}

// Attempts returns the current per-stage attempt counter.
func (s *Store) Attempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM documents WHERE id = ?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return n, err
}

// UpdateClassification stores the classify stage's result and refreshes
// the search index.
func (s *Store) UpdateClassification(ctx context.Context, id string, c document.Classification, ents document.Entities) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	entities, err := json.Marshal(ents)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET doc_type = ?, confidence = ?, tags = ?, entities = ?, updated_at = datetime('now')
		WHERE id = ?`,
		c.Type, c.Confidence, string(tags), string(entities), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var filename string
	if err := tx.QueryRowContext(ctx, `SELECT original_filename FROM documents WHERE id = ?`, id).Scan(&filename); err != nil {
		return err
	}
	if err := s.upsertFTS(ctx, tx, id, filename, c.Type, strings.Join(c.Tags, " "), entityText(ents)); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPages records the page count reported by OCR.
func (s *Store) SetPages(ctx context.Context, id string, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET pages = ?, updated_at = datetime('now') WHERE id = ?`, pages, id)
	return err
}

// MarkIndexed stamps the terminal indexed state.
func (s *Store) MarkIndexed(ctx context.Context, id string, from document.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET state = ?, indexed_at = datetime('now'), updated_at = datetime('now')
		WHERE id = ? AND state = ?`,
		string(document.StateIndexed), id, string(from))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, s.db, res, id)
}

// ListSnapshots returns the minimal view of every non-discarded
// document, newest first. Sent to new notification subscribers.
func (s *Store) ListSnapshots(ctx context.Context) ([]document.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, original_filename, COALESCE(doc_type, ''), updated_at
		FROM documents WHERE state != ? ORDER BY received_at DESC`,
		string(document.StateDiscarded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.Snapshot
	for rows.Next() {
		var snap document.Snapshot
		var state string
		if err := rows.Scan(&snap.DocumentID, &state, &snap.Filename, &snap.Type, &snap.Timestamp); err != nil {
			return nil, err
		}
		snap.State = document.State(state)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListByStates returns full documents currently in any of the given
// states. The startup recovery sweep uses this to resume work.
func (s *Store) ListByStates(ctx context.Context, states ...document.State) ([]*document.Document, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE state IN (`+strings.Join(placeholders, ",")+`) ORDER BY received_at`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) upsertFTS(ctx context.Context, q execer, id, filename, docType, tags, entities string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM documents_fts WHERE doc_id = ?`, id); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents_fts (doc_id, filename, doc_type, tags, entities)
		VALUES (?, ?, ?, ?, ?)`,
		id, filename, docType, tags, entities)
	return err
}

func entityText(e document.Entities) string {
	var parts []string
	for _, group := range [][]string{e.Dockets, e.Parties, e.Courts, e.Dates, e.Statutes, e.Resolution} {
		parts = append(parts, group...)
	}
	return strings.Join(parts, " ")
}
