package storage

import (
	"context"
	"database/sql"
	"time"
)

// SaveDocument stores an uploaded document. An empty Status means pending.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	now := formatTime(time.Now())
	status := d.Status
	if status == "" {
		status = DocumentPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, mime_type, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.MimeType, d.Content, status, now, now,
	)
	return err
}

// GetDocument loads a document including its content.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, name, mime_type, content, status, result_json, error, created_at, updated_at
		FROM documents WHERE id = ?`, id), true)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// UpdateDocumentResult records the outcome of processing a document.
func (s *Store) UpdateDocumentResult(ctx context.Context, id, status, resultJSON, errMsg string) error {
	return s.execOne(ctx, `UPDATE documents SET status = ?, result_json = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(resultJSON), nullString(errMsg), formatTime(time.Now()), id)
}

// ListDocuments returns documents without their content, newest first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, mime_type, NULL, status, result_json, error, created_at, updated_at
		FROM documents ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDocument(row scanner, withContent bool) (Document, error) {
	var d Document
	var content []byte
	var result, errMsg sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Name, &d.MimeType, &content, &d.Status, &result, &errMsg, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	if withContent {
		d.Content = content
	}
	d.ResultJSON = result.String
	d.Error = errMsg.String
	var err error
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
