package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kalambet/folia/internal/records"
)

var recordColumns = []string{
	"id", "document_id", "fingerprint", "species_json", "communities_json",
	"excerpts_json", "uses_json", "confidence_json", "status", "revision",
	"base_revision", "deleted", "created_at", "updated_at",
}

// InsertRecord stores a freshly extracted record together with its
// extraction metadata and any entities not yet known, in one transaction.
func (s *Store) InsertRecord(ctx context.Context, rec *records.ArticleRecord, meta *records.ExtractionMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveEntities(ctx, tx, rec); err != nil {
		return err
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return err
	}
	if meta != nil {
		if err := insertMetadata(ctx, tx, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRecord inserts or replaces a record's content and appends it to the
// change log.
func (s *Store) SaveRecord(ctx context.Context, rec *records.ArticleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveEntities(ctx, tx, rec); err != nil {
		return err
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func writeRecord(ctx context.Context, q queryer, rec *records.ArticleRecord) error {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(change_seq), 0) + 1 FROM records`).Scan(&seq); err != nil {
		return fmt.Errorf("allocating change sequence: %w", err)
	}

	var fingerprint sql.NullString
	if rec.Fingerprint != "" {
		fingerprint = sql.NullString{String: rec.Fingerprint, Valid: true}
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO records (id, document_id, fingerprint, species_json, communities_json, species_keys, community_keys,
			excerpts_json, uses_json, confidence_json, status, revision, base_revision, deleted, change_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			fingerprint = excluded.fingerprint,
			species_json = excluded.species_json,
			communities_json = excluded.communities_json,
			species_keys = excluded.species_keys,
			community_keys = excluded.community_keys,
			excerpts_json = excluded.excerpts_json,
			uses_json = excluded.uses_json,
			confidence_json = excluded.confidence_json,
			status = excluded.status,
			revision = excluded.revision,
			base_revision = excluded.base_revision,
			deleted = excluded.deleted,
			change_seq = excluded.change_seq,
			updated_at = excluded.updated_at`,
		string(rec.ID), rec.DocumentID, fingerprint,
		mustJSON(nonNil(rec.Species)), mustJSON(nonNil(rec.Communities)),
		keyList(rec.SpeciesKeys()), keyList(rec.CommunityKeys()),
		mustJSON(nonNil(rec.Excerpts)), mustJSON(nonNil(rec.Uses)), mustJSON(nonNilMap(rec.Confidence)),
		string(rec.Status), int64(rec.Revision), int64(rec.BaseRevision), deleted, seq,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("writing record %s: %w", rec.ID, err)
	}
	return nil
}

// SyncUpdate changes the replication bookkeeping of a record without
// touching its content or the change log.
type SyncUpdate struct {
	Status       records.SyncStatus
	Revision     records.Revision
	BaseRevision records.Revision
	// Conflict must be set when Status is StatusConflict. For every other
	// status the stored conflict, if any, is removed.
	Conflict *records.Conflict
}

// UpdateSync applies u to record id.
func (s *Store) UpdateSync(ctx context.Context, id records.RecordID, u SyncUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sync update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE records SET status = ?, revision = ?, base_revision = ?, updated_at = ? WHERE id = ?`,
		string(u.Status), int64(u.Revision), int64(u.BaseRevision), formatTime(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("updating sync state of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if u.Status == records.StatusConflict && u.Conflict != nil {
		c := u.Conflict
		var remote sql.NullString
		if c.Remote != nil {
			remote = sql.NullString{String: mustJSON(c.Remote), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conflicts (record_id, local_revision, base_revision, remote_revision, remote_json, detected_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET
				local_revision = excluded.local_revision,
				base_revision = excluded.base_revision,
				remote_revision = excluded.remote_revision,
				remote_json = excluded.remote_json,
				detected_at = excluded.detected_at`,
			string(id), int64(c.LocalRevision), int64(c.BaseRevision), int64(c.RemoteRevision), remote, formatTime(c.DetectedAt))
	} else if u.Status != records.StatusConflict {
		_, err = tx.ExecContext(ctx, `DELETE FROM conflicts WHERE record_id = ?`, string(id))
	}
	if err != nil {
		return fmt.Errorf("storing conflict for %s: %w", id, err)
	}

	return tx.Commit()
}

// GetRecord loads a record by id, including tombstones.
func (s *Store) GetRecord(ctx context.Context, id records.RecordID) (*records.ArticleRecord, error) {
	query, args, err := build(sq.Select(recordColumns...).From("records").Where(sq.Eq{"id": string(id)}))
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetRecordByFingerprint loads the record extracted with the given fingerprint.
func (s *Store) GetRecordByFingerprint(ctx context.Context, fingerprint string) (*records.ArticleRecord, error) {
	query, args, err := build(sq.Select(recordColumns...).From("records").Where(sq.Eq{"fingerprint": fingerprint}))
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// EnumerateSince returns change log entries with a sequence greater than seq,
// oldest first.
func (s *Store) EnumerateSince(ctx context.Context, seq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := build(sq.Select("id", "status", "revision", "change_seq").
		From("records").
		Where(sq.Gt{"change_seq": seq}).
		OrderBy("change_seq ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var id, status string
		var rev int64
		if err := rows.Scan(&id, &status, &rev, &c.Seq); err != nil {
			return nil, err
		}
		c.ID = records.RecordID(id)
		c.Status = records.SyncStatus(status)
		c.Revision = records.Revision(rev)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// ListRecords returns records matching f, newest first.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]*records.ArticleRecord, error) {
	q := sq.Select(recordColumns...).From("records").OrderBy("created_at DESC", "id ASC")
	if !f.IncludeDeleted {
		q = q.Where(sq.Eq{"deleted": 0})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.DocumentID != "" {
		q = q.Where(sq.Eq{"document_id": f.DocumentID})
	}
	if f.SpeciesKey != "" {
		q = q.Where(sq.Like{"species_keys": "%|" + records.SpeciesKey(f.SpeciesKey) + "|%"})
	}
	if f.CommunityKey != "" {
		q = q.Where(sq.Like{"community_keys": "%|" + strings.ToLower(f.CommunityKey) + "%"})
	}
	if f.Text != "" {
		pattern := "%" + f.Text + "%"
		q = q.Where(sq.Or{
			sq.Like{"excerpts_json": pattern},
			sq.Like{"species_json": pattern},
			sq.Like{"communities_json": pattern},
			sq.Like{"uses_json": pattern},
		})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := build(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*records.ArticleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRecords returns the number of stored records, tombstones included.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// CountByStatus returns the number of records per sync status.
func (s *Store) CountByStatus(ctx context.Context) (map[records.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[records.SyncStatus]int, len(records.Statuses))
	for _, st := range records.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[records.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// GetConflict returns the pending conflict decision for a record.
func (s *Store) GetConflict(ctx context.Context, id records.RecordID) (*records.Conflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `
		SELECT record_id, local_revision, base_revision, remote_revision, remote_json, detected_at
		FROM conflicts WHERE record_id = ?`, string(id)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConflicts returns all pending conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]*records.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, local_revision, base_revision, remote_revision, remote_json, detected_at
		FROM conflicts ORDER BY detected_at ASC, record_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*records.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (*records.ArticleRecord, error) {
	var (
		rec                                    records.ArticleRecord
		id, status, createdAt, updatedAt       string
		fingerprint                            sql.NullString
		speciesJSON, communitiesJSON           string
		excerptsJSON, usesJSON, confidenceJSON string
		revision, base                         int64
		deleted                                int
	)
	if err := row.Scan(&id, &rec.DocumentID, &fingerprint, &speciesJSON, &communitiesJSON,
		&excerptsJSON, &usesJSON, &confidenceJSON, &status, &revision, &base, &deleted,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.ID = records.RecordID(id)
	rec.Fingerprint = fingerprint.String
	rec.Status = records.SyncStatus(status)
	rec.Revision = records.Revision(revision)
	rec.BaseRevision = records.Revision(base)
	rec.Deleted = deleted != 0

	if err := fromJSON("species_json", speciesJSON, &rec.Species); err != nil {
		return nil, err
	}
	if err := fromJSON("communities_json", communitiesJSON, &rec.Communities); err != nil {
		return nil, err
	}
	if err := fromJSON("excerpts_json", excerptsJSON, &rec.Excerpts); err != nil {
		return nil, err
	}
	if err := fromJSON("uses_json", usesJSON, &rec.Uses); err != nil {
		return nil, err
	}
	if err := fromJSON("confidence_json", confidenceJSON, &rec.Confidence); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanConflict(row scanner) (*records.Conflict, error) {
	var (
		c                   records.Conflict
		id, detectedAt      string
		local, base, remote int64
		remoteJSON          sql.NullString
	)
	if err := row.Scan(&id, &local, &base, &remote, &remoteJSON, &detectedAt); err != nil {
		return nil, err
	}
	c.RecordID = records.RecordID(id)
	c.LocalRevision = records.Revision(local)
	c.BaseRevision = records.Revision(base)
	c.RemoteRevision = records.Revision(remote)
	if remoteJSON.Valid {
		c.Remote = &records.ArticleRecord{}
		if err := fromJSON("remote_json", remoteJSON.String, c.Remote); err != nil {
			return nil, err
		}
	}
	var err error
	if c.DetectedAt, err = parseTime("detected_at", detectedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// keyList encodes natural keys as "|a|b|" so a key can be matched with LIKE.
func keyList(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return "|" + strings.Join(keys, "|") + "|"
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
