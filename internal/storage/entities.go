package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/folia/internal/records"
)

// saveEntities registers the species and communities a record refers to.
// Known keys keep their first stored form.
func saveEntities(ctx context.Context, q queryer, rec *records.ArticleRecord) error {
	now := formatTime(time.Now())
	for _, sp := range rec.Species {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO species (key, scientific_name, common_names, rank_json, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			sp.Key, sp.ScientificName, mustJSON(nonNil(sp.CommonNames)), mustJSON(nonNil(sp.Rank)), now,
		); err != nil {
			return fmt.Errorf("saving species %q: %w", sp.Key, err)
		}
	}
	for _, c := range rec.Communities {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO communities (key, name, region, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			c.Key, c.Name, c.Region, now,
		); err != nil {
			return fmt.Errorf("saving community %q: %w", c.Key, err)
		}
	}
	return nil
}

// GetSpecies loads a species by natural key.
func (s *Store) GetSpecies(ctx context.Context, key string) (records.PlantSpecies, error) {
	var sp records.PlantSpecies
	var commonNames, rank string
	err := s.db.QueryRowContext(ctx, `SELECT key, scientific_name, common_names, rank_json FROM species WHERE key = ?`, key).
		Scan(&sp.Key, &sp.ScientificName, &commonNames, &rank)
	if err == sql.ErrNoRows {
		return records.PlantSpecies{}, ErrNotFound
	}
	if err != nil {
		return records.PlantSpecies{}, err
	}
	if err := fromJSON("common_names", commonNames, &sp.CommonNames); err != nil {
		return records.PlantSpecies{}, err
	}
	if err := fromJSON("rank_json", rank, &sp.Rank); err != nil {
		return records.PlantSpecies{}, err
	}
	return sp, nil
}

// GetCommunity loads a community by natural key.
func (s *Store) GetCommunity(ctx context.Context, key string) (records.Community, error) {
	var c records.Community
	err := s.db.QueryRowContext(ctx, `SELECT key, name, region FROM communities WHERE key = ?`, key).
		Scan(&c.Key, &c.Name, &c.Region)
	if err == sql.ErrNoRows {
		return records.Community{}, ErrNotFound
	}
	return c, err
}

// SaveSpecies stores a species unless its key is already known.
func (s *Store) SaveSpecies(ctx context.Context, sp records.PlantSpecies) error {
	return saveEntities(ctx, s.db, &records.ArticleRecord{Species: []records.PlantSpecies{sp}})
}

// SaveCommunity stores a community unless its key is already known.
func (s *Store) SaveCommunity(ctx context.Context, c records.Community) error {
	return saveEntities(ctx, s.db, &records.ArticleRecord{Communities: []records.Community{c}})
}

// --- Extraction metadata ---

func insertMetadata(ctx context.Context, q queryer, m *records.ExtractionMetadata) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO extraction_metadata (id, record_id, fingerprint, extractor_id, extractor_version, extracted_at,
			field_confidence, low_confidence, failed_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.RecordID), m.Fingerprint, m.ExtractorID, m.ExtractorVersion, formatTime(m.ExtractedAt),
		mustJSON(nonNilMap(m.FieldConfidence)), mustJSON(nonNil(m.LowConfidence)), mustJSON(nonNil(m.FailedFields)),
	)
	if err != nil {
		return fmt.Errorf("saving extraction metadata for %s: %w", m.RecordID, err)
	}
	return nil
}

// ListMetadata returns the extraction metadata attached to a record.
func (s *Store) ListMetadata(ctx context.Context, id records.RecordID) ([]records.ExtractionMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, fingerprint, extractor_id, extractor_version, extracted_at,
			field_confidence, low_confidence, failed_fields
		FROM extraction_metadata WHERE record_id = ? ORDER BY extracted_at ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []records.ExtractionMetadata
	for rows.Next() {
		var m records.ExtractionMetadata
		var recordID, extractedAt, fieldConf, low, failed string
		if err := rows.Scan(&m.ID, &recordID, &m.Fingerprint, &m.ExtractorID, &m.ExtractorVersion, &extractedAt,
			&fieldConf, &low, &failed); err != nil {
			return nil, err
		}
		m.RecordID = records.RecordID(recordID)
		if m.ExtractedAt, err = parseTime("extracted_at", extractedAt); err != nil {
			return nil, err
		}
		if err := fromJSON("field_confidence", fieldConf, &m.FieldConfidence); err != nil {
			return nil, err
		}
		if err := fromJSON("low_confidence", low, &m.LowConfidence); err != nil {
			return nil, err
		}
		if err := fromJSON("failed_fields", failed, &m.FailedFields); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
