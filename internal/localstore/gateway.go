// Package localstore is the single gateway to locally persisted records.
// Every mutation of a record goes through it and is serialized per record.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

// Persistence is the storage the gateway writes through.
type Persistence interface {
	InsertRecord(ctx context.Context, rec *records.ArticleRecord, meta *records.ExtractionMetadata) error
	SaveRecord(ctx context.Context, rec *records.ArticleRecord) error
	UpdateSync(ctx context.Context, id records.RecordID, u storage.SyncUpdate) error
	GetRecord(ctx context.Context, id records.RecordID) (*records.ArticleRecord, error)
	GetRecordByFingerprint(ctx context.Context, fingerprint string) (*records.ArticleRecord, error)
	EnumerateSince(ctx context.Context, seq int64, limit int) ([]storage.Change, error)
	ListRecords(ctx context.Context, f storage.RecordFilter) ([]*records.ArticleRecord, error)
	CountByStatus(ctx context.Context) (map[records.SyncStatus]int, error)
	GetConflict(ctx context.Context, id records.RecordID) (*records.Conflict, error)
	ListConflicts(ctx context.Context) ([]*records.Conflict, error)
	ListMetadata(ctx context.Context, id records.RecordID) ([]records.ExtractionMetadata, error)
	GetSpecies(ctx context.Context, key string) (records.PlantSpecies, error)
	GetCommunity(ctx context.Context, key string) (records.Community, error)
}

// Gateway mediates all reads and writes of ArticleRecords.
type Gateway struct {
	db     Persistence
	locks  *keyedMutex
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New returns a Gateway writing through db.
func New(db Persistence, opts ...Option) *Gateway {
	g := &Gateway{
		db:     db,
		locks:  newKeyedMutex(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Upsert persists a freshly built record. It is idempotent by fingerprint:
// if a record with the same fingerprint exists, its id is returned and
// nothing is written, so re-extraction never overwrites a stored record.
func (g *Gateway) Upsert(ctx context.Context, rec *records.ArticleRecord, meta *records.ExtractionMetadata) (records.RecordID, bool, error) {
	if err := rec.Validate(); err != nil {
		return "", false, err
	}
	if rec.Fingerprint == "" {
		return "", false, errors.New("upsert: record has no fingerprint")
	}

	unlock := g.locks.Lock("fp:" + rec.Fingerprint)
	defer unlock()

	existing, err := g.db.GetRecordByFingerprint(ctx, rec.Fingerprint)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, records.ErrNotFound) {
		return "", false, fmt.Errorf("looking up fingerprint: %w", err)
	}

	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = records.RecordID(g.newID())
	}
	now := g.now().UTC()
	stored.Status = records.StatusLocal
	stored.Revision = 1
	stored.BaseRevision = 0
	stored.Deleted = false
	stored.CreatedAt = now
	stored.UpdatedAt = now

	var m *records.ExtractionMetadata
	if meta != nil {
		mc := *meta
		if mc.ID == "" {
			mc.ID = g.newID()
		}
		mc.RecordID = stored.ID
		mc.Fingerprint = stored.Fingerprint
		if mc.ExtractedAt.IsZero() {
			mc.ExtractedAt = now
		}
		m = &mc
	}

	unlockID := g.locks.Lock(string(stored.ID))
	defer unlockID()

	if err := g.db.InsertRecord(ctx, stored, m); err != nil {
		return "", false, fmt.Errorf("inserting record: %w", err)
	}
	return stored.ID, true, nil
}

// Get returns a record by id. Tombstones are returned too.
func (g *Gateway) Get(ctx context.Context, id records.RecordID) (*records.ArticleRecord, error) {
	return g.db.GetRecord(ctx, id)
}

// List returns records matching f.
func (g *Gateway) List(ctx context.Context, f storage.RecordFilter) ([]*records.ArticleRecord, error) {
	return g.db.ListRecords(ctx, f)
}

// Metadata returns the extraction metadata of a record.
func (g *Gateway) Metadata(ctx context.Context, id records.RecordID) ([]records.ExtractionMetadata, error) {
	if _, err := g.db.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return g.db.ListMetadata(ctx, id)
}

// Conflicts returns every record awaiting a conflict decision.
func (g *Gateway) Conflicts(ctx context.Context) ([]*records.Conflict, error) {
	return g.db.ListConflicts(ctx)
}

// Conflict returns the pending decision for one record.
func (g *Gateway) Conflict(ctx context.Context, id records.RecordID) (*records.Conflict, error) {
	return g.db.GetConflict(ctx, id)
}

// StatusCounts returns the number of records per sync status.
func (g *Gateway) StatusCounts(ctx context.Context) (map[records.SyncStatus]int, error) {
	return g.db.CountByStatus(ctx)
}

// LookupSpecies resolves a species by natural key.
func (g *Gateway) LookupSpecies(ctx context.Context, key string) (records.PlantSpecies, bool, error) {
	sp, err := g.db.GetSpecies(ctx, key)
	if errors.Is(err, records.ErrNotFound) {
		return records.PlantSpecies{}, false, nil
	}
	if err != nil {
		return records.PlantSpecies{}, false, err
	}
	return sp, true, nil
}

// LookupCommunity resolves a community by natural key.
func (g *Gateway) LookupCommunity(ctx context.Context, key string) (records.Community, bool, error) {
	c, err := g.db.GetCommunity(ctx, key)
	if errors.Is(err, records.ErrNotFound) {
		return records.Community{}, false, nil
	}
	if err != nil {
		return records.Community{}, false, err
	}
	return c, true, nil
}

// ChangesSince returns records changed after cursor, oldest first, and the
// cursor to resume from. An empty cursor starts from the beginning.
func (g *Gateway) ChangesSince(ctx context.Context, cursor records.Cursor, limit int) ([]storage.Change, records.Cursor, error) {
	seq, err := parseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	changes, err := g.db.EnumerateSince(ctx, seq, limit)
	if err != nil {
		return nil, cursor, err
	}
	if len(changes) == 0 {
		return nil, cursor, nil
	}
	return changes, records.Cursor(strconv.FormatInt(changes[len(changes)-1].Seq, 10)), nil
}

func parseCursor(c records.Cursor) (int64, error) {
	if c == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", c)
	}
	return seq, nil
}
