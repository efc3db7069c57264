package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

// Patch is a user-approved edit. Nil fields are left unchanged.
type Patch struct {
	Species     *[]records.PlantSpecies `json:"species,omitempty"`
	Communities *[]records.Community    `json:"communities,omitempty"`
	Excerpts    *[]string               `json:"excerpts,omitempty"`
	Uses        *[]string               `json:"uses,omitempty"`
}

// Edit applies a user edit and bumps the record revision. The sync status is
// left to the reconciler, which notices the edit on its next local phase.
func (g *Gateway) Edit(ctx context.Context, id records.RecordID, p Patch) (*records.ArticleRecord, error) {
	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, records.ErrNotFound
	}

	if p.Species != nil {
		rec.Species = normalizeSpecies(*p.Species)
	}
	if p.Communities != nil {
		rec.Communities = normalizeCommunities(*p.Communities)
	}
	if p.Excerpts != nil {
		rec.Excerpts = append([]string(nil), *p.Excerpts...)
	}
	if p.Uses != nil {
		rec.Uses = append([]string(nil), *p.Uses...)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	rec.Revision++
	rec.UpdatedAt = g.now().UTC()
	if err := g.db.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving edit: %w", err)
	}
	return rec, nil
}

// Delete turns a record into a tombstone so the deletion replicates.
func (g *Gateway) Delete(ctx context.Context, id records.RecordID) error {
	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}
	rec.Deleted = true
	rec.Revision++
	rec.UpdatedAt = g.now().UTC()
	return g.db.SaveRecord(ctx, rec)
}

// ApplyRemote overwrites the local copy with a remote version. It only
// succeeds when remoteRevision is newer than the stored revision, so a
// record's revision never decreases. Unknown records are inserted in
// StatusPendingPull; known records keep their status.
func (g *Gateway) ApplyRemote(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision records.Revision) error {
	return g.applyRemote(ctx, id, remote, remoteRevision, nil)
}

// ApplyRemoteIfUnchanged is ApplyRemote guarded by the local revision the
// caller decided on: if the stored record is no longer at seen (zero for a
// record that did not exist), nothing is written and ErrStaleRemoteWrite is
// returned. The check and the write happen under the record lock, so a user
// edit made after the decision is never overwritten.
func (g *Gateway) ApplyRemoteIfUnchanged(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision, seen records.Revision) error {
	return g.applyRemote(ctx, id, remote, remoteRevision, &seen)
}

func (g *Gateway) applyRemote(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision records.Revision, seen *records.Revision) error {
	if err := validRemote(id, remote); err != nil {
		return err
	}

	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec := g.fromRemote(id, remote, remoteRevision)
	existing, err := g.db.GetRecord(ctx, id)
	switch {
	case errors.Is(err, records.ErrNotFound):
		if seen != nil && *seen != 0 {
			return fmt.Errorf("record %s vanished before the remote apply: %w", id, records.ErrStaleRemoteWrite)
		}
		rec.Status = records.StatusPendingPull
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.UpdatedAt
		}
	case err != nil:
		return err
	default:
		if seen != nil && existing.Revision != *seen {
			return fmt.Errorf("record %s moved to revision %d, expected %d: %w", id, existing.Revision, *seen, records.ErrStaleRemoteWrite)
		}
		if remoteRevision <= existing.Revision {
			return fmt.Errorf("record %s at revision %d, remote %d: %w", id, existing.Revision, remoteRevision, records.ErrStaleRemoteWrite)
		}
		rec.Status = existing.Status
		rec.CreatedAt = existing.CreatedAt
		if rec.Fingerprint == "" {
			rec.Fingerprint = existing.Fingerprint
		}
	}

	g.releaseFingerprint(ctx, rec)
	return g.db.SaveRecord(ctx, rec)
}

// TakeRemote replaces the content of a conflicted record with the remote
// version at remoteRevision, which becomes the new base. The stored revision
// never goes down: when local revisions already reach remoteRevision the
// record is placed one revision above it and replicates as an edit. The
// status is left unchanged.
func (g *Gateway) TakeRemote(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision records.Revision) (*records.ArticleRecord, error) {
	if err := validRemote(id, remote); err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(string(id))
	defer unlock()

	existing, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := g.fromRemote(id, remote, remoteRevision)
	if existing.Revision >= remoteRevision {
		rec.Revision = existing.Revision + 1
	}
	rec.Status = existing.Status
	rec.CreatedAt = existing.CreatedAt
	if rec.Fingerprint == "" {
		rec.Fingerprint = existing.Fingerprint
	}

	g.releaseFingerprint(ctx, rec)
	if err := g.db.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func validRemote(id records.RecordID, remote *records.ArticleRecord) error {
	if remote == nil {
		return fmt.Errorf("apply remote %s: nil record", id)
	}
	if err := remote.Validate(); err != nil {
		return fmt.Errorf("apply remote %s: %w", id, err)
	}
	return nil
}

func (g *Gateway) fromRemote(id records.RecordID, remote *records.ArticleRecord, remoteRevision records.Revision) *records.ArticleRecord {
	rec := remote.Clone()
	rec.ID = id
	rec.Species = normalizeSpecies(rec.Species)
	rec.Communities = normalizeCommunities(rec.Communities)
	rec.Revision = remoteRevision
	rec.BaseRevision = remoteRevision
	rec.UpdatedAt = g.now().UTC()
	return rec
}

// releaseFingerprint clears rec's fingerprint when a different local record
// already holds it.
func (g *Gateway) releaseFingerprint(ctx context.Context, rec *records.ArticleRecord) {
	if rec.Fingerprint == "" {
		return
	}
	other, err := g.db.GetRecordByFingerprint(ctx, rec.Fingerprint)
	if err == nil && other.ID != rec.ID {
		// Another device extracted the same passage under a different id.
		g.logger.Warn("remote record shares a fingerprint with a local record",
			"record_id", rec.ID, "local_id", other.ID)
		rec.Fingerprint = ""
	}
}

// SetSyncStatus moves a record to status. Entering StatusConflict requires
// the pending decision; leaving it discards the stored decision.
func (g *Gateway) SetSyncStatus(ctx context.Context, id records.RecordID, status records.SyncStatus, conflict *records.Conflict) error {
	if !status.Valid() {
		return fmt.Errorf("unknown sync status %q", status)
	}
	if status == records.StatusConflict && conflict == nil {
		return errors.New("conflict status requires a conflict decision")
	}

	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if conflict != nil {
		conflict.RecordID = id
		conflict.LocalRevision = rec.Revision
		conflict.BaseRevision = rec.BaseRevision
		if conflict.DetectedAt.IsZero() {
			conflict.DetectedAt = g.now().UTC()
		}
	}
	return g.db.UpdateSync(ctx, id, storage.SyncUpdate{
		Status:       status,
		Revision:     rec.Revision,
		BaseRevision: rec.BaseRevision,
		Conflict:     conflict,
	})
}

// MarkPushed records that pushedRevision was accepted by the remote as
// newRevision. If the record was edited while the push was in flight, the
// extra local revisions are kept on top of newRevision and the record stays
// StatusPendingPush; otherwise it becomes StatusSynced. The resulting status
// is returned.
func (g *Gateway) MarkPushed(ctx context.Context, id records.RecordID, pushedRevision, newRevision records.Revision) (records.SyncStatus, error) {
	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}

	u := storage.SyncUpdate{
		Status:       records.StatusSynced,
		Revision:     newRevision,
		BaseRevision: newRevision,
	}
	if extra := rec.Revision - pushedRevision; extra > 0 {
		u.Status = records.StatusPendingPush
		u.Revision = newRevision + extra
	}
	if err := g.db.UpdateSync(ctx, id, u); err != nil {
		return "", err
	}
	return u.Status, nil
}

// Rebase makes remoteRevision the new common ancestor of the local copy and
// places the local content on top of it. When merged is non-nil its content
// replaces the local content. The status is left unchanged.
func (g *Gateway) Rebase(ctx context.Context, id records.RecordID, remoteRevision records.Revision, merged *records.ArticleRecord) (*records.ArticleRecord, error) {
	unlock := g.locks.Lock(string(id))
	defer unlock()

	rec, err := g.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	rec.BaseRevision = remoteRevision
	rec.Revision = max(rec.Revision, remoteRevision) + 1

	if merged == nil {
		err = g.db.UpdateSync(ctx, id, storage.SyncUpdate{
			Status:       rec.Status,
			Revision:     rec.Revision,
			BaseRevision: rec.BaseRevision,
		})
		return rec, err
	}

	rec.Species = normalizeSpecies(merged.Species)
	rec.Communities = normalizeCommunities(merged.Communities)
	rec.Excerpts = append([]string(nil), merged.Excerpts...)
	rec.Uses = append([]string(nil), merged.Uses...)
	rec.Deleted = merged.Deleted
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.UpdatedAt = g.now().UTC()
	if err := g.db.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func normalizeSpecies(in []records.PlantSpecies) []records.PlantSpecies {
	out := make([]records.PlantSpecies, 0, len(in))
	for _, s := range in {
		if s.Key == "" {
			s.Key = records.SpeciesKey(s.ScientificName)
		}
		if s.Key == "" {
			continue
		}
		if s.ScientificName == "" {
			s.ScientificName = s.Key
		}
		out = append(out, s)
	}
	return out
}

func normalizeCommunities(in []records.Community) []records.Community {
	out := make([]records.Community, 0, len(in))
	for _, c := range in {
		if c.Key == "" {
			c.Key = records.CommunityKey(c.Name, c.Region)
		}
		if c.Key == "" {
			continue
		}
		if c.Name == "" {
			c.Name = c.Key
		}
		out = append(out, c)
	}
	return out
}
