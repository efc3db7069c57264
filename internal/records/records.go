// Package records defines the data model shared by the extraction pipeline,
// the local store and the sync reconciler.
package records

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// RecordID identifies an ArticleRecord across devices.
type RecordID string

// Revision is a per-record counter. Higher means newer.
type Revision int64

// Cursor is an opaque position in the local change log.
type Cursor string

// SyncStatus is the replication state of a single record.
type SyncStatus string

const (
	StatusLocal       SyncStatus = "local"
	StatusPendingPush SyncStatus = "pending_push"
	StatusSynced      SyncStatus = "synced"
	StatusPendingPull SyncStatus = "pending_pull"
	StatusConflict    SyncStatus = "conflict"
)

// Statuses lists every SyncStatus in display order.
var Statuses = []SyncStatus{StatusLocal, StatusPendingPush, StatusSynced, StatusPendingPull, StatusConflict}

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// RankEntry is one level of a taxonomic rank chain, e.g. {genus, Quercus}.
type RankEntry struct {
	Rank string `json:"rank" yaml:"rank"`
	Name string `json:"name" yaml:"name"`
}

// PlantSpecies is identified by its normalized scientific name.
type PlantSpecies struct {
	Key            string      `json:"key"`
	ScientificName string      `json:"scientific_name"`
	CommonNames    []string    `json:"common_names,omitempty"`
	Rank           []RankEntry `json:"rank,omitempty"`
}

// Community is identified by its normalized name plus optional region.
type Community struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

// ArticleRecord is one ethnobotanical observation extracted from a document.
type ArticleRecord struct {
	ID           RecordID           `json:"id"`
	DocumentID   string             `json:"document_id"`
	Fingerprint  string             `json:"fingerprint"`
	Species      []PlantSpecies     `json:"species"`
	Communities  []Community        `json:"communities"`
	Excerpts     []string           `json:"excerpts"`
	Uses         []string           `json:"uses,omitempty"`
	Confidence   map[string]float64 `json:"confidence,omitempty"`
	Status       SyncStatus         `json:"status"`
	Revision     Revision           `json:"revision"`
	BaseRevision Revision           `json:"base_revision"`
	Deleted      bool               `json:"deleted,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Validate enforces the entity invariant: a record must reference at least
// one species or one community.
func (r *ArticleRecord) Validate() error {
	if len(r.Species) == 0 && len(r.Communities) == 0 {
		return ErrNoEntityMatched
	}
	return nil
}

// Dirty reports whether the record carries local revisions not yet
// acknowledged by the remote.
func (r *ArticleRecord) Dirty() bool {
	return r.Revision > r.BaseRevision
}

// SpeciesKeys returns the natural keys of the referenced species.
func (r *ArticleRecord) SpeciesKeys() []string {
	keys := make([]string, len(r.Species))
	for i, s := range r.Species {
		keys[i] = s.Key
	}
	return keys
}

// CommunityKeys returns the natural keys of the referenced communities.
func (r *ArticleRecord) CommunityKeys() []string {
	keys := make([]string, len(r.Communities))
	for i, c := range r.Communities {
		keys[i] = c.Key
	}
	return keys
}

// Clone returns a deep copy of r.
func (r *ArticleRecord) Clone() *ArticleRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Species = make([]PlantSpecies, len(r.Species))
	for i, s := range r.Species {
		s.CommonNames = append([]string(nil), s.CommonNames...)
		s.Rank = append([]RankEntry(nil), s.Rank...)
		c.Species[i] = s
	}
	c.Communities = append([]Community(nil), r.Communities...)
	c.Excerpts = append([]string(nil), r.Excerpts...)
	c.Uses = append([]string(nil), r.Uses...)
	if r.Confidence != nil {
		c.Confidence = make(map[string]float64, len(r.Confidence))
		for k, v := range r.Confidence {
			c.Confidence[k] = v
		}
	}
	return &c
}

// ExtractionMetadata records how a record was produced. It is immutable once
// attached to a record.
type ExtractionMetadata struct {
	ID               string             `json:"id"`
	RecordID         RecordID           `json:"record_id"`
	Fingerprint      string             `json:"fingerprint"`
	ExtractorID      string             `json:"extractor_id"`
	ExtractorVersion string             `json:"extractor_version"`
	ExtractedAt      time.Time          `json:"extracted_at"`
	FieldConfidence  map[string]float64 `json:"field_confidence,omitempty"`
	LowConfidence    []string           `json:"low_confidence,omitempty"`
	FailedFields     []string           `json:"failed_fields,omitempty"`
}

// Conflict is the pending decision attached to a record in StatusConflict.
type Conflict struct {
	RecordID       RecordID       `json:"record_id"`
	LocalRevision  Revision       `json:"local_revision"`
	BaseRevision   Revision       `json:"base_revision"`
	RemoteRevision Revision       `json:"remote_revision"`
	Remote         *ArticleRecord `json:"remote,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// RemoteChange is one entry of the remote change feed.
type RemoteChange struct {
	ID       RecordID       `json:"id"`
	Revision Revision       `json:"revision"`
	Record   *ArticleRecord `json:"record"`
}

// AppConfiguration is the read-only view of configuration the core needs.
type AppConfiguration struct {
	RemoteEndpoint         string
	Capability             string
	SyncInterval           time.Duration
	LowConfidenceThreshold float64
}

// DefaultLowConfidenceThreshold is used when the configuration leaves it unset.
const DefaultLowConfidenceThreshold = 0.5

// Threshold returns the configured low-confidence threshold or the default.
func (c AppConfiguration) Threshold() float64 {
	if c.LowConfidenceThreshold <= 0 {
		return DefaultLowConfidenceThreshold
	}
	return c.LowConfidenceThreshold
}

// SpeciesKey normalizes a scientific name into its natural key.
func SpeciesKey(scientificName string) string {
	return collapse(strings.ToLower(scientificName))
}

// CommunityKey normalizes a community name and optional region qualifier.
func CommunityKey(name, region string) string {
	key := collapse(strings.ToLower(name))
	if r := collapse(strings.ToLower(region)); r != "" {
		key += "|" + r
	}
	return key
}

// Fingerprint derives the stable dedup key for a record extracted from the
// given document with the given primary excerpt.
func Fingerprint(documentID, primaryExcerpt string) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(collapse(primaryExcerpt)))
	return hex.EncodeToString(h.Sum(nil))
}

func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
