// Package builder assembles candidate matches into draft ArticleRecords.
// It resolves entities against what is already stored but never writes.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/folia/internal/extract"
	"github.com/kalambet/folia/internal/records"
)

// DefaultMergeGap is the largest distance in bytes between two sentences
// for an incomplete sentence group to be merged into its predecessor.
const DefaultMergeGap = 200

// EntityLookup resolves natural keys to stored entities.
type EntityLookup interface {
	LookupSpecies(ctx context.Context, key string) (records.PlantSpecies, bool, error)
	LookupCommunity(ctx context.Context, key string) (records.Community, bool, error)
}

// IssueKind classifies why a group produced no record.
type IssueKind string

const (
	IssueNoEntityMatched IssueKind = "no_entity_matched"
	IssueLookupFailed    IssueKind = "lookup_failed"
	IssueStorageFailed   IssueKind = "storage_failed"
)

// ValidationIssue describes a candidate group that did not become a record.
type ValidationIssue struct {
	Kind       IssueKind `json:"kind"`
	DocumentID string    `json:"document_id"`
	Sentence   int       `json:"sentence"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

func (v ValidationIssue) String() string {
	s := fmt.Sprintf("%s: sentence %d", v.Kind, v.Sentence)
	if v.Detail != "" {
		s += ": " + v.Detail
	}
	return s
}

// Source identifies the capability that produced the candidates.
type Source struct {
	ExtractorID string
	Version     string
}

// Draft is a record ready for the local store, with its metadata.
type Draft struct {
	Record   *records.ArticleRecord
	Metadata *records.ExtractionMetadata
}

// Result is the outcome of one Build call.
type Result struct {
	Drafts []Draft
	Issues []ValidationIssue
}

// Builder turns candidates into drafts.
type Builder struct {
	lookup    EntityLookup
	threshold float64
	mergeGap  int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithThreshold sets the low-confidence threshold.
func WithThreshold(t float64) Option {
	return func(b *Builder) {
		if t > 0 {
			b.threshold = t
		}
	}
}

// WithMergeGap sets the proximity used to merge incomplete groups.
func WithMergeGap(n int) Option { return func(b *Builder) { b.mergeGap = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Builder) { b.logger = l } }

// New returns a Builder resolving entities through lookup.
func New(lookup EntityLookup, opts ...Option) *Builder {
	b := &Builder{
		lookup:    lookup,
		threshold: records.DefaultLowConfidenceThreshold,
		mergeGap:  DefaultMergeGap,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type group struct {
	sentence   int
	page       int
	start, end int
	matches    []extract.CandidateMatch
}

func (g *group) has(field string) bool {
	for _, m := range g.matches {
		if m.Field == field {
			return true
		}
	}
	return false
}

// Build groups candidates and produces one draft per group that references
// at least one entity. Groups that cannot become records are reported as
// issues; the only error returned is ctx's.
func (b *Builder) Build(ctx context.Context, candidates []extract.CandidateMatch, documentID string, src Source) (Result, error) {
	var res Result
	r := &resolver{
		lookup:      b.lookup,
		speciesMemo: make(map[string]lookupResult[records.PlantSpecies]),
		commMemo:    make(map[string]lookupResult[records.Community]),
	}

	for _, g := range b.group(candidates) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		draft, issue := b.buildGroup(ctx, r, g, documentID, src)
		if issue != nil {
			b.logger.Debug("candidate group skipped", "document_id", documentID, "sentence", issue.Sentence, "kind", issue.Kind)
			res.Issues = append(res.Issues, *issue)
			continue
		}
		res.Drafts = append(res.Drafts, draft)
	}
	return res, nil
}

// group splits candidates by sentence and merges incomplete groups into
// their predecessor when they are close enough.
func (b *Builder) group(candidates []extract.CandidateMatch) []*group {
	var ordered []*group
	bySentence := make(map[int]*group)
	for _, c := range candidates {
		g, ok := bySentence[c.Location.Sentence]
		if !ok {
			g = &group{sentence: c.Location.Sentence, page: c.Location.Page, start: c.Location.Offset, end: c.Location.Offset}
			bySentence[c.Location.Sentence] = g
			ordered = append(ordered, g)
		}
		g.start = min(g.start, c.Location.Offset)
		g.end = max(g.end, c.Location.Offset+c.Location.Length)
		g.matches = append(g.matches, c)
	}

	var merged []*group
	for _, g := range ordered {
		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if prev.page == g.page && g.start-prev.end <= b.mergeGap && complements(prev, g) {
				prev.matches = append(prev.matches, g.matches...)
				prev.end = max(prev.end, g.end)
				continue
			}
		}
		merged = append(merged, g)
	}
	return merged
}

// complements reports whether next only adds what prev lacks: it carries no
// entity at all, or only the entity kind prev is missing.
func complements(prev, next *group) bool {
	ps, pc := prev.has(extract.FieldSpecies), prev.has(extract.FieldCommunity)
	ns, nc := next.has(extract.FieldSpecies), next.has(extract.FieldCommunity)
	switch {
	case !ns && !nc:
		return ps || pc
	case ns && !nc:
		return pc && !ps
	case nc && !ns:
		return ps && !pc
	}
	return false
}

func (b *Builder) buildGroup(ctx context.Context, r *resolver, g *group, documentID string, src Source) (Draft, *ValidationIssue) {
	issue := func(kind IssueKind, detail string) *ValidationIssue {
		return &ValidationIssue{Kind: kind, DocumentID: documentID, Sentence: g.sentence, Excerpt: firstExcerpt(g), Detail: detail}
	}

	conf := make(map[string]float64)
	var failed []string
	var excerpts, uses, regions []string
	commonNames := make(map[string][]string) // species text -> common names

	type named struct {
		text string
		loc  extract.Location
	}
	var speciesC, communityC []named

	for _, m := range g.matches {
		conf[m.Field] = max(conf[m.Field], m.Confidence)
		text := strings.TrimSpace(m.Text)
		switch m.Field {
		case extract.FieldSpecies:
			speciesC = append(speciesC, named{text, m.Location})
		case extract.FieldCommunity:
			communityC = append(communityC, named{text, m.Location})
		case extract.FieldExcerpt:
			excerpts = appendUnique(excerpts, text)
		case extract.FieldUse:
			uses = appendUnique(uses, text)
		case extract.FieldRegion:
			regions = appendUnique(regions, text)
		}
	}
	for _, m := range g.matches {
		if m.Field != extract.FieldCommonName {
			continue
		}
		for _, s := range speciesC {
			if s.loc.Offset == m.Location.Offset {
				commonNames[s.text] = appendUnique(commonNames[s.text], strings.ToLower(strings.TrimSpace(m.Text)))
			}
		}
	}

	var species []records.PlantSpecies
	seen := make(map[string]bool)
	for _, s := range speciesC {
		if !isBinomial(s.text) {
			failed = appendUnique(failed, extract.FieldSpecies+":"+s.text)
			continue
		}
		key := records.SpeciesKey(s.text)
		if seen[key] {
			continue
		}
		seen[key] = true
		sp, found, err := r.species(ctx, key)
		if err != nil {
			return Draft{}, issue(IssueLookupFailed, fmt.Sprintf("species %q: %v", key, err))
		}
		if !found {
			parts := strings.Fields(s.text)
			sp = records.PlantSpecies{
				Key:            key,
				ScientificName: strings.Join(parts, " "),
				Rank:           []records.RankEntry{{Rank: "genus", Name: parts[0]}},
			}
		}
		// The stored entity is shared by every group that resolves key.
		sp.CommonNames = slices.Clone(sp.CommonNames)
		sp.Rank = slices.Clone(sp.Rank)
		for _, cn := range commonNames[s.text] {
			sp.CommonNames = appendUnique(sp.CommonNames, cn)
		}
		species = append(species, sp)
	}

	region := ""
	if len(regions) > 0 {
		region = regions[0]
	}
	var communities []records.Community
	seen = make(map[string]bool)
	for _, c := range communityC {
		name := strings.Join(strings.Fields(c.text), " ")
		if name == "" || !startsWithLetter(name) {
			failed = appendUnique(failed, extract.FieldCommunity+":"+c.text)
			continue
		}
		key := records.CommunityKey(name, region)
		if seen[key] {
			continue
		}
		seen[key] = true
		comm, found, err := r.community(ctx, key)
		if err != nil {
			return Draft{}, issue(IssueLookupFailed, fmt.Sprintf("community %q: %v", key, err))
		}
		if !found {
			comm = records.Community{Key: key, Name: name, Region: region}
		}
		communities = append(communities, comm)
	}

	if len(species) == 0 && len(communities) == 0 {
		return Draft{}, issue(IssueNoEntityMatched, "")
	}

	primary := ""
	if len(excerpts) > 0 {
		primary = excerpts[0]
	} else {
		var keys []string
		for _, s := range species {
			keys = append(keys, s.Key)
		}
		for _, c := range communities {
			keys = append(keys, c.Key)
		}
		primary = fmt.Sprintf("sentence:%d:%s", g.sentence, strings.Join(keys, ","))
	}

	var low []string
	for field, c := range conf {
		if c < b.threshold {
			low = append(low, field)
		}
	}
	sort.Strings(low)

	fingerprint := records.Fingerprint(documentID, primary)
	rec := &records.ArticleRecord{
		DocumentID:  documentID,
		Fingerprint: fingerprint,
		Species:     species,
		Communities: communities,
		Excerpts:    excerpts,
		Uses:        uses,
		Confidence:  conf,
	}
	meta := &records.ExtractionMetadata{
		Fingerprint:      fingerprint,
		ExtractorID:      src.ExtractorID,
		ExtractorVersion: src.Version,
		ExtractedAt:      b.now().UTC(),
		FieldConfidence:  copyConf(conf),
		LowConfidence:    low,
		FailedFields:     failed,
	}
	return Draft{Record: rec, Metadata: meta}, nil
}

type lookupResult[T any] struct {
	value T
	found bool
}

// resolver memoizes lookups for the duration of one Build.
type resolver struct {
	lookup      EntityLookup
	speciesMemo map[string]lookupResult[records.PlantSpecies]
	commMemo    map[string]lookupResult[records.Community]
}

func (r *resolver) species(ctx context.Context, key string) (records.PlantSpecies, bool, error) {
	if res, ok := r.speciesMemo[key]; ok {
		return res.value, res.found, nil
	}
	sp, found, err := r.lookup.LookupSpecies(ctx, key)
	if err != nil {
		return records.PlantSpecies{}, false, err
	}
	r.speciesMemo[key] = lookupResult[records.PlantSpecies]{sp, found}
	return sp, found, nil
}

func (r *resolver) community(ctx context.Context, key string) (records.Community, bool, error) {
	if res, ok := r.commMemo[key]; ok {
		return res.value, res.found, nil
	}
	c, found, err := r.lookup.LookupCommunity(ctx, key)
	if err != nil {
		return records.Community{}, false, err
	}
	r.commMemo[key] = lookupResult[records.Community]{c, found}
	return c, found, nil
}

func isBinomial(s string) bool {
	parts := strings.Fields(s)
	if len(parts) < 2 {
		return false
	}
	genus, epithet := []rune(parts[0]), []rune(parts[1])
	if !unicode.IsUpper(genus[0]) || len(genus) < 2 {
		return false
	}
	for _, r := range epithet {
		if !unicode.IsLower(r) && r != '-' {
			return false
		}
	}
	return true
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

func firstExcerpt(g *group) string {
	for _, m := range g.matches {
		if m.Field == extract.FieldExcerpt {
			return m.Text
		}
	}
	return ""
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func copyConf(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
