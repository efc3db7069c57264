package builder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/folia/internal/extract"
	"github.com/kalambet/folia/internal/records"
)

type mockLookup struct {
	species     map[string]records.PlantSpecies
	communities map[string]records.Community
	speciesFn   func(key string) error
	calls       int
}

func (m *mockLookup) LookupSpecies(_ context.Context, key string) (records.PlantSpecies, bool, error) {
	m.calls++
	if m.speciesFn != nil {
		if err := m.speciesFn(key); err != nil {
			return records.PlantSpecies{}, false, err
		}
	}
	s, ok := m.species[key]
	return s, ok, nil
}

func (m *mockLookup) LookupCommunity(_ context.Context, key string) (records.Community, bool, error) {
	m.calls++
	c, ok := m.communities[key]
	return c, ok, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder(l EntityLookup, opts ...Option) *Builder {
	return New(l, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func cand(field, text string, sentence, offset int, conf float64) extract.CandidateMatch {
	return extract.CandidateMatch{
		Field:      field,
		Text:       text,
		Location:   extract.Location{Page: 1, Sentence: sentence, Offset: offset, Length: len(text)},
		Confidence: conf,
	}
}

func extractAll(t *testing.T, text string) []extract.CandidateMatch {
	t.Helper()
	g, err := extract.DefaultGazetteer()
	if err != nil {
		t.Fatalf("DefaultGazetteer: %v", err)
	}
	c := extract.NewRuleCapability("rules", g, nil)
	seq, err := c.Extract(context.Background(), []byte(text), "doc-1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	out, err := extract.Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return out
}

func TestBuild_SingleSentence(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := extractAll(t, "Quercus robur was used by the Sami community for tanning.")

	res, err := b.Build(context.Background(), cands, "doc-1", Source{ExtractorID: "rules", Version: "1.0"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Drafts) != 1 || len(res.Issues) != 0 {
		t.Fatalf("drafts=%d issues=%+v", len(res.Drafts), res.Issues)
	}
	rec := res.Drafts[0].Record
	if keys := rec.SpeciesKeys(); len(keys) != 1 || keys[0] != "quercus robur" {
		t.Errorf("species keys = %v", keys)
	}
	if keys := rec.CommunityKeys(); len(keys) != 1 || keys[0] != "sami" {
		t.Errorf("community keys = %v", keys)
	}
	if len(rec.Uses) != 1 || rec.Uses[0] != "tanning" {
		t.Errorf("uses = %v", rec.Uses)
	}
	want := records.Fingerprint("doc-1", "Quercus robur was used by the Sami community for tanning.")
	if rec.Fingerprint != want {
		t.Errorf("fingerprint = %s, want %s", rec.Fingerprint, want)
	}

	meta := res.Drafts[0].Metadata
	if meta.ExtractorID != "rules" || meta.ExtractorVersion != "1.0" || !meta.ExtractedAt.Equal(fixedNow) {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Fingerprint != rec.Fingerprint {
		t.Error("metadata fingerprint differs from record")
	}
	if meta.FieldConfidence[extract.FieldSpecies] != 0.9 {
		t.Errorf("species confidence = %v", meta.FieldConfidence[extract.FieldSpecies])
	}
}

func TestBuild_Deterministic(t *testing.T) {
	cands := extractAll(t, "Quercus robur was used by the Sami community for tanning.")
	a, _ := newTestBuilder(&mockLookup{}).Build(context.Background(), cands, "doc-1", Source{})
	b, _ := newTestBuilder(&mockLookup{}).Build(context.Background(), cands, "doc-1", Source{})
	if a.Drafts[0].Record.Fingerprint != b.Drafts[0].Record.Fingerprint {
		t.Error("fingerprint not stable across builds")
	}
}

func TestBuild_NoEntityIsIssue(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Leaves were dried for tea.", 0, 0, 1),
		cand(extract.FieldUse, "tea", 0, 22, 0.6),
	}
	res, err := b.Build(context.Background(), cands, "doc-1", Source{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Drafts) != 0 {
		t.Errorf("drafts = %d, want 0", len(res.Drafts))
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != IssueNoEntityMatched {
		t.Fatalf("issues = %+v", res.Issues)
	}
	if res.Issues[0].Excerpt != "Leaves were dried for tea." {
		t.Errorf("issue excerpt = %q", res.Issues[0].Excerpt)
	}
}

func TestBuild_ReusesStoredEntities(t *testing.T) {
	stored := records.PlantSpecies{
		Key:            "quercus robur",
		ScientificName: "Quercus robur",
		CommonNames:    []string{"pedunculate oak"},
		Rank:           []records.RankEntry{{Rank: "family", Name: "Fagaceae"}},
	}
	l := &mockLookup{species: map[string]records.PlantSpecies{"quercus robur": stored}}
	b := newTestBuilder(l)
	cands := extractAll(t, "Quercus robur was used by the Sami community for tanning. Quercus robur bark was also used by the Khanty for dyeing.")

	res, err := b.Build(context.Background(), cands, "doc-1", Source{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Drafts) != 2 {
		t.Fatalf("drafts = %d, want 2", len(res.Drafts))
	}
	for _, d := range res.Drafts {
		sp := d.Record.Species[0]
		if len(sp.Rank) != 1 || sp.Rank[0].Name != "Fagaceae" {
			t.Errorf("species not reused from store: %+v", sp)
		}
	}
	// quercus robur once, sami once, khanty once
	if l.calls != 3 {
		t.Errorf("lookup calls = %d, want 3", l.calls)
	}
}

func TestBuild_CommonNamesStayPerRecord(t *testing.T) {
	names := make([]string, 1, 4)
	names[0] = "pedunculate oak"
	stored := records.PlantSpecies{Key: "quercus robur", ScientificName: "Quercus robur", CommonNames: names}
	b := newTestBuilder(&mockLookup{species: map[string]records.PlantSpecies{"quercus robur": stored}})
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Quercus robur (oak) was used by the Sami.", 0, 0, 1),
		cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
		cand(extract.FieldCommonName, "oak", 0, 0, 0.7),
		cand(extract.FieldCommunity, "Sami", 0, 36, 0.95),
		cand(extract.FieldExcerpt, "Quercus robur (english oak) was used by the Khanty.", 1, 600, 1),
		cand(extract.FieldSpecies, "Quercus robur", 1, 600, 0.9),
		cand(extract.FieldCommonName, "english oak", 1, 600, 0.7),
		cand(extract.FieldCommunity, "Khanty", 1, 644, 0.95),
	}

	res, err := b.Build(context.Background(), cands, "doc-1", Source{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Drafts) != 2 {
		t.Fatalf("drafts = %d, want 2", len(res.Drafts))
	}
	want := [][]string{{"pedunculate oak", "oak"}, {"pedunculate oak", "english oak"}}
	for i, d := range res.Drafts {
		got := d.Record.Species[0].CommonNames
		if strings.Join(got, ",") != strings.Join(want[i], ",") {
			t.Errorf("draft %d common names = %v, want %v", i, got, want[i])
		}
	}
	if len(stored.CommonNames) != 1 || names[:2][1] != "" {
		t.Errorf("stored entity modified: %v", names[:2])
	}
}

func TestBuild_NewSpeciesGetsGenusRank(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Ilex guayusa was brewed.", 0, 0, 1),
		cand(extract.FieldSpecies, "Ilex  guayusa", 0, 0, 0.55),
	}
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	if len(res.Drafts) != 1 {
		t.Fatalf("drafts = %d", len(res.Drafts))
	}
	sp := res.Drafts[0].Record.Species[0]
	if sp.Key != "ilex guayusa" || sp.ScientificName != "Ilex guayusa" {
		t.Errorf("species = %+v", sp)
	}
	if len(sp.Rank) != 1 || sp.Rank[0] != (records.RankEntry{Rank: "genus", Name: "Ilex"}) {
		t.Errorf("rank = %+v", sp.Rank)
	}
	if low := res.Drafts[0].Metadata.LowConfidence; len(low) != 0 {
		t.Errorf("low confidence = %v, want none at 0.55 with default threshold", low)
	}
}

func TestBuild_LowConfidenceThreshold(t *testing.T) {
	b := newTestBuilder(&mockLookup{}, WithThreshold(0.7))
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Ilex guayusa was brewed by the Kichwa.", 0, 0, 1),
		cand(extract.FieldSpecies, "Ilex guayusa", 0, 0, 0.55),
		cand(extract.FieldCommunity, "Kichwa", 0, 31, 0.6),
	}
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	low := res.Drafts[0].Metadata.LowConfidence
	if len(low) != 2 || low[0] != extract.FieldCommunity || low[1] != extract.FieldSpecies {
		t.Errorf("low confidence = %v", low)
	}
}

func TestBuild_FailedFieldRecorded(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Sami herders used quercus.", 0, 0, 1),
		cand(extract.FieldSpecies, "quercus", 0, 18, 0.5),
		cand(extract.FieldCommunity, "Sami", 0, 0, 0.95),
	}
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	if len(res.Drafts) != 1 {
		t.Fatalf("drafts = %d", len(res.Drafts))
	}
	if len(res.Drafts[0].Record.Species) != 0 {
		t.Errorf("malformed species kept: %+v", res.Drafts[0].Record.Species)
	}
	if failed := res.Drafts[0].Metadata.FailedFields; len(failed) != 1 || failed[0] != "species:quercus" {
		t.Errorf("failed fields = %v", failed)
	}
}

func TestBuild_RegionQualifiesCommunity(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := extractAll(t, "The Evenki people in Central Siberia boiled Betula pendula bark for dyeing leather.")
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	if len(res.Drafts) != 1 {
		t.Fatalf("drafts = %d, issues = %+v", len(res.Drafts), res.Issues)
	}
	c := res.Drafts[0].Record.Communities[0]
	if c.Key != "evenki|central siberia" || c.Region != "Central Siberia" {
		t.Errorf("community = %+v", c)
	}
}

func TestBuild_ProximityMerge(t *testing.T) {
	tests := []struct {
		name       string
		gap        int
		cands      []extract.CandidateMatch
		wantDrafts int
		wantIssues int
	}{
		{
			name: "complementary kinds merge",
			gap:  DefaultMergeGap,
			cands: []extract.CandidateMatch{
				cand(extract.FieldExcerpt, "Quercus robur bark is astringent.", 0, 0, 1),
				cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
				cand(extract.FieldExcerpt, "The Sami used it for tanning.", 1, 34, 1),
				cand(extract.FieldCommunity, "Sami", 1, 38, 0.95),
			},
			wantDrafts: 1,
		},
		{
			name: "use-only sentence merges",
			gap:  DefaultMergeGap,
			cands: []extract.CandidateMatch{
				cand(extract.FieldExcerpt, "Quercus robur grows here.", 0, 0, 1),
				cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
				cand(extract.FieldExcerpt, "It was taken for fever.", 1, 26, 1),
				cand(extract.FieldUse, "fever", 1, 43, 0.6),
			},
			wantDrafts: 1,
		},
		{
			name: "same kind stays separate",
			gap:  DefaultMergeGap,
			cands: []extract.CandidateMatch{
				cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
				cand(extract.FieldSpecies, "Salix alba", 1, 30, 0.9),
			},
			wantDrafts: 2,
		},
		{
			name: "too far apart",
			gap:  10,
			cands: []extract.CandidateMatch{
				cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
				cand(extract.FieldUse, "fever", 1, 500, 0.6),
			},
			wantDrafts: 1,
			wantIssues: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(&mockLookup{}, WithMergeGap(tt.gap))
			res, err := b.Build(context.Background(), tt.cands, "doc-1", Source{})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if len(res.Drafts) != tt.wantDrafts || len(res.Issues) != tt.wantIssues {
				t.Errorf("drafts=%d issues=%d, want %d/%d", len(res.Drafts), len(res.Issues), tt.wantDrafts, tt.wantIssues)
			}
		})
	}
}

func TestBuild_MergedRecordUsesFirstExcerpt(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := []extract.CandidateMatch{
		cand(extract.FieldExcerpt, "Quercus robur bark is astringent.", 0, 0, 1),
		cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
		cand(extract.FieldExcerpt, "The Sami used it for tanning.", 1, 34, 1),
		cand(extract.FieldCommunity, "Sami", 1, 38, 0.95),
	}
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	rec := res.Drafts[0].Record
	if len(rec.Excerpts) != 2 {
		t.Errorf("excerpts = %v", rec.Excerpts)
	}
	if rec.Fingerprint != records.Fingerprint("doc-1", "Quercus robur bark is astringent.") {
		t.Error("fingerprint should derive from the first excerpt")
	}
}

func TestBuild_LookupFailureOnlyAffectsItsGroup(t *testing.T) {
	l := &mockLookup{speciesFn: func(key string) error {
		if key == "salix alba" {
			return errors.New("db locked")
		}
		return nil
	}}
	b := newTestBuilder(l)
	cands := []extract.CandidateMatch{
		cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9),
		cand(extract.FieldSpecies, "Salix alba", 1, 300, 0.9),
	}
	res, err := b.Build(context.Background(), cands, "doc-1", Source{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Drafts) != 1 || res.Drafts[0].Record.Species[0].Key != "quercus robur" {
		t.Errorf("drafts = %+v", res.Drafts)
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != IssueLookupFailed || res.Issues[0].Sentence != 1 {
		t.Errorf("issues = %+v", res.Issues)
	}
}

func TestBuild_CommonNameAttachedToSpecies(t *testing.T) {
	b := newTestBuilder(&mockLookup{})
	cands := extractAll(t, "Maasai herders chew yarrow leaves.")
	res, _ := b.Build(context.Background(), cands, "doc-1", Source{})
	if len(res.Drafts) != 1 {
		t.Fatalf("drafts = %d", len(res.Drafts))
	}
	sp := res.Drafts[0].Record.Species[0]
	if sp.Key != "achillea millefolium" || len(sp.CommonNames) != 1 || sp.CommonNames[0] != "yarrow" {
		t.Errorf("species = %+v", sp)
	}
}

func TestBuild_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newTestBuilder(&mockLookup{})
	_, err := b.Build(ctx, []extract.CandidateMatch{cand(extract.FieldSpecies, "Quercus robur", 0, 0, 0.9)}, "doc-1", Source{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Build = %v, want context.Canceled", err)
	}
}
