package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
)

func newRules(t *testing.T, d *Decoder) *RuleCapability {
	t.Helper()
	g, err := DefaultGazetteer()
	if err != nil {
		t.Fatalf("DefaultGazetteer: %v", err)
	}
	return NewRuleCapability("rules", g, d)
}

func collect(t *testing.T, c Capability, data string) []CandidateMatch {
	t.Helper()
	seq, err := c.Extract(context.Background(), []byte(data), "doc-1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	out, err := Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return out
}

func byField(ms []CandidateMatch) map[string][]CandidateMatch {
	out := make(map[string][]CandidateMatch)
	for _, m := range ms {
		out[m.Field] = append(out[m.Field], m)
	}
	return out
}

func TestExtract_SpeciesCommunityUse(t *testing.T) {
	c := newRules(t, nil)
	got := byField(collect(t, c, "Quercus robur was used by the Sami community for tanning."))

	if len(got[FieldSpecies]) != 1 || got[FieldSpecies][0].Text != "Quercus robur" {
		t.Errorf("species = %+v", got[FieldSpecies])
	}
	if got[FieldSpecies][0].Confidence < 0.9 {
		t.Errorf("known genus confidence = %v", got[FieldSpecies][0].Confidence)
	}
	if len(got[FieldCommunity]) != 1 || got[FieldCommunity][0].Text != "Sami" {
		t.Errorf("community = %+v", got[FieldCommunity])
	}
	if len(got[FieldUse]) != 1 || got[FieldUse][0].Text != "tanning" {
		t.Errorf("use = %+v", got[FieldUse])
	}
	if len(got[FieldExcerpt]) != 1 || got[FieldExcerpt][0].Text != "Quercus robur was used by the Sami community for tanning." {
		t.Errorf("excerpt = %+v", got[FieldExcerpt])
	}
	if len(got[FieldRegion]) != 0 {
		t.Errorf("unexpected region: %+v", got[FieldRegion])
	}
}

func TestExtract_RegionAndUnknownCommunity(t *testing.T) {
	c := newRules(t, nil)
	got := byField(collect(t, c, "The Evenki people in Central Siberia boiled Betula pendula bark for dyeing leather."))

	if len(got[FieldCommunity]) != 1 || got[FieldCommunity][0].Text != "Evenki" {
		t.Fatalf("community = %+v", got[FieldCommunity])
	}
	if got[FieldCommunity][0].Confidence != 0.85 {
		t.Errorf("pattern community confidence = %v", got[FieldCommunity][0].Confidence)
	}
	if len(got[FieldRegion]) != 1 || got[FieldRegion][0].Text != "Central Siberia" {
		t.Errorf("region = %+v", got[FieldRegion])
	}
	if len(got[FieldSpecies]) != 1 || got[FieldSpecies][0].Text != "Betula pendula" {
		t.Errorf("species = %+v", got[FieldSpecies])
	}
}

func TestExtract_CommonNameAndAbbreviation(t *testing.T) {
	c := newRules(t, nil)
	got := byField(collect(t, c, "Maasai herders chew yarrow leaves. Later Q. robur galls were collected."))

	var names []string
	for _, m := range got[FieldSpecies] {
		names = append(names, m.Text)
	}
	if len(names) != 2 || names[0] != "Achillea millefolium" || names[1] != "Quercus robur" {
		t.Errorf("species = %v", names)
	}
	if len(got[FieldCommonName]) != 1 || got[FieldCommonName][0].Text != "yarrow" {
		t.Errorf("common names = %+v", got[FieldCommonName])
	}
	if got[FieldSpecies][1].Location.Sentence != 1 {
		t.Errorf("abbreviated species sentence = %d, want 1", got[FieldSpecies][1].Location.Sentence)
	}
}

func TestExtract_UnknownGenusLowConfidence(t *testing.T) {
	c := newRules(t, nil)
	got := byField(collect(t, c, "Ilex guayusa was brewed by the Kichwa."))
	if len(got[FieldSpecies]) != 1 || got[FieldSpecies][0].Confidence != 0.55 {
		t.Errorf("species = %+v", got[FieldSpecies])
	}
}

func TestExtract_NoEntitiesNoCandidates(t *testing.T) {
	c := newRules(t, nil)
	if got := collect(t, c, "This chapter describes the weather of the region."); len(got) != 0 {
		t.Errorf("candidates = %+v, want none", got)
	}
}

func TestExtract_RestartableAndDeterministic(t *testing.T) {
	c := newRules(t, nil)
	doc := []byte("Quercus robur was used by the Sami community for tanning.\n\nUrtica dioica was used for fibre by the Khanty.")
	seq, err := c.Extract(context.Background(), doc, "doc-1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var first, second []CandidateMatch
	for m := range seq {
		first = append(first, m)
	}
	for m := range seq {
		second = append(second, m)
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("iterations differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("candidate %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}

	again := collect(t, newRules(t, nil), string(doc))
	if len(again) != len(first) {
		t.Errorf("separate capability instance produced %d candidates, want %d", len(again), len(first))
	}
}

func TestExtract_CancelledContextStopsIteration(t *testing.T) {
	c := newRules(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, err := c.Extract(ctx, []byte("Quercus robur by the Sami. Urtica dioica by the Khanty. Salix alba by the Mansi."), "doc-1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	n := 0
	for range seq {
		n++
		cancel()
	}
	if _, err := Collect(ctx, seq); !errors.Is(err, context.Canceled) {
		t.Errorf("Collect after cancel = %v, want context.Canceled", err)
	}
	if n == 0 {
		t.Error("expected at least one candidate before cancellation")
	}
}

func TestExtract_Unavailable(t *testing.T) {
	c := newRules(t, nil)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"whitespace", []byte("   \n ")},
		{"binary", []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00, 0x10}},
		{"image without ocr", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")},
		{"corrupt pdf", []byte("%PDF-1.7 garbage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Extract(context.Background(), tt.data, "doc-x")
			if !errors.Is(err, ErrExtractionUnavailable) {
				t.Errorf("Extract = %v, want ErrExtractionUnavailable", err)
			}
			var ue *UnavailableError
			if errors.As(err, &ue) && ue.DocumentID != "doc-x" {
				t.Errorf("DocumentID = %q", ue.DocumentID)
			}
		})
	}
}

type fakeOCR struct {
	text Text
	err  error
	mime string
}

func (f *fakeOCR) Recognize(_ context.Context, _ []byte, mimeType string) (Text, error) {
	f.mime = mimeType
	return f.text, f.err
}

func TestExtract_ImageThroughOCR(t *testing.T) {
	ocr := &fakeOCR{text: Text{Pages: []string{"Salix alba bark was used by the Mansi people to treat fever."}}}
	c := newRules(t, &Decoder{OCR: ocr})
	got := byField(collect(t, c, "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))

	if ocr.mime != "image/png" {
		t.Errorf("OCR mime = %q", ocr.mime)
	}
	if len(got[FieldSpecies]) != 1 || got[FieldSpecies][0].Text != "Salix alba" {
		t.Errorf("species = %+v", got[FieldSpecies])
	}
	if len(got[FieldUse]) != 1 || got[FieldUse][0].Text != "fever" {
		t.Errorf("use = %+v", got[FieldUse])
	}
}

func TestDecode_HTML(t *testing.T) {
	d := &Decoder{}
	html := `<html><head><title>Notes</title><script>var x = "Zea mays";</script></head>
<body><nav>Home</nav><p>Zea mays was grown by the Quechua community for food.</p></body></html>`
	text, err := d.Decode(context.Background(), "doc-h", []byte(html))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text.MimeType != "text/html" {
		t.Errorf("MimeType = %q", text.MimeType)
	}
	if !bytes.Contains([]byte(text.Pages[0]), []byte("grown by the Quechua")) {
		t.Errorf("page text = %q", text.Pages[0])
	}
	if bytes.Contains([]byte(text.Pages[0]), []byte("var x")) {
		t.Errorf("script leaked into text: %q", text.Pages[0])
	}
}

func TestDecode_DOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip Create: %v", err)
	}
	w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="w"><w:body>` +
		`<w:p><w:r><w:t>Plantago major was applied to wounds by the Ainu.</w:t></w:r></w:p>` +
		`</w:body></w:document>`))
	zw.Close()

	text, err := (&Decoder{}).Decode(context.Background(), "doc-d", buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Contains([]byte(text.Pages[0]), []byte("Plantago major was applied")) {
		t.Errorf("docx text = %q", text.Pages[0])
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Q. robur grows here, e.g. in Norway. Second one!\n\nThird  part")
	want := []string{"Q. robur grows here, e.g. in Norway.", "Second one!", "Third  part"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %+v", got)
	}
	for i := range want {
		if got[i].text != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i].text, want[i])
		}
	}
	if got[1].offset != 37 {
		t.Errorf("offset of second sentence = %d, want 37", got[1].offset)
	}
}

func TestGazetteer(t *testing.T) {
	g, err := ParseGazetteer([]byte("version: t1\nspecies:\n  - name: Quercus robur\n    common: [oak]\ncommunities:\n  - name: Sami\n    aliases: [Saami]\n"))
	if err != nil {
		t.Fatalf("ParseGazetteer: %v", err)
	}
	if !g.KnownGenus("Quercus") || g.KnownGenus("Betula") {
		t.Error("KnownGenus mismatch")
	}
	if c, ok := g.LookupCommunity("saami"); !ok || c.Name != "Sami" {
		t.Errorf("LookupCommunity(saami) = %+v, %v", c, ok)
	}
	if _, err := ParseGazetteer([]byte("species: []")); err == nil {
		t.Error("expected error for gazetteer without version")
	}

	c := NewRuleCapability("rules", g, nil)
	if c.Version() != rulesVersion+"+gazetteer.t1" {
		t.Errorf("Version = %q", c.Version())
	}
}

func TestRegistry(t *testing.T) {
	c := newRules(t, nil)
	r := NewRegistry(c)
	if got, err := r.Get("rules"); err != nil || got != c {
		t.Errorf("Get(rules) = %v, %v", got, err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown capability")
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "rules" {
		t.Errorf("IDs = %v", ids)
	}
}
