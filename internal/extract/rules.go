package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const rulesVersion = "1.3.0"

var (
	binomialRe    = regexp.MustCompile(`\b([A-Z][a-z]{2,})\s+([a-z][a-z-]{2,})\b`)
	abbreviatedRe = regexp.MustCompile(`\b([A-Z])\.\s*([a-z][a-z-]{2,})\b`)
	communityRe   = regexp.MustCompile(`\b(?:[Tt]he\s+)?([A-Z][\p{L}'-]+(?:[ -][A-Z][\p{L}'-]+)?)\s+(?:community|communities|people|peoples|tribe|tribes|villagers|nation|healers|herders)\b`)
	byTheRe       = regexp.MustCompile(`\bby\s+the\s+([A-Z][\p{L}'-]+)\b`)
	regionRe      = regexp.MustCompile(`\b(?:in|from)\s+(?:the\s+)?([A-Z][\p{L}-]+(?:\s+[A-Z][\p{L}-]+)?)`)
	useRe         = regexp.MustCompile(`\b(?:for|to\s+treat|against|to\s+make)\s+([a-z][a-z -]{2,40}?)(?:[.,;:!?]|\s+(?:by|in|and|among|with|from|of|during)\b|$)`)
	latinEpithet  = regexp.MustCompile(`(?:us|um|a|is|ii|ae|i|ensis|oides|folia|flora|ata|ica|ides|ans|ens|ex|or|ur)$`)
)

var notGenus = wordSet(`The This That These Those There In It Its A An And But For From With When Where
	While After Before During Among Many Some Most Both Such Their They We Our Each One Two Several Traditional
	Local Older Women Men Elders Children Leaves Roots Bark Fresh Dried Young Old Other All His Her Every Only
	Plants Species Healers Herders People`)

var notEpithet = wordSet(`was were is are has had have used been being and the for with from that this which
	community communities people peoples tribe tribes villagers nation healers herders also not are may can
	could would will its their then than into onto over under`)

var sentenceAbbrev = wordSet(`e.g i.e cf var subsp ssp sp spp approx etc fig al vol no`)

// RuleCapability matches species, communities, uses and regions with
// regular expressions backed by a gazetteer.
type RuleCapability struct {
	id        string
	gazetteer *Gazetteer
	decoder   *Decoder
}

// NewRuleCapability returns a rule-based capability identified by id.
func NewRuleCapability(id string, g *Gazetteer, d *Decoder) *RuleCapability {
	if d == nil {
		d = &Decoder{}
	}
	return &RuleCapability{id: id, gazetteer: g, decoder: d}
}

func (c *RuleCapability) ID() string { return c.id }

// Version changes whenever the rules or the gazetteer change.
func (c *RuleCapability) Version() string {
	return rulesVersion + "+gazetteer." + c.gazetteer.Version
}

// Extract decodes data and returns its candidates. Iteration stops early
// once ctx is cancelled.
func (c *RuleCapability) Extract(ctx context.Context, data []byte, documentID string) (Candidates, error) {
	text, err := c.decoder.Decode(ctx, documentID, data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return func(yield func(CandidateMatch) bool) {
		idx := 0
		for p, page := range text.Pages {
			for _, s := range splitSentences(page) {
				if ctx.Err() != nil {
					return
				}
				for _, m := range c.matchSentence(s, p+1, idx) {
					if !yield(m) {
						return
					}
				}
				idx++
			}
		}
	}, nil
}

type sentence struct {
	text   string
	offset int
}

type span struct{ start, end int }

func (s span) overlaps(o span) bool { return s.start < o.end && o.start < s.end }

func (c *RuleCapability) matchSentence(s sentence, page, idx int) []CandidateMatch {
	var out []CandidateMatch
	var entitySpans []span

	add := func(field, text string, start, end int, conf float64) {
		out = append(out, CandidateMatch{
			Field:      field,
			Text:       text,
			Location:   Location{Page: page, Sentence: idx, Offset: s.offset + start, Length: end - start},
			Confidence: conf,
		})
	}
	covered := func(sp span) bool {
		for _, e := range entitySpans {
			if e.overlaps(sp) {
				return true
			}
		}
		return false
	}

	// Species: full binomials, abbreviated binomials, common names.
	for _, m := range binomialRe.FindAllStringSubmatchIndex(s.text, -1) {
		genus, epithet := s.text[m[2]:m[3]], s.text[m[4]:m[5]]
		if notGenus[genus] || notEpithet[epithet] {
			continue
		}
		conf := 0.9
		if !c.gazetteer.KnownGenus(genus) {
			if !latinEpithet.MatchString(epithet) {
				continue
			}
			conf = 0.55
		}
		add(FieldSpecies, genus+" "+epithet, m[0], m[1], conf)
		entitySpans = append(entitySpans, span{m[0], m[1]})
	}
	for _, m := range abbreviatedRe.FindAllStringSubmatchIndex(s.text, -1) {
		if sp, ok := c.gazetteer.ResolveAbbreviated(s.text[m[2]], s.text[m[4]:m[5]]); ok {
			add(FieldSpecies, sp.Name, m[0], m[1], 0.75)
			entitySpans = append(entitySpans, span{m[0], m[1]})
		}
	}
	if re := c.gazetteer.commonRe; re != nil {
		for _, m := range re.FindAllStringSubmatchIndex(s.text, -1) {
			raw := s.text[m[2]:m[3]]
			sp := c.gazetteer.byCommon[strings.ToLower(raw)]
			if sp == nil || covered(span{m[2], m[3]}) {
				continue
			}
			add(FieldCommonName, raw, m[2], m[3], 0.7)
			add(FieldSpecies, sp.Name, m[2], m[3], 0.7)
			entitySpans = append(entitySpans, span{m[2], m[3]})
		}
	}

	// Communities: gazetteer names, "<Name> community" patterns, "by the <Name>".
	var communitySpans []span
	if re := c.gazetteer.communityRe; re != nil {
		for _, m := range re.FindAllStringSubmatchIndex(s.text, -1) {
			gc, _ := c.gazetteer.LookupCommunity(s.text[m[2]:m[3]])
			if gc == nil {
				continue
			}
			add(FieldCommunity, gc.Name, m[2], m[3], 0.95)
			communitySpans = append(communitySpans, span{m[2], m[3]})
		}
	}
	for _, m := range communityRe.FindAllStringSubmatchIndex(s.text, -1) {
		name := s.text[m[2]:m[3]]
		sp := span{m[2], m[3]}
		if notGenus[name] || covered(sp) || overlapsAny(communitySpans, sp) {
			continue
		}
		add(FieldCommunity, name, m[2], m[3], 0.85)
		communitySpans = append(communitySpans, sp)
	}
	for _, m := range byTheRe.FindAllStringSubmatchIndex(s.text, -1) {
		name := s.text[m[2]:m[3]]
		sp := span{m[2], m[3]}
		if notGenus[name] || c.gazetteer.KnownGenus(name) || covered(sp) || overlapsAny(communitySpans, sp) {
			continue
		}
		add(FieldCommunity, name, m[2], m[3], 0.6)
		communitySpans = append(communitySpans, sp)
	}
	entitySpans = append(entitySpans, communitySpans...)

	// A region only qualifies a community mentioned in the same sentence.
	if len(communitySpans) > 0 {
		for _, m := range regionRe.FindAllStringSubmatchIndex(s.text, -1) {
			sp := span{m[2], m[3]}
			name := s.text[m[2]:m[3]]
			if covered(sp) || notGenus[firstWord(name)] || c.gazetteer.KnownGenus(firstWord(name)) {
				continue
			}
			add(FieldRegion, name, m[2], m[3], 0.6)
		}
	}

	for _, m := range useRe.FindAllStringSubmatchIndex(s.text, -1) {
		use := strings.TrimSpace(s.text[m[2]:m[3]])
		if use == "" || covered(span{m[2], m[3]}) {
			continue
		}
		add(FieldUse, use, m[2], m[2]+len(use), 0.6)
	}

	if len(out) == 0 {
		return nil
	}
	add(FieldExcerpt, strings.Join(strings.Fields(s.text), " "), 0, len(s.text), 1.0)

	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Field == FieldExcerpt) != (out[j].Field == FieldExcerpt) {
			return out[i].Field == FieldExcerpt
		}
		return out[i].Location.Offset < out[j].Location.Offset
	})
	return out
}

func overlapsAny(spans []span, s span) bool {
	for _, o := range spans {
		if o.overlaps(s) {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i]
	}
	return s
}

// splitSentences splits text on terminal punctuation and blank lines,
// keeping byte offsets into text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	emit := func(end int) {
		raw := text[start:end]
		trimmed := strings.TrimLeftFunc(raw, unicode.IsSpace)
		lead := len(raw) - len(trimmed)
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if trimmed != "" {
			out = append(out, sentence{text: trimmed, offset: start + lead})
		}
		start = end
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\n' && i+1 < len(text) && text[i+1] == '\n':
			emit(i)
		case ch == '.' || ch == '!' || ch == '?':
			if i+1 < len(text) && !isSpaceByte(text[i+1]) {
				continue
			}
			if ch == '.' && isAbbreviation(text[start:i]) {
				continue
			}
			emit(i + 1)
		}
	}
	emit(len(text))
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// isAbbreviation reports whether the word right before a period is a
// genus initial ("Q.") or a common abbreviation ("e.g.").
func isAbbreviation(before string) bool {
	i := strings.LastIndexFunc(before, unicode.IsSpace)
	word := before[i+1:]
	if len(word) == 1 && word[0] >= 'A' && word[0] <= 'Z' {
		return true
	}
	return sentenceAbbrev[strings.ToLower(word)]
}

func wordSet(words string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		m[w] = true
	}
	return m
}
