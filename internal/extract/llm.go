package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/kalambet/folia/internal/ollama"
)

const llmPromptVersion = "1"

const llmSystemPrompt = `You read ethnobotanical field notes and papers.
The user sends numbered sentences. For every sentence that says a plant is used by a people or community, report each mention:
- species: the scientific name (genus and epithet) as written
- common_name: a vernacular plant name as written
- community: the people, tribe or community using the plant
- region: the place the community lives in
- use: what the plant is used for, in a few words
Copy "text" exactly from the sentence. Do not translate, expand or guess. Skip sentences with no plant use.`

// Chatter is the chat completion call the llm capability needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// LLMCapability asks a local language model for mentions and keeps only
// those whose text occurs in the sentence they were reported for.
type LLMCapability struct {
	id        string
	model     string
	chat      Chatter
	gazetteer *Gazetteer
	decoder   *Decoder
	logger    *slog.Logger
}

// NewLLMCapability returns an llm-backed capability identified by id.
func NewLLMCapability(id string, chat Chatter, model string, g *Gazetteer, d *Decoder, logger *slog.Logger) *LLMCapability {
	if d == nil {
		d = &Decoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCapability{id: id, model: model, chat: chat, gazetteer: g, decoder: d, logger: logger}
}

func (c *LLMCapability) ID() string { return c.id }

func (c *LLMCapability) Version() string {
	return "llm." + llmPromptVersion + "+" + c.model + "+gazetteer." + c.gazetteer.Version
}

type llmMention struct {
	Sentence int    `json:"sentence"`
	Field    string `json:"field"`
	Text     string `json:"text"`
}

// Extract queries the model once per page. All pages are queried before
// the sequence is returned, so ranging over it twice yields the same
// candidates without another model call.
func (c *LLMCapability) Extract(ctx context.Context, data []byte, documentID string) (Candidates, error) {
	text, err := c.decoder.Decode(ctx, documentID, data)
	if err != nil {
		return nil, err
	}

	var out []CandidateMatch
	idx := 0
	for p, page := range text.Pages {
		sentences := splitSentences(page)
		if len(sentences) == 0 {
			continue
		}
		mentions, err := c.ask(ctx, sentences)
		if err != nil {
			return nil, fmt.Errorf("document %s page %d: %w", documentID, p+1, err)
		}
		out = append(out, c.candidates(sentences, mentions, p+1, idx)...)
		idx += len(sentences)
	}

	return func(yield func(CandidateMatch) bool) {
		for _, m := range out {
			if ctx.Err() != nil || !yield(m) {
				return
			}
		}
	}, nil
}

func (c *LLMCapability) ask(ctx context.Context, sentences []sentence) ([]llmMention, error) {
	var b strings.Builder
	for i, s := range sentences {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(strings.Join(strings.Fields(s.text), " "))
		b.WriteByte('\n')
	}

	raw, err := c.chat.Chat(ctx, c.model, []ollama.Message{
		{Role: "system", Content: llmSystemPrompt},
		{Role: "user", Content: b.String()},
	}, mentionSchema())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Mentions []llmMention `json:"mentions"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.logger.Warn("discarding malformed model response", "error", err, "response", raw)
		return nil, nil
	}
	return resp.Mentions, nil
}

// candidates converts model mentions into located matches. Sentence
// numbers from the model are 1-based within the page.
func (c *LLMCapability) candidates(sentences []sentence, mentions []llmMention, page, base int) []CandidateMatch {
	perSentence := make(map[int][]CandidateMatch)
	for _, m := range mentions {
		n := m.Sentence - 1
		if n < 0 || n >= len(sentences) || !validLLMField(m.Field) {
			continue
		}
		s := sentences[n]
		want := strings.TrimSpace(m.Text)
		start := indexFold(s.text, want)
		if want == "" || start < 0 {
			c.logger.Debug("model mention not found in sentence", "field", m.Field, "text", m.Text)
			continue
		}
		length := len(want)
		value := s.text[start : start+length]
		perSentence[n] = append(perSentence[n], CandidateMatch{
			Field:      m.Field,
			Text:       value,
			Location:   Location{Page: page, Sentence: base + n, Offset: s.offset + start, Length: length},
			Confidence: c.confidence(m.Field, value),
		})
	}

	keys := make([]int, 0, len(perSentence))
	for n := range perSentence {
		keys = append(keys, n)
	}
	slices.Sort(keys)

	var out []CandidateMatch
	for _, n := range keys {
		s := sentences[n]
		out = append(out, CandidateMatch{
			Field:      FieldExcerpt,
			Text:       strings.Join(strings.Fields(s.text), " "),
			Location:   Location{Page: page, Sentence: base + n, Offset: s.offset, Length: len(s.text)},
			Confidence: 1.0,
		})
		matches := perSentence[n]
		slices.SortStableFunc(matches, func(a, b CandidateMatch) int { return a.Location.Offset - b.Location.Offset })
		out = append(out, matches...)
	}
	return out
}

// confidence rates model output below gazetteer-confirmed names.
func (c *LLMCapability) confidence(field, text string) float64 {
	switch field {
	case FieldSpecies:
		if _, ok := c.gazetteer.LookupSpecies(text); ok {
			return 0.85
		}
	case FieldCommunity:
		if _, ok := c.gazetteer.LookupCommunity(text); ok {
			return 0.85
		}
	}
	return 0.6
}

// indexFold is strings.Index with a case-insensitive fallback.
func indexFold(s, sub string) int {
	if i := strings.Index(s, sub); i >= 0 {
		return i
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func validLLMField(f string) bool {
	switch f {
	case FieldSpecies, FieldCommonName, FieldCommunity, FieldRegion, FieldUse:
		return true
	}
	return false
}

func mentionSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]*ollama.Schema{
			"mentions": {
				Type: "array",
				Items: &ollama.Schema{
					Type: "object",
					Properties: map[string]*ollama.Schema{
						"sentence": {Type: "integer", Description: "Number of the sentence the mention is in"},
						"field":    {Type: "string", Enum: []string{FieldSpecies, FieldCommonName, FieldCommunity, FieldRegion, FieldUse}},
						"text":     {Type: "string", Description: "Mention copied verbatim from the sentence"},
					},
					Required: []string{"sentence", "field", "text"},
				},
			},
		},
		Required: []string{"mentions"},
	}
}
