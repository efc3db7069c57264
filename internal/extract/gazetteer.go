package extract

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/folia/internal/records"
)

//go:embed gazetteer.yaml
var defaultGazetteer []byte

// GazetteerSpecies is a known species entry.
type GazetteerSpecies struct {
	Name   string              `yaml:"name"`
	Common []string            `yaml:"common"`
	Rank   []records.RankEntry `yaml:"rank"`
}

// GazetteerCommunity is a known community entry.
type GazetteerCommunity struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Region  string   `yaml:"region"`
}

// Gazetteer is the vocabulary the rule matcher recognizes with high
// confidence. Its Version is part of the capability version.
type Gazetteer struct {
	Version     string               `yaml:"version"`
	Species     []GazetteerSpecies   `yaml:"species"`
	Communities []GazetteerCommunity `yaml:"communities"`

	genera      map[string]bool
	byEpithet   map[string][]*GazetteerSpecies
	byCommon    map[string]*GazetteerSpecies
	byCommunity map[string]*GazetteerCommunity
	commonRe    *regexp.Regexp
	communityRe *regexp.Regexp
}

// DefaultGazetteer returns the built-in gazetteer.
func DefaultGazetteer() (*Gazetteer, error) {
	return ParseGazetteer(defaultGazetteer)
}

// LoadGazetteer reads a gazetteer from a YAML file.
func LoadGazetteer(path string) (*Gazetteer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gazetteer: %w", err)
	}
	return ParseGazetteer(data)
}

// ParseGazetteer decodes and indexes a YAML gazetteer.
func ParseGazetteer(data []byte) (*Gazetteer, error) {
	var g Gazetteer
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing gazetteer: %w", err)
	}
	if g.Version == "" {
		return nil, fmt.Errorf("gazetteer has no version")
	}
	g.index()
	return &g, nil
}

func (g *Gazetteer) index() {
	g.genera = make(map[string]bool)
	g.byEpithet = make(map[string][]*GazetteerSpecies)
	g.byCommon = make(map[string]*GazetteerSpecies)
	g.byCommunity = make(map[string]*GazetteerCommunity)

	var commonNames, communityNames []string
	for i := range g.Species {
		sp := &g.Species[i]
		parts := strings.Fields(sp.Name)
		if len(parts) < 2 {
			continue
		}
		g.genera[parts[0]] = true
		epithet := strings.ToLower(parts[1])
		g.byEpithet[epithet] = append(g.byEpithet[epithet], sp)
		for _, c := range sp.Common {
			g.byCommon[strings.ToLower(c)] = sp
			commonNames = append(commonNames, c)
		}
	}
	for i := range g.Communities {
		c := &g.Communities[i]
		for _, n := range append([]string{c.Name}, c.Aliases...) {
			g.byCommunity[strings.ToLower(n)] = c
			communityNames = append(communityNames, n)
		}
	}

	g.commonRe = alternation(commonNames, true)
	g.communityRe = alternation(communityNames, false)
}

// alternation builds a word-bounded regexp matching any of names, longest
// first so "common nettle" wins over "nettle".
func alternation(names []string, fold bool) *regexp.Regexp {
	if len(names) == 0 {
		return nil
	}
	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	quoted := make([]string, len(sorted))
	for i, n := range sorted {
		quoted[i] = regexp.QuoteMeta(n)
	}
	prefix := ""
	if fold {
		prefix = "(?i)"
	}
	return regexp.MustCompile(prefix + `(?:^|[^\p{L}])(` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}])`)
}

// KnownGenus reports whether genus appears in any gazetteer species.
func (g *Gazetteer) KnownGenus(genus string) bool { return g.genera[genus] }

// ResolveAbbreviated resolves "Q. robur" style names.
func (g *Gazetteer) ResolveAbbreviated(initial byte, epithet string) (*GazetteerSpecies, bool) {
	for _, sp := range g.byEpithet[strings.ToLower(epithet)] {
		if sp.Name[0] == initial {
			return sp, true
		}
	}
	return nil, false
}

// LookupSpecies returns the entry with the given scientific name.
func (g *Gazetteer) LookupSpecies(name string) (*GazetteerSpecies, bool) {
	key := records.SpeciesKey(name)
	for i := range g.Species {
		if records.SpeciesKey(g.Species[i].Name) == key {
			return &g.Species[i], true
		}
	}
	return nil, false
}

// LookupCommunity resolves a community name or alias.
func (g *Gazetteer) LookupCommunity(name string) (*GazetteerCommunity, bool) {
	c, ok := g.byCommunity[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}
