package records

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSpeciesKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Quercus robur", "quercus robur"},
		{"  Quercus\t  ROBUR ", "quercus robur"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SpeciesKey(tt.in); got != tt.want {
			t.Errorf("SpeciesKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommunityKey(t *testing.T) {
	if got := CommunityKey("Sami", ""); got != "sami" {
		t.Errorf("CommunityKey = %q, want sami", got)
	}
	if got := CommunityKey(" Sami ", "Northern  Norway"); got != "sami|northern norway" {
		t.Errorf("CommunityKey with region = %q", got)
	}
}

func TestFingerprint_StableAndWhitespaceInsensitive(t *testing.T) {
	a := Fingerprint("doc-1", "Quercus robur was used by the Sami.")
	b := Fingerprint("doc-1", "Quercus  robur was used\nby the Sami.")
	if a != b {
		t.Errorf("fingerprints differ for equivalent excerpts")
	}
	if a == Fingerprint("doc-2", "Quercus robur was used by the Sami.") {
		t.Errorf("fingerprint should depend on document id")
	}
}

func TestValidate(t *testing.T) {
	r := &ArticleRecord{}
	if err := r.Validate(); !errors.Is(err, ErrNoEntityMatched) {
		t.Fatalf("Validate() = %v, want ErrNoEntityMatched", err)
	}
	r.Communities = []Community{{Key: "sami", Name: "Sami"}}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate() with community = %v", err)
	}
}

func TestClone_IsDeep(t *testing.T) {
	r := &ArticleRecord{
		Species:    []PlantSpecies{{Key: "a b", CommonNames: []string{"x"}}},
		Confidence: map[string]float64{"species": 0.9},
	}
	c := r.Clone()
	c.Species[0].CommonNames[0] = "y"
	c.Confidence["species"] = 0.1
	if r.Species[0].CommonNames[0] != "x" || r.Confidence["species"] != 0.9 {
		t.Errorf("Clone shares state with original")
	}
}

func TestConflictError_Is(t *testing.T) {
	err := fmt.Errorf("push: %w", &ConflictError{ID: "r1", RemoteRevision: 6})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("errors.Is(ErrConflict) = false")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.RemoteRevision != 6 {
		t.Errorf("errors.As failed: %v", ce)
	}
}

func TestIsTransport(t *testing.T) {
	if !IsTransport(fmt.Errorf("wrap: %w", &TransportError{Op: "push", Err: errors.New("refused")})) {
		t.Errorf("IsTransport = false for wrapped TransportError")
	}
	if IsTransport(errors.New("other")) {
		t.Errorf("IsTransport = true for plain error")
	}
}

func TestTransportError_Temporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("sync: %w", &TransportError{Op: "pull", Status: tt.status, Err: errors.New("x")})
		if got := IsTemporary(err); got != tt.want {
			t.Errorf("IsTemporary(status %d) = %v, want %v", tt.status, got, tt.want)
		}
		if !IsTransport(err) {
			t.Errorf("IsTransport(status %d) = false", tt.status)
		}
	}
	if IsTemporary(errors.New("other")) {
		t.Errorf("IsTemporary = true for plain error")
	}
}
