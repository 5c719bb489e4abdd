package id_test

import (
	"encoding/json"
	"testing"

	"github.com/readwell/enrich/id"
)

func TestNew_GeneratesPrefixedIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"job", id.NewJobID, id.PrefixJob},
		{"publisher", id.NewPublisherID, id.PrefixPublisher},
		{"artifact", id.NewArtifactID, id.PrefixArtifact},
		{"worker", id.NewWorkerID, id.PrefixWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if got.IsNil() {
				t.Fatal("generated ID is nil")
			}
			if got.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", got.Prefix(), tt.prefix)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	orig := id.NewJobID()
	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), orig.String())
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not a typeid"},
		{"bad suffix", "job_!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := id.Parse(tt.input); err == nil {
				t.Errorf("Parse(%q) = nil error, want error", tt.input)
			}
		})
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	t.Parallel()

	pubID := id.NewPublisherID()
	if _, err := id.ParseJobID(pubID.String()); err == nil {
		t.Error("ParseJobID accepted a publisher ID")
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	type doc struct {
		ID id.ID `json:"id"`
	}

	orig := doc{ID: id.NewArtifactID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got doc
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID.String() != orig.ID.String() {
		t.Errorf("round trip = %q, want %q", got.ID.String(), orig.ID.String())
	}
}

func TestID_NilHandling(t *testing.T) {
	t.Parallel()

	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}

	v, err := id.Nil.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Errorf("Nil.Value() = %v, want nil", v)
	}

	var scanned id.ID
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !scanned.IsNil() {
		t.Error("Scan(nil) produced non-nil ID")
	}
}

func TestID_SQLRoundTrip(t *testing.T) {
	t.Parallel()

	orig := id.NewWorkerID()
	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var got id.ID
	if err := got.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", got.String(), orig.String())
	}
}
