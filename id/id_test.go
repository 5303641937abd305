package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

func TestNewAndString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix id.Prefix
	}{
		{"event", id.PrefixEvent},
		{"enrollment", id.PrefixEnrollment},
		{"workflow", id.PrefixWorkflow},
		{"nurture", id.PrefixNurture},
		{"fault", id.PrefixFault},
		{"worker", id.PrefixWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := id.New(tt.prefix)
			if i.IsNil() {
				t.Fatal("New returned nil ID")
			}
			if i.Prefix() != tt.prefix {
				t.Fatalf("got prefix %q, want %q", i.Prefix(), tt.prefix)
			}
			if !strings.HasPrefix(i.String(), string(tt.prefix)+"_") {
				t.Fatalf("string %q does not start with %q", i.String(), tt.prefix)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	orig := id.NewEnrollmentID()
	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := id.Parse("not a typeid!!"); err == nil {
		t.Fatal("expected error for malformed input")
	}
	if _, err := id.ParseWithPrefix(id.NewEventID().String(), id.PrefixEnrollment); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestNilID(t *testing.T) {
	t.Parallel()

	if !id.Nil.IsNil() {
		t.Fatal("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Fatalf("Nil.String() = %q, want empty", id.Nil.String())
	}
	v, err := id.Nil.Value()
	if err != nil {
		t.Fatalf("Nil.Value: %v", err)
	}
	if v != nil {
		t.Fatalf("Nil.Value() = %v, want nil", v)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	type wrapper struct {
		ID id.ID `json:"id"`
	}

	orig := wrapper{ID: id.NewWorkflowID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got wrapper
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID.String() != orig.ID.String() {
		t.Fatalf("round trip mismatch: %q != %q", got.ID.String(), orig.ID.String())
	}
}

func TestScan(t *testing.T) {
	t.Parallel()

	orig := id.NewEventID()

	var fromString id.ID
	if err := fromString.Scan(orig.String()); err != nil {
		t.Fatalf("Scan string: %v", err)
	}
	if fromString.String() != orig.String() {
		t.Fatalf("Scan string mismatch: %q", fromString.String())
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(orig.String())); err != nil {
		t.Fatalf("Scan bytes: %v", err)
	}
	if fromBytes.String() != orig.String() {
		t.Fatalf("Scan bytes mismatch: %q", fromBytes.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Fatal("Scan(nil) should produce Nil ID")
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Fatal("expected error scanning int")
	}
}
