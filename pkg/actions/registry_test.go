package actions

import (
	"encoding/json"
	"testing"

	"github.com/openfroyo/provision/pkg/engine"
)

func TestRegistryRoundTrip(t *testing.T) {
	orig, err := NewContentCopy("/etc/motd", "hello\n")
	if err != nil {
		t.Fatal(err)
	}
	orig.Name = "motd"

	rec, err := Default.Encode(orig)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if rec.Type != "copy" {
		t.Errorf("Encode() type = %q, want copy", rec.Type)
	}

	decoded, err := Default.Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	c, ok := decoded.(*Copy)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Copy", decoded)
	}
	if c.ID != orig.ID || c.Name != "motd" || c.Checksum != orig.Checksum || *c.Content != "hello\n" {
		t.Errorf("Decode() = %+v, fields lost", c)
	}
}

func TestRegistryDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		code string
	}{
		{
			name: "unknown tag",
			rec:  Record{Type: "apt", Fields: json.RawMessage(`{}`)},
			code: engine.ErrCodeUnresolvedType,
		},
		{
			name: "malformed fields",
			rec:  Record{Type: "file", Fields: json.RawMessage(`{"path": 12}`)},
			code: engine.ErrCodeMalformedRecord,
		},
		{
			name: "invalid fields",
			rec:  Record{Type: "copy", Fields: json.RawMessage(`{"dest": "/x"}`)},
			code: engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Default.Decode(tt.rec)
			if err == nil {
				t.Fatal("Decode() error = nil")
			}
			if got := engine.GetErrorCode(err); got != tt.code {
				t.Errorf("Decode() code = %q, want %q (%v)", got, tt.code, err)
			}
		})
	}
}

func TestRegistryDecodeAllFailsWholeBatch(t *testing.T) {
	records := []Record{
		{Type: "noop", Fields: json.RawMessage(`{}`)},
		{Type: "does-not-exist", Fields: json.RawMessage(`{}`)},
	}
	list, err := Default.DecodeAll(records)
	if !engine.IsProtocolError(err) {
		t.Fatalf("DecodeAll() error = %v, want protocol error", err)
	}
	if list != nil {
		t.Errorf("DecodeAll() returned %d actions, want none", len(list))
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("noop", func() Action { return &Noop{} }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("noop", func() Action { return &Fail{} }); err == nil {
		t.Error("Register() duplicate tag error = nil")
	}
	if err := r.Register("other", func() Action { return &Noop{} }); err == nil {
		t.Error("Register() duplicate type error = nil")
	}
	if _, err := r.TagOf(&Copy{}); !engine.IsProtocolError(err) {
		t.Errorf("TagOf() unregistered error = %v", err)
	}

	want := []string{"command", "copy", "fail", "file", "noop", "package", "service"}
	got := Default.Tags()
	if len(got) != len(want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
