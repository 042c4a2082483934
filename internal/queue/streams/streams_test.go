package streams

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := Envelope{
		EventID:       "evt-1",
		EventType:     EventTypeDocumentIngest,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: SchemaVersionV1,
		Data:          json.RawMessage(`{"document_id":"d1","job_id":"j1","owner_id":"o1"}`),
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.EventType != env.EventType {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestEnvelopeValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing event id", Envelope{EventType: "t", SchemaVersion: "v1", Data: json.RawMessage(`{}`)}},
		{"missing event type", Envelope{EventID: "e", SchemaVersion: "v1", Data: json.RawMessage(`{}`)}},
		{"missing schema version", Envelope{EventID: "e", EventType: "t", Data: json.RawMessage(`{}`)}},
		{"missing data", Envelope{EventID: "e", EventType: "t", SchemaVersion: "v1"}},
		{"negative attempt", Envelope{EventID: "e", EventType: "t", SchemaVersion: "v1", Attempt: -1, Data: json.RawMessage(`{}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegistryValidatesIngestPayloads(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterEventSchemas(reg); err != nil {
		t.Fatalf("RegisterEventSchemas: %v", err)
	}

	valid := []byte(`{"document_id":"d1","job_id":"j1","owner_id":"o1"}`)
	if err := reg.Validate(EventTypeDocumentIngest, SchemaVersionV1, valid); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	missing := []byte(`{"document_id":"d1","owner_id":"o1"}`)
	err := reg.Validate(EventTypeDocumentIngest, SchemaVersionV1, missing)
	if err == nil {
		t.Fatal("payload without job_id must be rejected")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := []byte(`{"document_id":"","job_id":"j1","owner_id":"o1"}`)
	if err := reg.Validate(EventTypeDocumentIngest, SchemaVersionV1, empty); err == nil {
		t.Fatal("empty document_id must be rejected")
	}
}

func TestRegistryRejectsUnknownEventType(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Validate("no.such.event", "v1", []byte(`{}`)); err == nil {
		t.Fatal("unregistered event type must fail validation")
	}
}

func TestRegistryRejectsUnknownVersion(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterEventSchemas(reg); err != nil {
		t.Fatalf("RegisterEventSchemas: %v", err)
	}
	if err := reg.Validate(EventTypeDocumentIngest, "v9", []byte(`{}`)); err == nil {
		t.Fatal("unregistered version must fail validation")
	}
}
