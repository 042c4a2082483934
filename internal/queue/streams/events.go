package streams

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
)

// Event types carried over the ingest stream.
const (
	EventTypeDocumentIngest = "document.ingest.requested"
	SchemaVersionV1         = "v1"
)

var ingestRequestedSchemaV1 = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document_id", "job_id", "owner_id"],
  "properties": {
    "document_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string", "minLength": 1},
    "owner_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`)

// RegisterEventSchemas loads all known event schemas into the registry.
func RegisterEventSchemas(r *Registry) error {
	if err := r.Register(EventTypeDocumentIngest, SchemaVersionV1, ingestRequestedSchemaV1); err != nil {
		return fmt.Errorf("register %s %s: %w", EventTypeDocumentIngest, SchemaVersionV1, err)
	}
	return nil
}

// IngestPublisher adapts the stream publisher to the pipeline's publisher
// contract for ingest requests.
type IngestPublisher struct {
	publisher *Publisher
	stream    string
	maxLen    int64
}

// NewIngestPublisher binds a Publisher to the configured ingest stream.
func NewIngestPublisher(p *Publisher, stream string, maxLen int64) *IngestPublisher {
	return &IngestPublisher{publisher: p, stream: stream, maxLen: maxLen}
}

// PublishIngestRequested enqueues one pipeline run for the worker.
func (ip *IngestPublisher) PublishIngestRequested(ctx context.Context, req pipeline.IngestRequest) error {
	_, err := ip.publisher.PublishEvent(ctx, ip.stream, EventTypeDocumentIngest, SchemaVersionV1, req, WithMaxLenApprox(ip.maxLen))
	return err
}
