package pipeline

import (
	"errors"
	"fmt"
)

// ErrDocumentNotFound is returned when an operation references a document
// the caller cannot see.
var ErrDocumentNotFound = errors.New("document not found")

// ValidationError rejects an upload before any document row is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload: %s", e.Reason)
}

// DuplicateError reports that the uploaded content already exists for the
// owner. DocumentID is the existing document.
type DuplicateError struct {
	DocumentID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate document: content already ingested as %s", e.DocumentID)
}

// JobConflictError reports that the document already has an active
// processing job.
type JobConflictError struct {
	DocumentID string
	JobID      string
}

func (e *JobConflictError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("document %s already has active job %s", e.DocumentID, e.JobID)
	}
	return fmt.Sprintf("document %s already has an active job", e.DocumentID)
}
