// Package store provides Postgres persistence for documents, chunk
// embeddings, processing jobs and search query logs. All SQL lives here;
// vectors are stored in pgvector columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/paperbase/config"
)

// ErrDuplicateFingerprint is returned when an insert loses the race against
// a concurrent upload of the same content: the pre-insert fingerprint check
// passed for both, and the unique constraint caught the second writer.
var ErrDuplicateFingerprint = errors.New("owner already has a document with this fingerprint")

// Document processing statuses. Transitions only move forward, except that
// failed is reachable from any non-terminal status.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusExtracting = "extracting"
	DocumentStatusEmbedding  = "embedding"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
)

// Store wraps the Postgres connection used across the service.
type Store struct {
	DB *sql.DB
}

// New constructs the Store from Postgres config.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// DocumentRecord is one ingested paper.
type DocumentRecord struct {
	ID              string
	OwnerID         string
	Title           string
	Authors         []string
	Abstract        string
	Source          string
	FileName        string
	FileSize        int64
	FilePath        string
	Fingerprint     string
	PageCount       int
	WordCount       int
	Status          string
	ProcessingError string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateDocument inserts a new document in pending status and returns its id.
func (s *Store) CreateDocument(ctx context.Context, rec DocumentRecord) (string, error) {
	if rec.OwnerID == "" {
		return "", fmt.Errorf("owner_id required")
	}
	if rec.Fingerprint == "" {
		return "", fmt.Errorf("fingerprint required")
	}
	if rec.Status == "" {
		rec.Status = DocumentStatusPending
	}
	if rec.Source == "" {
		rec.Source = "upload"
	}
	metaBytes, err := json.Marshal(defaultStringMap(rec.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO documents (owner_id, title, authors, source, file_name, file_size, file_path, fingerprint, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
RETURNING id
`, rec.OwnerID, rec.Title, pq.Array(rec.Authors), rec.Source, nullableString(rec.FileName), nullableInt64(rec.FileSize), nullableString(rec.FilePath), rec.Fingerprint, rec.Status, metaBytes).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", ErrDuplicateFingerprint
		}
		return "", err
	}
	return id, nil
}

const documentColumns = `id, owner_id, title, COALESCE(authors, '{}'), COALESCE(abstract, ''), source, COALESCE(file_name, ''), COALESCE(file_size, 0), COALESCE(file_path, ''), fingerprint, COALESCE(page_count, 0), COALESCE(word_count, 0), status, COALESCE(processing_error, ''), metadata, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (DocumentRecord, error) {
	var (
		rec       DocumentRecord
		authors   pq.StringArray
		metaBytes []byte
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &authors, &rec.Abstract, &rec.Source, &rec.FileName, &rec.FileSize, &rec.FilePath, &rec.Fingerprint, &rec.PageCount, &rec.WordCount, &rec.Status, &rec.ProcessingError, &metaBytes, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	rec.Authors = authors
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &rec.Metadata)
	}
	return rec, nil
}

// GetDocument fetches one document scoped to its owner.
func (s *Store) GetDocument(ctx context.Context, id, ownerID string) (DocumentRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	rec, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return DocumentRecord{}, false, nil
	}
	if err != nil {
		return DocumentRecord{}, false, err
	}
	return rec, true, nil
}

// GetDocumentByID fetches one document without owner scoping; used by the
// worker which acts on behalf of the owner recorded on the job.
func (s *Store) GetDocumentByID(ctx context.Context, id string) (DocumentRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	rec, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return DocumentRecord{}, false, nil
	}
	if err != nil {
		return DocumentRecord{}, false, err
	}
	return rec, true, nil
}

// ListDocuments returns the owner's documents newest first, optionally
// filtered by status.
func (s *Store) ListDocuments(ctx context.Context, ownerID, status string, limit, offset int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE owner_id=$1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`, ownerID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindDocumentByFingerprint reports whether the owner already has a document
// with the given content fingerprint.
func (s *Store) FindDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM documents WHERE owner_id=$1 AND fingerprint=$2`, ownerID, fingerprint).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// UpdateDocumentStatus updates processing status and error message.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status, processingError string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status=$2, processing_error=$3, updated_at=NOW() WHERE id=$1
`, id, status, nullableString(processingError))
	return err
}

// SetDocumentExtraction records extraction results on the document row. A
// user-supplied title wins over one recovered from the PDF metadata.
func (s *Store) SetDocumentExtraction(ctx context.Context, id, title, abstract string, authors []string, pageCount, wordCount int, metadata map[string]string) error {
	metaBytes, err := json.Marshal(defaultStringMap(metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE documents SET
  title = COALESCE(NULLIF(title, ''), NULLIF($2, ''), title),
  abstract = NULLIF($3, ''),
  authors = $4,
  page_count = $5,
  word_count = $6,
  metadata = $7,
  updated_at = NOW()
WHERE id=$1
`, id, title, abstract, pq.Array(authors), pageCount, wordCount, metaBytes)
	return err
}

// DeleteDocument removes a document with its content, chunk embeddings and
// any active job, scoped to the owner. Returns false when nothing matched.
func (s *Store) DeleteDocument(ctx context.Context, id, ownerID string) (deleted bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE document_id=$1`, id); err != nil {
		return false, fmt.Errorf("delete chunk embeddings: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_contents WHERE document_id=$1`, id); err != nil {
		return false, fmt.Errorf("delete document content: %w", err)
	}
	// deleting a document cancels its active pipeline run
	if _, err = tx.ExecContext(ctx, `
UPDATE processing_jobs SET status=$2, completed_at=NOW(), updated_at=NOW()
WHERE document_id=$1 AND status IN ($3,$4,$5)
`, id, JobStatusCancelled, JobStatusPending, JobStatusRunning, JobStatusRetrying); err != nil {
		return false, fmt.Errorf("cancel active jobs: %w", err)
	}
	return true, nil
}

// ContentRecord holds the extracted text for one document.
type ContentRecord struct {
	DocumentID string
	FullText   string
	Sections   map[string]string
	UpdatedAt  time.Time
}

// UpsertDocumentContent stores extracted text and detected sections.
func (s *Store) UpsertDocumentContent(ctx context.Context, documentID, fullText string, sections map[string]string) error {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	sectionBytes, err := json.Marshal(defaultStringMap(sections))
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO document_contents (document_id, full_text, sections, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (document_id) DO UPDATE SET
  full_text = EXCLUDED.full_text,
  sections = EXCLUDED.sections,
  updated_at = NOW();
`, documentID, fullText, sectionBytes)
	return err
}

// GetDocumentContent fetches the extracted text for one document.
func (s *Store) GetDocumentContent(ctx context.Context, documentID string) (ContentRecord, bool, error) {
	var (
		rec          ContentRecord
		sectionBytes []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT document_id, full_text, sections, updated_at FROM document_contents WHERE document_id=$1
`, documentID).Scan(&rec.DocumentID, &rec.FullText, &sectionBytes, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return ContentRecord{}, false, nil
	}
	if err != nil {
		return ContentRecord{}, false, err
	}
	if len(sectionBytes) > 0 {
		_ = json.Unmarshal(sectionBytes, &rec.Sections)
	}
	return rec, true, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v int64) interface{} {
	if v <= 0 {
		return nil
	}
	return v
}

func defaultStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
