package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestCreateDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs("owner-1", "Attention Is All You Need", sqlmock.AnyArg(), "upload", "paper.pdf", int64(1024), "/data/papers/doc.pdf", "abc123", DocumentStatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	id, err := st.CreateDocument(context.Background(), DocumentRecord{
		OwnerID:     "owner-1",
		Title:       "Attention Is All You Need",
		FileName:    "paper.pdf",
		FileSize:    1024,
		FilePath:    "/data/papers/doc.pdf",
		Fingerprint: "abc123",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("unexpected id: %s", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDocumentMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`INSERT INTO documents`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "documents_owner_id_fingerprint_key"})

	_, err = st.CreateDocument(context.Background(), DocumentRecord{
		OwnerID:     "owner-1",
		Fingerprint: "abc123",
	})
	if !errors.Is(err, ErrDuplicateFingerprint) {
		t.Fatalf("expected ErrDuplicateFingerprint, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDocumentRequiresFingerprint(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.CreateDocument(context.Background(), DocumentRecord{OwnerID: "owner-1"}); err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
	if _, err := st.CreateDocument(context.Background(), DocumentRecord{Fingerprint: "fp"}); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestFindDocumentByFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`SELECT id FROM documents WHERE owner_id=$1 AND fingerprint=$2`)
	mock.ExpectQuery(query).
		WithArgs("owner-1", "fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery(query).
		WithArgs("owner-2", "fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, found, err := st.FindDocumentByFingerprint(context.Background(), "owner-1", "fp-1")
	if err != nil || !found || id != "doc-1" {
		t.Fatalf("expected doc-1, got id=%s found=%v err=%v", id, found, err)
	}
	// same content under a different owner is not a duplicate
	_, found, err = st.FindDocumentByFingerprint(context.Background(), "owner-2", "fp-1")
	if err != nil || found {
		t.Fatalf("expected not found for other owner, found=%v err=%v", found, err)
	}
}

func TestDeleteDocumentCascadesAndCancelsJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM documents WHERE id=$1 AND owner_id=$2`)).
		WithArgs("doc-1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM chunk_embeddings WHERE document_id=$1`)).
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_contents WHERE document_id=$1`)).
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processing_jobs SET status=`).
		WithArgs("doc-1", JobStatusCancelled, JobStatusPending, JobStatusRunning, JobStatusRetrying).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := st.DeleteDocument(context.Background(), "doc-1", "owner-1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if !deleted {
		t.Fatal("expected deletion")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM documents WHERE id=$1 AND owner_id=$2`)).
		WithArgs("doc-404", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	deleted, err := st.DeleteDocument(context.Background(), "doc-404", "owner-1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if deleted {
		t.Fatal("expected no deletion")
	}
}

func TestUpsertDocumentContent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(`INSERT INTO document_contents`).
		WithArgs("doc-1", "the full text", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sections := map[string]string{"abstract": "the abstract"}
	if err := st.UpsertDocumentContent(context.Background(), "doc-1", "the full text", sections); err != nil {
		t.Fatalf("UpsertDocumentContent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDocumentContent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"document_id", "full_text", "sections", "updated_at"}).
		AddRow("doc-1", "body", []byte(`{"abstract":"a"}`), now)
	mock.ExpectQuery(`SELECT document_id, full_text, sections, updated_at FROM document_contents`).
		WithArgs("doc-1").
		WillReturnRows(rows)

	rec, found, err := st.GetDocumentContent(context.Background(), "doc-1")
	if err != nil || !found {
		t.Fatalf("GetDocumentContent: found=%v err=%v", found, err)
	}
	if rec.FullText != "body" || rec.Sections["abstract"] != "a" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
