// Package pipeline drives a document from uploaded bytes to searchable
// vectors: validate, persist, extract, chunk, embed, index. Ingest is the
// synchronous front half; Run executes the asynchronous stages and is
// invoked by the worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/chunker"
	"github.com/mohammad-safakhou/paperbase/internal/embedding"
	"github.com/mohammad-safakhou/paperbase/internal/extract"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	CreateDocument(ctx context.Context, rec store.DocumentRecord) (string, error)
	GetDocument(ctx context.Context, id, ownerID string) (store.DocumentRecord, bool, error)
	GetDocumentByID(ctx context.Context, id string) (store.DocumentRecord, bool, error)
	FindDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (string, bool, error)
	UpdateDocumentStatus(ctx context.Context, id, status, processingError string) error
	SetDocumentExtraction(ctx context.Context, id, title, abstract string, authors []string, pageCount, wordCount int, metadata map[string]string) error
	UpsertDocumentContent(ctx context.Context, documentID, fullText string, sections map[string]string) error
	GetDocumentContent(ctx context.Context, documentID string) (store.ContentRecord, bool, error)
	ReplaceChunkEmbeddings(ctx context.Context, documentID, modelName string, records []store.ChunkEmbeddingRecord) error
	CreateJob(ctx context.Context, documentID, ownerID string, maxRetries int) (string, error)
	GetJobByID(ctx context.Context, id string) (store.JobRecord, bool, error)
	GetActiveJobForDocument(ctx context.Context, documentID string) (store.JobRecord, bool, error)
	UpdateJobState(ctx context.Context, id, stage, status string, progress int, errorMessage string) error
	IncrementJobRetry(ctx context.Context, id string) (int, error)
}

// Extractor parses uploaded bytes into plain text and metadata.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (extract.Extraction, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error)
	Model() string
}

// IngestRequest is the event payload announcing a queued pipeline run.
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
	OwnerID    string `json:"owner_id"`
}

// Publisher enqueues ingest requests for the worker.
type Publisher interface {
	PublishIngestRequested(ctx context.Context, req IngestRequest) error
}

// IngestInput is one uploaded document.
type IngestInput struct {
	OwnerID  string
	FileName string
	Title    string
	Tags     []string
	Data     []byte
	MaxBytes int64
}

// IngestResult identifies the created document and its processing job.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
}

// Pipeline owns the document processing flow.
type Pipeline struct {
	store     Store
	extractor Extractor
	embedder  Embedder
	publisher Publisher
	chunker   *chunker.Chunker
	cfg       config.PipelineConfig
	dataDir   string
	logger    *log.Logger
}

// New wires a Pipeline. The chunker is built from the pipeline config, so an
// invalid size/overlap pair fails here rather than mid-run.
func New(st Store, ext Extractor, emb Embedder, pub Publisher, cfg config.PipelineConfig, files config.FileConfig, logger *log.Logger) (*Pipeline, error) {
	cfg = cfg.Normalize()
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Pipeline{
		store:     st,
		extractor: ext,
		embedder:  emb,
		publisher: pub,
		chunker:   ch,
		cfg:       cfg,
		dataDir:   files.DataDir,
		logger:    logger,
	}, nil
}

// Ingest validates the upload, rejects owner-scoped duplicates by content
// fingerprint, persists the raw file and the pending document, creates the
// processing job and enqueues it. The heavy stages run asynchronously.
func (p *Pipeline) Ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	if in.OwnerID == "" {
		return IngestResult{}, fmt.Errorf("owner id is required")
	}
	if len(in.Data) == 0 {
		return IngestResult{}, &ValidationError{Reason: "empty file"}
	}
	if in.MaxBytes > 0 && int64(len(in.Data)) > in.MaxBytes {
		return IngestResult{}, &ValidationError{Reason: fmt.Sprintf("file exceeds %d byte limit", in.MaxBytes)}
	}

	fingerprint := extract.Fingerprint(in.Data)
	if existingID, found, err := p.store.FindDocumentByFingerprint(ctx, in.OwnerID, fingerprint); err != nil {
		return IngestResult{}, err
	} else if found {
		return IngestResult{}, &DuplicateError{DocumentID: existingID}
	}

	filePath, err := p.saveUpload(in.Data)
	if err != nil {
		return IngestResult{}, fmt.Errorf("persist upload: %w", err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(in.FileName, filepath.Ext(in.FileName))
	}
	var metadata map[string]string
	if tags := normalizeTags(in.Tags); len(tags) > 0 {
		metadata = map[string]string{"tags": strings.Join(tags, ",")}
	}
	docID, err := p.store.CreateDocument(ctx, store.DocumentRecord{
		OwnerID:     in.OwnerID,
		Title:       title,
		Source:      "upload",
		Metadata:    metadata,
		FileName:    in.FileName,
		FileSize:    int64(len(in.Data)),
		FilePath:    filePath,
		Fingerprint: fingerprint,
		Status:      store.DocumentStatusPending,
	})
	if err != nil {
		// the document row owns the saved file; no row, no file
		if rmErr := os.Remove(filePath); rmErr != nil {
			p.logger.Printf("warn: remove orphaned upload %s: %v", filePath, rmErr)
		}
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			// concurrent upload of the same bytes won the insert race
			existingID, _, findErr := p.store.FindDocumentByFingerprint(ctx, in.OwnerID, fingerprint)
			if findErr != nil {
				return IngestResult{}, findErr
			}
			return IngestResult{}, &DuplicateError{DocumentID: existingID}
		}
		return IngestResult{}, err
	}

	jobID, err := p.store.CreateJob(ctx, docID, in.OwnerID, p.cfg.MaxRetries)
	if err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return IngestResult{}, &JobConflictError{DocumentID: docID}
		}
		return IngestResult{}, err
	}

	// A lost publish is recoverable: the worker resumes pending jobs from
	// the database on startup, so the upload still succeeds.
	if err := p.publisher.PublishIngestRequested(ctx, IngestRequest{DocumentID: docID, JobID: jobID, OwnerID: in.OwnerID}); err != nil {
		p.logger.Printf("warn: enqueue job %s: %v", jobID, err)
	}
	return IngestResult{DocumentID: docID, JobID: jobID}, nil
}

func (p *Pipeline) saveUpload(data []byte) (string, error) {
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(p.dataDir, uuid.New().String()+".pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Run executes the asynchronous stages for one job: extract, chunk, embed,
// index. Terminal jobs are skipped, which makes redelivered queue messages
// harmless. Transient embedding failures are retried up to the job's budget;
// extraction failures are permanent.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	job, found, err := p.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.IsTerminal() {
		p.logger.Printf("job %s already %s, skipping", jobID, job.Status)
		return nil
	}
	doc, found, err := p.store.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if !found {
		return p.fail(ctx, job, "", "document no longer exists")
	}

	job.Stage = store.DocumentStatusExtracting
	text, ext, err := p.runExtraction(ctx, job, doc)
	if err != nil {
		return err
	}

	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return p.fail(ctx, job, doc.ID, "document contains no extractable text to index")
	}

	job.Stage = store.DocumentStatusEmbedding
	records, err := p.runEmbedding(ctx, job, doc, text, chunks)
	if err != nil {
		return err
	}

	if err := p.store.ReplaceChunkEmbeddings(ctx, doc.ID, p.embedder.Model(), records); err != nil {
		return p.fail(ctx, job, doc.ID, fmt.Sprintf("store embeddings: %v", err))
	}

	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentStatusReady, ""); err != nil {
		return err
	}
	if err := p.store.UpdateJobState(ctx, job.ID, store.DocumentStatusReady, store.JobStatusCompleted, 100, ""); err != nil {
		return err
	}
	p.logger.Printf("job %s completed: document %s indexed with %d chunks (%d pages, %d words)",
		job.ID, doc.ID, len(records), ext.PageCount, ext.WordCount)
	return nil
}

func (p *Pipeline) runExtraction(ctx context.Context, job store.JobRecord, doc store.DocumentRecord) (string, extract.Extraction, error) {
	if err := p.store.UpdateJobState(ctx, job.ID, store.DocumentStatusExtracting, store.JobStatusRunning, 25, ""); err != nil {
		return "", extract.Extraction{}, err
	}
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentStatusExtracting, ""); err != nil {
		return "", extract.Extraction{}, err
	}

	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return "", extract.Extraction{}, p.fail(ctx, job, doc.ID, fmt.Sprintf("read stored file: %v", err))
	}

	var ext extract.Extraction
	for {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		ext, err = p.extractor.Extract(stageCtx, data)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", extract.Extraction{}, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			// A malformed document never gets better on retry.
			return "", extract.Extraction{}, p.fail(ctx, job, doc.ID, err.Error())
		}
		count, retryErr := p.store.IncrementJobRetry(ctx, job.ID)
		if retryErr != nil {
			return "", extract.Extraction{}, retryErr
		}
		if count >= job.MaxRetries {
			return "", extract.Extraction{}, p.fail(ctx, job, doc.ID, fmt.Sprintf("extraction timed out after %d retries: %v", count, err))
		}
		p.logger.Printf("job %s: extraction attempt %d timed out, retrying", job.ID, count)
		select {
		case <-time.After(p.cfg.RetryBackoff):
		case <-ctx.Done():
			return "", extract.Extraction{}, ctx.Err()
		}
	}

	title := ext.Metadata["title"]
	authors := splitAuthors(ext.Metadata["author"])
	abstract := extract.DetectAbstract(ext.Text)
	metadata := mergeMetadata(doc.Metadata, ext.Metadata)
	if err := p.store.SetDocumentExtraction(ctx, doc.ID, title, abstract, authors, ext.PageCount, ext.WordCount, metadata); err != nil {
		return "", extract.Extraction{}, err
	}
	sections := extract.DetectSections(ext.Text)
	if err := p.store.UpsertDocumentContent(ctx, doc.ID, ext.Text, sections); err != nil {
		return "", extract.Extraction{}, err
	}
	return ext.Text, ext, nil
}

func (p *Pipeline) runEmbedding(ctx context.Context, job store.JobRecord, doc store.DocumentRecord, fullText string, chunks []chunker.Chunk) ([]store.ChunkEmbeddingRecord, error) {
	if err := p.store.UpdateJobState(ctx, job.ID, store.DocumentStatusEmbedding, store.JobStatusRunning, 75, ""); err != nil {
		return nil, err
	}
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentStatusEmbedding, ""); err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var results []embedding.Result
	for {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		out, err := p.embedder.EmbedBatch(stageCtx, texts)
		cancel()
		if err == nil {
			results = out
			break
		}
		count, retryErr := p.store.IncrementJobRetry(ctx, job.ID)
		if retryErr != nil {
			return nil, retryErr
		}
		if count >= job.MaxRetries {
			return nil, p.fail(ctx, job, doc.ID, fmt.Sprintf("embedding failed after %d retries: %v", count, err))
		}
		p.logger.Printf("job %s: embedding attempt %d failed, retrying: %v", job.ID, count, err)
		select {
		case <-time.After(p.cfg.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	locator := newSectionLocator(fullText)
	records := make([]store.ChunkEmbeddingRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkEmbeddingRecord{
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			ChunkText:  capText(c.Text, p.cfg.StoredTextCap),
			Section:    locator.sectionAt(c.Start),
			TokenCount: c.TokenCount,
			CharStart:  c.Start,
			CharEnd:    c.End,
			Vector:     results[i].Vector,
		}
	}
	return records, nil
}

// Reindex re-chunks and re-embeds a ready document synchronously from its
// stored text and returns the new chunk count. It refuses to race an active
// job.
func (p *Pipeline) Reindex(ctx context.Context, documentID, ownerID string) (int, error) {
	doc, found, err := p.store.GetDocument(ctx, documentID, ownerID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrDocumentNotFound
	}
	if active, exists, err := p.store.GetActiveJobForDocument(ctx, documentID); err != nil {
		return 0, err
	} else if exists {
		return 0, &JobConflictError{DocumentID: documentID, JobID: active.ID}
	}

	content, found, err := p.store.GetDocumentContent(ctx, documentID)
	if err != nil {
		return 0, err
	}
	text := content.FullText
	if !found || strings.TrimSpace(text) == "" {
		// fall back to the stored file when the content row is missing
		data, err := os.ReadFile(doc.FilePath)
		if err != nil {
			return 0, fmt.Errorf("read stored file: %w", err)
		}
		ext, err := p.extractor.Extract(ctx, data)
		if err != nil {
			return 0, err
		}
		text = ext.Text
		if err := p.store.UpsertDocumentContent(ctx, documentID, text, extract.DetectSections(text)); err != nil {
			return 0, err
		}
	}

	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return 0, &ValidationError{Reason: "document contains no indexable text"}
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	results, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	locator := newSectionLocator(text)
	records := make([]store.ChunkEmbeddingRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkEmbeddingRecord{
			DocumentID: documentID,
			ChunkIndex: c.Index,
			ChunkText:  capText(c.Text, p.cfg.StoredTextCap),
			Section:    locator.sectionAt(c.Start),
			TokenCount: c.TokenCount,
			CharStart:  c.Start,
			CharEnd:    c.End,
			Vector:     results[i].Vector,
		}
	}
	if err := p.store.ReplaceChunkEmbeddings(ctx, documentID, p.embedder.Model(), records); err != nil {
		return 0, err
	}
	if err := p.store.UpdateDocumentStatus(ctx, documentID, store.DocumentStatusReady, ""); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// fail marks the job and document failed and returns an error carrying the
// message. Progress is left where it was.
func (p *Pipeline) fail(ctx context.Context, job store.JobRecord, documentID, message string) error {
	if documentID != "" {
		if err := p.store.UpdateDocumentStatus(ctx, documentID, store.DocumentStatusFailed, message); err != nil {
			p.logger.Printf("warn: mark document %s failed: %v", documentID, err)
		}
	}
	if err := p.store.UpdateJobState(ctx, job.ID, job.Stage, store.JobStatusFailed, 0, message); err != nil {
		p.logger.Printf("warn: mark job %s failed: %v", job.ID, err)
	}
	return fmt.Errorf("job %s failed: %s", job.ID, message)
}

// capText truncates to at most limit bytes, backing off to a rune boundary
// so the stored excerpt stays valid UTF-8.
func capText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// mergeMetadata layers extraction metadata over what ingest already recorded
// (user tags); extraction values win on key collisions.
func mergeMetadata(existing, extracted map[string]string) map[string]string {
	if len(existing) == 0 {
		return extracted
	}
	merged := make(map[string]string, len(existing)+len(extracted))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range extracted {
		merged[k] = v
	}
	return merged
}

func splitAuthors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	var out []string
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// sectionLocator maps character offsets in the full text back to the
// detected section each chunk starts in.
type sectionLocator struct {
	starts []sectionStart
}

type sectionStart struct {
	name  string
	start int
}

func newSectionLocator(fullText string) *sectionLocator {
	sections := extract.DetectSections(fullText)
	loc := &sectionLocator{}
	for name, body := range sections {
		if body == "" {
			continue
		}
		if idx := strings.Index(fullText, body); idx >= 0 {
			loc.starts = append(loc.starts, sectionStart{name: name, start: idx})
		}
	}
	sort.Slice(loc.starts, func(i, j int) bool { return loc.starts[i].start < loc.starts[j].start })
	return loc
}

// sectionAt returns the section containing the offset, or "" before the
// first detected heading.
func (l *sectionLocator) sectionAt(offset int) string {
	name := ""
	for _, s := range l.starts {
		if s.start <= offset {
			name = s.name
			continue
		}
		break
	}
	return name
}
