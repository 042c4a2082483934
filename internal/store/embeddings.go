package store

import (
	"context"
	"fmt"
)

// IndexError reports a vector-store failure, e.g. a dimension mismatch
// between stored and query vectors. Retries cannot fix it; it indicates a
// model or schema version mismatch.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index %s failed: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// ChunkEmbeddingRecord is the stored vector for one chunk of a document.
type ChunkEmbeddingRecord struct {
	DocumentID string
	ChunkIndex int
	ChunkText  string
	Section    string
	TokenCount int
	CharStart  int
	CharEnd    int
	Vector     []float32
}

// ChunkSearchResult is one raw nearest-neighbor row. Distance is pgvector
// cosine distance; similarity is 1 - distance.
type ChunkSearchResult struct {
	DocumentID string
	ChunkIndex int
	ChunkText  string
	Distance   float64
}

// ReplaceChunkEmbeddings replaces every stored vector for a document with
// the provided set inside one transaction. Delete-then-insert guarantees the
// index matches the current chunk set exactly; no old chunk survives a
// shrink, and searchers never observe a partially written set.
func (s *Store) ReplaceChunkEmbeddings(ctx context.Context, documentID, modelName string, records []ChunkEmbeddingRecord) (err error) {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE document_id=$1`, documentID); err != nil {
		return &IndexError{Op: "replace", Err: fmt.Errorf("delete existing chunk embeddings: %w", err)}
	}
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_embeddings (document_id, chunk_index, chunk_text, section, token_count, char_start, char_end, model_name, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::vector,NOW())
`)
	if err != nil {
		return &IndexError{Op: "replace", Err: err}
	}
	defer stmt.Close()
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return &IndexError{Op: "replace", Err: fmt.Errorf("empty vector for chunk %d", rec.ChunkIndex)}
		}
		vectorLiteral, encErr := encodeVectorLiteral(rec.Vector)
		if encErr != nil {
			err = &IndexError{Op: "replace", Err: encErr}
			return err
		}
		if _, err = stmt.ExecContext(ctx, documentID, rec.ChunkIndex, rec.ChunkText, nullableString(rec.Section), rec.TokenCount, rec.CharStart, rec.CharEnd, modelName, vectorLiteral); err != nil {
			err = &IndexError{Op: "replace", Err: fmt.Errorf("insert chunk %d: %w", rec.ChunkIndex, err)}
			return err
		}
	}
	return nil
}

// SearchChunkEmbeddings returns the raw nearest chunk rows for a query
// vector, optionally restricted to one owner's documents. Callers are
// expected to over-fetch and deduplicate by document.
func (s *Store) SearchChunkEmbeddings(ctx context.Context, vector []float32, ownerID string, limit int) ([]ChunkSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, &IndexError{Op: "search", Err: err}
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT ce.document_id, ce.chunk_index, ce.chunk_text, ce.embedding <=> $1::vector AS distance
FROM chunk_embeddings ce
JOIN documents d ON d.id = ce.document_id
WHERE ($2 = '' OR d.owner_id = $2)
ORDER BY ce.embedding <=> $1::vector
LIMIT $3
`, vecLiteral, ownerID, limit)
	if err != nil {
		return nil, &IndexError{Op: "search", Err: err}
	}
	defer rows.Close()
	return scanChunkResults(rows)
}

// SearchChunksWithinDocument returns the nearest chunks of a single document
// for a query vector.
func (s *Store) SearchChunksWithinDocument(ctx context.Context, vector []float32, documentID string, limit int) ([]ChunkSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if documentID == "" {
		return nil, fmt.Errorf("document_id required")
	}
	if limit <= 0 {
		limit = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, &IndexError{Op: "search_within", Err: err}
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT document_id, chunk_index, chunk_text, embedding <=> $1::vector AS distance
FROM chunk_embeddings
WHERE document_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, documentID, limit)
	if err != nil {
		return nil, &IndexError{Op: "search_within", Err: err}
	}
	defer rows.Close()
	return scanChunkResults(rows)
}

// SearchSimilarChunkEmbeddings returns the nearest chunk rows excluding the
// source document, and optionally excluding one owner's documents entirely.
func (s *Store) SearchSimilarChunkEmbeddings(ctx context.Context, vector []float32, excludeDocumentID, excludeOwnerID string, limit int) ([]ChunkSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, &IndexError{Op: "search_similar", Err: err}
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT ce.document_id, ce.chunk_index, ce.chunk_text, ce.embedding <=> $1::vector AS distance
FROM chunk_embeddings ce
JOIN documents d ON d.id = ce.document_id
WHERE ce.document_id <> $2 AND ($3 = '' OR d.owner_id <> $3)
ORDER BY ce.embedding <=> $1::vector
LIMIT $4
`, vecLiteral, excludeDocumentID, excludeOwnerID, limit)
	if err != nil {
		return nil, &IndexError{Op: "search_similar", Err: err}
	}
	defer rows.Close()
	return scanChunkResults(rows)
}

type rowScanner interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}

func scanChunkResults(rows rowScanner) ([]ChunkSearchResult, error) {
	var results []ChunkSearchResult
	for rows.Next() {
		var res ChunkSearchResult
		if err := rows.Scan(&res.DocumentID, &res.ChunkIndex, &res.ChunkText, &res.Distance); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// ListDocumentVectors returns every stored chunk vector of a document in
// chunk order, for mean-vector composition.
func (s *Store) ListDocumentVectors(ctx context.Context, documentID string) ([][]float32, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document_id required")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT embedding::text FROM chunk_embeddings WHERE document_id=$1 ORDER BY chunk_index
`, documentID)
	if err != nil {
		return nil, &IndexError{Op: "list_vectors", Err: err}
	}
	defer rows.Close()
	var vectors [][]float32
	for rows.Next() {
		var literal string
		if err := rows.Scan(&literal); err != nil {
			return nil, err
		}
		vec, err := decodeVectorLiteral(literal)
		if err != nil {
			return nil, &IndexError{Op: "list_vectors", Err: err}
		}
		vectors = append(vectors, vec)
	}
	return vectors, rows.Err()
}

// CountChunkEmbeddings returns the number of stored vectors for a document.
func (s *Store) CountChunkEmbeddings(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings WHERE document_id=$1`, documentID).Scan(&count)
	return count, err
}
