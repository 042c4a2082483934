// Package index implements the similarity-search read path over stored
// chunk vectors: free-text search, in-document search and
// document-to-document similarity.
package index

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/embedding"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

type vectorStore interface {
	SearchChunkEmbeddings(ctx context.Context, vector []float32, ownerID string, limit int) ([]store.ChunkSearchResult, error)
	SearchChunksWithinDocument(ctx context.Context, vector []float32, documentID string, limit int) ([]store.ChunkSearchResult, error)
	SearchSimilarChunkEmbeddings(ctx context.Context, vector []float32, excludeDocumentID, excludeOwnerID string, limit int) ([]store.ChunkSearchResult, error)
	ListDocumentVectors(ctx context.Context, documentID string) ([][]float32, error)
	InsertSearchQuery(ctx context.Context, rec store.SearchQueryRecord) error
}

type queryEmbedder interface {
	Embed(ctx context.Context, text string) (embedding.Result, error)
}

// DocumentHit is one ranked search result, deduplicated by document.
type DocumentHit struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// ChunkHit is one ranked chunk inside a single document.
type ChunkHit struct {
	ChunkIndex int     `json:"chunk_index"`
	ChunkText  string  `json:"chunk_text"`
	Score      float64 `json:"score"`
}

// Index performs vector searches against the store.
type Index struct {
	store     vectorStore
	embedder  queryEmbedder
	overfetch int
	logger    *log.Logger
}

// New builds an Index. The over-fetch factor controls how many raw neighbor
// rows are pulled before per-document deduplication; 2x limit is the default
// heuristic and is not guaranteed to fill limit results after dedup.
func New(st vectorStore, embedder queryEmbedder, cfg config.SearchConfig, logger *log.Logger) *Index {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	return &Index{store: st, embedder: embedder, overfetch: cfg.OverfetchFactor, logger: logger}
}

// Search embeds the query text and returns ranked documents, deduplicated
// so each document appears once with its best chunk score. Zero matches
// yield an empty result, never an error. Every completed search is logged.
func (ix *Index) Search(ctx context.Context, queryText, ownerID string, limit int, minScore float64) ([]DocumentHit, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if limit <= 0 {
		limit = 10
	}
	started := time.Now()

	res, err := ix.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	raw, err := ix.store.SearchChunkEmbeddings(ctx, res.Vector, ownerID, limit*ix.overfetch)
	if err != nil {
		return nil, err
	}

	hits := dedupeByDocument(raw, minScore, limit)

	record := store.SearchQueryRecord{
		OwnerID:     ownerID,
		QueryText:   queryText,
		QueryVector: res.Vector,
		ResultCount: len(hits),
		ElapsedMS:   time.Since(started).Milliseconds(),
	}
	if len(hits) > 0 {
		record.TopDocumentID = hits[0].DocumentID
		record.TopScore = hits[0].Score
	}
	if err := ix.store.InsertSearchQuery(ctx, record); err != nil {
		ix.logger.Printf("warn: search query log failed: %v", err)
	}
	return hits, nil
}

// SearchWithinDocument embeds the query and returns the best matching chunks
// of a single document, without per-document deduplication.
func (ix *Index) SearchWithinDocument(ctx context.Context, queryText, documentID string, limit int) ([]ChunkHit, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	res, err := ix.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	raw, err := ix.store.SearchChunksWithinDocument(ctx, res.Vector, documentID, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]ChunkHit, 0, len(raw))
	for _, row := range raw {
		hits = append(hits, ChunkHit{
			ChunkIndex: row.ChunkIndex,
			ChunkText:  row.ChunkText,
			Score:      clampSimilarity(1 - row.Distance),
		})
	}
	return hits, nil
}

// FindSimilar ranks other documents by similarity to the source document's
// representative vector, the component-wise mean of its chunk vectors. A
// document with no embedded chunks yields an empty result. The source
// document is always excluded.
func (ix *Index) FindSimilar(ctx context.Context, documentID string, limit int, excludeOwnerID string) ([]DocumentHit, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	vectors, err := ix.store.ListDocumentVectors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	mean := embedding.MeanVector(vectors)

	raw, err := ix.store.SearchSimilarChunkEmbeddings(ctx, mean, documentID, excludeOwnerID, limit*ix.overfetch)
	if err != nil {
		return nil, err
	}
	hits := dedupeByDocument(raw, 0, limit)
	// the store query already excludes the source; keep the guarantee even
	// if a stale row slips through mid-reindex
	filtered := hits[:0]
	for _, hit := range hits {
		if hit.DocumentID != documentID {
			filtered = append(filtered, hit)
		}
	}
	return filtered, nil
}

// dedupeByDocument keeps the maximum score per document, then sorts
// descending and truncates to limit, dropping scores below minScore.
func dedupeByDocument(raw []store.ChunkSearchResult, minScore float64, limit int) []DocumentHit {
	best := make(map[string]float64, len(raw))
	for _, row := range raw {
		score := clampSimilarity(1 - row.Distance)
		if score < minScore {
			continue
		}
		if existing, ok := best[row.DocumentID]; !ok || score > existing {
			best[row.DocumentID] = score
		}
	}
	hits := make([]DocumentHit, 0, len(best))
	for id, score := range best {
		hits = append(hits, DocumentHit{DocumentID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func clampSimilarity(val float64) float64 {
	if val < 0 {
		return 0
	}
	if val > 1 {
		return 1
	}
	return val
}
