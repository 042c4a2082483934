package index

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/embedding"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

type stubStore struct {
	searchResults  []store.ChunkSearchResult
	searchErr      error
	searchLimit    int
	withinResults  []store.ChunkSearchResult
	similarResults []store.ChunkSearchResult
	similarLimit   int
	similarVector  []float32
	vectors        [][]float32
	logged         []store.SearchQueryRecord
	logErr         error
}

func (s *stubStore) SearchChunkEmbeddings(_ context.Context, _ []float32, _ string, limit int) ([]store.ChunkSearchResult, error) {
	s.searchLimit = limit
	return s.searchResults, s.searchErr
}

func (s *stubStore) SearchChunksWithinDocument(_ context.Context, _ []float32, _ string, _ int) ([]store.ChunkSearchResult, error) {
	return s.withinResults, nil
}

func (s *stubStore) SearchSimilarChunkEmbeddings(_ context.Context, vector []float32, _, _ string, limit int) ([]store.ChunkSearchResult, error) {
	s.similarVector = vector
	s.similarLimit = limit
	return s.similarResults, nil
}

func (s *stubStore) ListDocumentVectors(_ context.Context, _ string) ([][]float32, error) {
	return s.vectors, nil
}

func (s *stubStore) InsertSearchQuery(_ context.Context, rec store.SearchQueryRecord) error {
	s.logged = append(s.logged, rec)
	return s.logErr
}

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) (embedding.Result, error) {
	s.calls++
	return embedding.Result{Vector: s.vector}, s.err
}

func searchConfig() config.SearchConfig {
	return config.SearchConfig{DefaultLimit: 10, MaxLimit: 50, OverfetchFactor: 2}
}

func TestSearchDeduplicatesByDocument(t *testing.T) {
	st := &stubStore{searchResults: []store.ChunkSearchResult{
		{DocumentID: "doc-a", ChunkIndex: 0, Distance: 0.4},
		{DocumentID: "doc-a", ChunkIndex: 3, Distance: 0.1},
		{DocumentID: "doc-b", ChunkIndex: 1, Distance: 0.2},
	}}
	em := &stubEmbedder{vector: []float32{0.5, 0.5}}
	ix := New(st, em, searchConfig(), nil)

	hits, err := ix.Search(context.Background(), "transformers", "owner-1", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(hits))
	}
	// doc-a keeps its best chunk distance 0.1 and ranks first
	if hits[0].DocumentID != "doc-a" || hits[0].Score != 0.9 {
		t.Fatalf("unexpected top hit: %+v", hits[0])
	}
	if hits[1].DocumentID != "doc-b" || hits[1].Score != 0.8 {
		t.Fatalf("unexpected second hit: %+v", hits[1])
	}
}

func TestSearchOverfetchesBeforeDedup(t *testing.T) {
	st := &stubStore{}
	em := &stubEmbedder{vector: []float32{1}}
	ix := New(st, em, searchConfig(), nil)

	if _, err := ix.Search(context.Background(), "q", "", 5, 0); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if st.searchLimit != 10 {
		t.Fatalf("expected raw limit 10 (5 * factor 2), got %d", st.searchLimit)
	}
}

func TestSearchAppliesMinScoreAndLimit(t *testing.T) {
	st := &stubStore{searchResults: []store.ChunkSearchResult{
		{DocumentID: "doc-a", Distance: 0.05},
		{DocumentID: "doc-b", Distance: 0.15},
		{DocumentID: "doc-c", Distance: 0.6},
	}}
	em := &stubEmbedder{vector: []float32{1}}
	ix := New(st, em, searchConfig(), nil)

	hits, err := ix.Search(context.Background(), "q", "", 2, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// doc-c at score 0.4 falls below min_score
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, hit := range hits {
		if hit.Score < 0.5 {
			t.Fatalf("hit below min score: %+v", hit)
		}
	}
}

func TestSearchZeroMatchesIsNotAnError(t *testing.T) {
	st := &stubStore{}
	em := &stubEmbedder{vector: []float32{1}}
	ix := New(st, em, searchConfig(), nil)

	hits, err := ix.Search(context.Background(), "no such topic", "", 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result, got %+v", hits)
	}
}

func TestSearchLogsQuery(t *testing.T) {
	st := &stubStore{searchResults: []store.ChunkSearchResult{
		{DocumentID: "doc-a", Distance: 0.1},
	}}
	em := &stubEmbedder{vector: []float32{0.2}}
	ix := New(st, em, searchConfig(), nil)

	if _, err := ix.Search(context.Background(), "diffusion models", "owner-1", 5, 0); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(st.logged) != 1 {
		t.Fatalf("expected one logged query, got %d", len(st.logged))
	}
	rec := st.logged[0]
	if rec.QueryText != "diffusion models" || rec.OwnerID != "owner-1" {
		t.Fatalf("unexpected log record: %+v", rec)
	}
	if rec.ResultCount != 1 || rec.TopDocumentID != "doc-a" {
		t.Fatalf("unexpected log stats: %+v", rec)
	}
}

func TestSearchLogFailureDoesNotFailSearch(t *testing.T) {
	st := &stubStore{
		searchResults: []store.ChunkSearchResult{{DocumentID: "doc-a", Distance: 0.1}},
		logErr:        errors.New("insert failed"),
	}
	em := &stubEmbedder{vector: []float32{1}}
	ix := New(st, em, searchConfig(), nil)

	hits, err := ix.Search(context.Background(), "q", "", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ix := New(&stubStore{}, &stubEmbedder{}, searchConfig(), nil)
	if _, err := ix.Search(context.Background(), "   ", "", 5, 0); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestSearchPropagatesEmbedError(t *testing.T) {
	em := &stubEmbedder{err: errors.New("provider down")}
	ix := New(&stubStore{}, em, searchConfig(), nil)
	if _, err := ix.Search(context.Background(), "q", "", 5, 0); err == nil {
		t.Fatal("expected embed error to propagate")
	}
}

func TestSearchWithinDocumentKeepsAllChunks(t *testing.T) {
	st := &stubStore{withinResults: []store.ChunkSearchResult{
		{DocumentID: "doc-1", ChunkIndex: 4, ChunkText: "best", Distance: 0.1},
		{DocumentID: "doc-1", ChunkIndex: 0, ChunkText: "second", Distance: 0.3},
	}}
	em := &stubEmbedder{vector: []float32{1}}
	ix := New(st, em, searchConfig(), nil)

	hits, err := ix.SearchWithinDocument(context.Background(), "q", "doc-1", 5)
	if err != nil {
		t.Fatalf("SearchWithinDocument: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 chunk hits, got %d", len(hits))
	}
	if hits[0].ChunkIndex != 4 || hits[0].Score != 0.9 {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
}

func TestFindSimilarUsesMeanVector(t *testing.T) {
	st := &stubStore{
		vectors: [][]float32{{0, 1}, {1, 0}},
		similarResults: []store.ChunkSearchResult{
			{DocumentID: "doc-2", Distance: 0.2},
			{DocumentID: "doc-3", Distance: 0.5},
		},
	}
	ix := New(st, &stubEmbedder{}, searchConfig(), nil)

	hits, err := ix.FindSimilar(context.Background(), "doc-1", 5, "")
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(st.similarVector) != 2 || st.similarVector[0] != 0.5 || st.similarVector[1] != 0.5 {
		t.Fatalf("expected mean vector [0.5 0.5], got %v", st.similarVector)
	}
	if st.similarLimit != 10 {
		t.Fatalf("expected over-fetched limit 10, got %d", st.similarLimit)
	}
	if len(hits) != 2 || hits[0].DocumentID != "doc-2" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestFindSimilarNoEmbeddedChunks(t *testing.T) {
	ix := New(&stubStore{}, &stubEmbedder{}, searchConfig(), nil)
	hits, err := ix.FindSimilar(context.Background(), "doc-empty", 5, "")
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result, got %+v", hits)
	}
}

func TestFindSimilarNeverReturnsSource(t *testing.T) {
	st := &stubStore{
		vectors: [][]float32{{1}},
		similarResults: []store.ChunkSearchResult{
			{DocumentID: "doc-1", Distance: 0},
			{DocumentID: "doc-2", Distance: 0.3},
		},
	}
	ix := New(st, &stubEmbedder{}, searchConfig(), nil)

	hits, err := ix.FindSimilar(context.Background(), "doc-1", 5, "")
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	for _, hit := range hits {
		if hit.DocumentID == "doc-1" {
			t.Fatalf("source document leaked into results: %+v", hits)
		}
	}
}
