// Package chunker splits extracted document text into overlapping
// fixed-size word windows with stable character offsets.
package chunker

import (
	"fmt"
	"unicode"
)

// Chunk is one contiguous word window of a document's text.
type Chunk struct {
	Index      int
	Text       string
	Start      int
	End        int
	TokenCount int
}

// Chunker produces deterministic word windows of a configured size.
type Chunker struct {
	size    int
	overlap int
}

// New builds a Chunker. Overlap must be strictly less than size; that is a
// configuration error caught here rather than per call.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must be >= 0, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap (%d) must be strictly less than chunk size (%d)", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured window size in words.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured window overlap in words.
func (c *Chunker) Overlap() int { return c.overlap }

type tokenSpan struct {
	start int
	end   int
}

// Chunk splits text into ordered windows of c.size whitespace-delimited
// words, advancing the window start by size-overlap. The final window may be
// shorter. Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		first := tokens[start]
		last := tokens[end-1]
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       text[first.start:last.end],
			Start:      first.start,
			End:        last.end,
			TokenCount: end - start,
		})
		if end == len(tokens) {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

func tokenize(text string) []tokenSpan {
	var spans []tokenSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, tokenSpan{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, tokenSpan{start: start, end: len(text)})
	}
	return spans
}
