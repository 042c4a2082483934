// Package extract turns raw PDF bytes into plain text plus document
// metadata. Extraction is a pure transformation: nothing is persisted here.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Error reports a document that could not be extracted.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Extraction is the result of parsing one document.
type Extraction struct {
	Text        string
	PageCount   int
	WordCount   int
	Fingerprint string
	Metadata    map[string]string
}

// Extractor parses uploaded PDF bytes.
type Extractor struct{}

// NewExtractor returns a ready Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Fingerprint computes the SHA-256 hex digest of raw document bytes. It is
// used for owner-scoped duplicate detection before any parsing happens.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extract parses the PDF and returns its plain text, page and word counts,
// content fingerprint and any title/author metadata found in the document
// info dictionary.
func (e *Extractor) Extract(ctx context.Context, data []byte) (Extraction, error) {
	if len(data) == 0 {
		return Extraction{}, &Error{Reason: "empty document"}
	}

	reader, err := openReader(data)
	if err != nil {
		return Extraction{}, &Error{Reason: "malformed PDF", Err: err}
	}

	pageCount := reader.NumPage()
	if pageCount == 0 {
		return Extraction{}, &Error{Reason: "document has no pages"}
	}

	var builder strings.Builder
	for i := 1; i <= pageCount; i++ {
		select {
		case <-ctx.Done():
			return Extraction{}, ctx.Err()
		default:
		}
		pageText, err := readPage(reader, i)
		if err != nil {
			// A single unreadable page is tolerated; the document fails
			// only when nothing at all is extractable.
			continue
		}
		if pageText != "" {
			builder.WriteString(pageText)
			builder.WriteString("\n")
		}
	}

	text := strings.TrimSpace(builder.String())
	if text == "" {
		return Extraction{}, &Error{Reason: "no extractable text"}
	}

	return Extraction{
		Text:        text,
		PageCount:   pageCount,
		WordCount:   len(strings.Fields(text)),
		Fingerprint: Fingerprint(data),
		Metadata:    readInfo(reader),
	}, nil
}

// openReader wraps pdf.NewReader, converting parser panics on hostile input
// into errors.
func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r = nil
			err = fmt.Errorf("pdf parser panic: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func readPage(reader *pdf.Reader, number int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("pdf page panic: %v", rec)
		}
	}()
	page := reader.Page(number)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d is null", number)
	}
	return page.GetPlainText(nil)
}

func readInfo(reader *pdf.Reader) map[string]string {
	meta := map[string]string{}
	defer func() { _ = recover() }()
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return meta
	}
	for _, key := range []string{"Title", "Author", "Subject", "Creator"} {
		if v := strings.TrimSpace(info.Key(key).Text()); v != "" {
			meta[strings.ToLower(key)] = v
		}
	}
	return meta
}
