package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/paperbase/config"
)

type stubChat struct {
	reply    string
	err      error
	lastReq  openai.ChatCompletionRequest
	numCalls int
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.numCalls++
	s.lastReq = req
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: s.reply}}},
	}, nil
}

func TestGenerateSummary(t *testing.T) {
	chat := &stubChat{reply: "The paper proposes a new method."}
	svc := NewWithClient(chat, config.LLMConfig{Model: "gpt-4o-mini"})

	out, err := svc.Generate(context.Background(), VariantSummary, "full paper text")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "The paper proposes a new method." {
		t.Fatalf("unexpected output: %q", out)
	}
	if chat.lastReq.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model: %s", chat.lastReq.Model)
	}
	if len(chat.lastReq.Messages) != 2 || chat.lastReq.Messages[1].Content != "full paper text" {
		t.Fatalf("unexpected messages: %+v", chat.lastReq.Messages)
	}
}

func TestGenerateTruncatesLongInput(t *testing.T) {
	chat := &stubChat{reply: "ok"}
	svc := NewWithClient(chat, config.LLMConfig{InputCap: 100})

	if _, err := svc.Generate(context.Background(), VariantKeyPoints, strings.Repeat("x", 500)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(chat.lastReq.Messages[1].Content); got != 100 {
		t.Fatalf("expected input capped at 100 chars, got %d", got)
	}
}

func TestGenerateTruncationKeepsRuneBoundary(t *testing.T) {
	chat := &stubChat{reply: "ok"}
	svc := NewWithClient(chat, config.LLMConfig{InputCap: 101})

	// two-byte runes; a byte cut at 101 would land mid-rune
	if _, err := svc.Generate(context.Background(), VariantSummary, strings.Repeat("ü", 200)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sent := chat.lastReq.Messages[1].Content
	if len(sent) > 101 {
		t.Fatalf("input exceeds cap: %d bytes", len(sent))
	}
	if !utf8.ValidString(sent) {
		t.Fatalf("capped input is not valid UTF-8: %q", sent)
	}
}

func TestGenerateRejectsUnknownVariant(t *testing.T) {
	chat := &stubChat{reply: "ok"}
	svc := NewWithClient(chat, config.LLMConfig{})
	if _, err := svc.Generate(context.Background(), "haiku", "text"); err == nil {
		t.Fatal("expected error for unknown variant")
	}
	if chat.numCalls != 0 {
		t.Fatal("model must not be called for unknown variant")
	}
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	svc := NewWithClient(&stubChat{}, config.LLMConfig{})
	if _, err := svc.Generate(context.Background(), VariantSummary, "   "); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestGenerateWrapsProviderFailure(t *testing.T) {
	svc := NewWithClient(&stubChat{err: errors.New("rate limited")}, config.LLMConfig{})
	_, err := svc.Generate(context.Background(), VariantSummary, "text")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestKnownVariant(t *testing.T) {
	for _, v := range []string{VariantSummary, VariantKeyPoints, VariantFlashcards} {
		if !KnownVariant(v) {
			t.Fatalf("variant %s should be known", v)
		}
	}
	if KnownVariant("poem") {
		t.Fatal("unexpected variant accepted")
	}
}
