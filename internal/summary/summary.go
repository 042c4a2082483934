// Package summary generates natural-language study aids from extracted
// document text via a chat completion model.
package summary

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/paperbase/config"
)

// Variants of generated output.
const (
	VariantSummary    = "summary"
	VariantKeyPoints  = "key_points"
	VariantFlashcards = "flashcards"
)

var prompts = map[string]string{
	VariantSummary:    "Summarize the following research paper text in three to five paragraphs for a graduate-level reader. Cover the problem, the approach and the main findings.",
	VariantKeyPoints:  "Extract the key points of the following research paper text as a concise bullet list. One finding or claim per bullet.",
	VariantFlashcards: "Turn the following research paper text into question/answer flashcards for studying. Format each as 'Q: ...' followed by 'A: ...'.",
}

// UpstreamError marks a failure of the completion provider, so callers can
// map it to a gateway error instead of a server fault.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("llm request failed: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service turns document text into summaries.
type Service struct {
	client chatClient
	cfg    config.LLMConfig
}

// New builds a Service from config.
func New(cfg config.LLMConfig) *Service {
	cfg = cfg.Normalize()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Service{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

// NewWithClient is used by tests to inject a fake completion client.
func NewWithClient(client chatClient, cfg config.LLMConfig) *Service {
	return &Service{client: client, cfg: cfg.Normalize()}
}

// KnownVariant reports whether the requested output variant exists.
func KnownVariant(variant string) bool {
	_, ok := prompts[variant]
	return ok
}

// Generate produces the requested variant from document text. Input beyond
// the configured cap is truncated before the model call.
func (s *Service) Generate(ctx context.Context, variant, text string) (string, error) {
	prompt, ok := prompts[variant]
	if !ok {
		return "", fmt.Errorf("unknown summary variant %q", variant)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("document has no text to summarize")
	}
	if len(text) > s.cfg.InputCap {
		cut := s.cfg.InputCap
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Err: fmt.Errorf("empty completion response")}
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", &UpstreamError{Err: fmt.Errorf("blank completion content")}
	}
	return out, nil
}
