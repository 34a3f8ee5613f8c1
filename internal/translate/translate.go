// Package translate adapts an OpenAI-compatible chat completion endpoint
// into the small language-detection/translation contract the processor
// pipeline needs. Grounded in the openai-go SDK usage shown in
// win30221-genesis's pkg/llm/openailm client — a plain, non-streaming chat
// completion call is enough here since translation has no need for
// token-by-token output.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Result is the outcome of a successful translation.
type Result struct {
	TranslatedText string
	SourceLanguage string
	Provider       string
	CostUSD        float64
}

// Translator detects source language and translates text toward a target
// language. Implementations must treat failure as non-fatal to the caller —
// spec.md §4.6 step 4 requires translation failure to leave the message to
// proceed untranslated, never to fail the whole pipeline.
type Translator interface {
	DetectLanguage(ctx context.Context, text string) (string, error)
	Translate(ctx context.Context, text, targetLang string) (Result, error)
}

// costPerThousandTokens is a flat estimate used to report an approximate
// per-call cost; the SDK doesn't expose vendor billing directly.
const costPerThousandTokens = 0.00015

// OpenAIAdapter implements Translator against an OpenAI-compatible
// chat completions endpoint.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// NewOpenAIAdapter builds an adapter. baseURL is optional (empty uses the
// SDK's default OpenAI endpoint); set it to target an OpenAI-compatible
// self-hosted model server.
func NewOpenAIAdapter(apiKey, model, baseURL string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIAdapter{client: &client, model: model}
}

// DetectLanguage asks the model to return a bare ISO-639-1 code for text's
// language. Returns "und" if the model's answer doesn't look like a code.
func (a *OpenAIAdapter) DetectLanguage(ctx context.Context, text string) (string, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Identify the language of the user's message. Reply with only its ISO 639-1 two-letter code, lowercase, nothing else."),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate: detect language: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "und", nil
	}
	code := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	if len(code) != 2 {
		return "und", nil
	}
	return code, nil
}

// Translate renders text in targetLang. The provider tag recorded is the
// adapter's model name, matching the "provider tag" spec.md §3 calls for
// on the Message entity.
func (a *OpenAIAdapter) Translate(ctx context.Context, text, targetLang string) (Result, error) {
	sourceLang, err := a.DetectLanguage(ctx, text)
	if err != nil {
		return Result{}, err
	}
	if sourceLang == targetLang {
		return Result{TranslatedText: text, SourceLanguage: sourceLang, Provider: a.model}, nil
	}

	prompt := fmt.Sprintf("Translate the following message into %s. Reply with only the translation, no commentary, preserving the original meaning and tone.", targetLang)
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("translate: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("translate: empty response")
	}

	cost := float64(resp.Usage.TotalTokens) / 1000 * costPerThousandTokens

	return Result{
		TranslatedText: resp.Choices[0].Message.Content,
		SourceLanguage: sourceLang,
		Provider:       a.model,
		CostUSD:        cost,
	}, nil
}

// unknownLanguageMarker is what the reference pipeline uses for an
// undetectable source language; kept as a named constant so callers compare
// against it rather than the literal.
const unknownLanguageMarker = "und"

// IsUnknown reports whether lang is the sentinel for "could not detect",
// matching spec.md §4.6 step 4's "not unknown" gate on attempting
// translation at all.
func IsUnknown(lang string) bool { return lang == unknownLanguageMarker }
