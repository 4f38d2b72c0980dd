package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultOpenAIBaseURL      = "https://api.openai.com"
	defaultTranscriptionModel = "whisper-1"
)

type openaiProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *apiClient
}

var _ Provider = (*openaiProvider)(nil)

func newOpenAI(cfg Config, logger *zap.Logger) *openaiProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openaiProvider{
		model:   model,
		apiKey:  envKey(cfg.APIKey, "OPENAI_API_KEY"),
		baseURL: baseURL,
		client:  newAPIClient("openai", cfg, logger),
	}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Available() bool { return p.apiKey != "" }

func (p *openaiProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if p.apiKey == "" {
		return "", p.client.errf(ErrUnavailable, false, "no API key configured, set OPENAI_API_KEY")
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	fields := map[string]string{"model": defaultTranscriptionModel}

	body, err := p.client.postMultipart(ctx, p.baseURL+"/v1/audio/transcriptions", headers, audioPath, "file", fields)
	if err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse transcription response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", p.client.errf(ErrUnknown, false, "transcription returned no text for %s", audioPath)
	}
	return text, nil
}

func (p *openaiProvider) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	raw, err := p.complete(ctx, extractionSystemPrompt, buildExtractionPrompt(req))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(raw, req.Fields), nil
}

func (p *openaiProvider) Chat(ctx context.Context, system, prompt string) (string, error) {
	return p.complete(ctx, system, prompt)
}

func (p *openaiProvider) complete(ctx context.Context, system, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", p.client.errf(ErrUnavailable, false, "no API key configured, set OPENAI_API_KEY")
	}

	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	payload := map[string]any{
		"model":      p.model,
		"messages":   messages,
		"max_tokens": defaultMaxTokens,
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}

	body, err := p.client.postJSON(ctx, p.baseURL+"/v1/chat/completions", headers, payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse openai response: %w", err)
	}

	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", p.client.errf(ErrUnknown, false, "empty response from model %s", p.model)
	}
	return result.Choices[0].Message.Content, nil
}
