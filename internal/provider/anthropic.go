package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultAnthropicModel   = "claude-sonnet-4-5-20250514"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

type anthropicProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *apiClient
}

var _ Provider = (*anthropicProvider)(nil)

func newAnthropic(cfg Config, logger *zap.Logger) *anthropicProvider {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicProvider{
		model:   model,
		apiKey:  envKey(cfg.APIKey, "ANTHROPIC_API_KEY"),
		baseURL: baseURL,
		client:  newAPIClient("anthropic", cfg, logger),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Available() bool { return p.apiKey != "" }

func (p *anthropicProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return "", p.client.errf(ErrUnavailable, false, "anthropic does not support audio transcription")
}

func (p *anthropicProvider) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	raw, err := p.complete(ctx, extractionSystemPrompt, buildExtractionPrompt(req))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(raw, req.Fields), nil
}

func (p *anthropicProvider) Chat(ctx context.Context, system, prompt string) (string, error) {
	return p.complete(ctx, system, prompt)
}

func (p *anthropicProvider) complete(ctx context.Context, system, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", p.client.errf(ErrUnavailable, false, "no API key configured, set ANTHROPIC_API_KEY")
	}

	payload := map[string]any{
		"model":      p.model,
		"max_tokens": defaultMaxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if system != "" {
		payload["system"] = system
	}

	headers := map[string]string{
		"X-API-Key":         p.apiKey,
		"Anthropic-Version": anthropicVersion,
	}

	body, err := p.client.postJSON(ctx, p.baseURL+"/v1/messages", headers, payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", p.client.errf(ErrUnknown, false, "empty response from model %s", p.model)
}
