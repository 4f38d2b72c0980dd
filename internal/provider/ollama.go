package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultOllamaModel   = "llama3.2"
	defaultOllamaBaseURL = "http://localhost:11434"
)

type ollamaProvider struct {
	model   string
	baseURL string
	client  *apiClient
}

var _ Provider = (*ollamaProvider)(nil)

func newOllama(cfg Config, logger *zap.Logger) *ollamaProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &ollamaProvider{
		model:   model,
		baseURL: baseURL,
		client:  newAPIClient("ollama", cfg, logger),
	}
}

func (p *ollamaProvider) Name() string { return "ollama" }

// Available probes the local server with a short timeout. No key to check;
// the only question is whether anything is listening.
func (p *ollamaProvider) Available() bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(p.baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *ollamaProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return "", p.client.errf(ErrUnavailable, false, "ollama does not support audio transcription")
}

func (p *ollamaProvider) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	raw, err := p.complete(ctx, extractionSystemPrompt, buildExtractionPrompt(req))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(raw, req.Fields), nil
}

func (p *ollamaProvider) Chat(ctx context.Context, system, prompt string) (string, error) {
	return p.complete(ctx, system, prompt)
}

func (p *ollamaProvider) complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
		"stream":   false,
	}

	body, err := p.client.postJSON(ctx, p.baseURL+"/api/chat", nil, payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %w", err)
	}

	if result.Message.Content == "" {
		return "", p.client.errf(ErrUnknown, false, "empty response from model %s", p.model)
	}
	return result.Message.Content, nil
}
