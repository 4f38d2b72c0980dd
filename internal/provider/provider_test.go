package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/distill/internal/models"
)

func TestAnthropicChat(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello there"}},
		})
	}))
	defer srv.Close()

	p := newAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := p.Chat(context.Background(), "be brief", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, defaultAnthropicModel, gotPayload["model"])
	assert.Equal(t, "be brief", gotPayload["system"])
}

func TestAnthropicTranscribeUnsupported(t *testing.T) {
	p := newAnthropic(Config{APIKey: "test-key"}, nil)

	_, err := p.Transcribe(context.Background(), "clip.mp3")
	require.Error(t, err)
	assert.Equal(t, ErrUnavailable, KindOf(err))
}

func TestAnthropicExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{
				"type": "text",
				"text": "```json\n{\"mood\": \"optimistic\", \"risks\": [\"timeline\"]}\n```",
			}},
		})
	}))
	defer srv.Close()

	p := newAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)

	got, err := p.Extract(context.Background(), ExtractRequest{
		Transcript: "Feeling good, timeline is tight.",
		Fields: []models.FieldSpec{
			{ID: "mood", Type: models.FieldText},
			{ID: "risks", Type: models.FieldList},
		},
	})
	require.NoError(t, err)
	assert.False(t, got.Partial)
	assert.Equal(t, "optimistic", got.Values["mood"])
	assert.Equal(t, []string{"timeline"}, got.Values["risks"])
}

func TestOpenAIChat(t *testing.T) {
	var gotPath, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "sure thing"}},
			},
		})
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := p.Chat(context.Background(), "", "help me out")
	require.NoError(t, err)
	assert.Equal(t, "sure thing", out)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestOpenAITranscribe(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("fake audio bytes"), 0o644))

	var gotModel, gotFilename string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		gotFilename = header.Filename

		json.NewEncoder(w).Encode(map[string]any{"text": "what was said"})
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := p.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "what was said", out)
	assert.Equal(t, defaultTranscriptionModel, gotModel)
	assert.Equal(t, "clip.mp3", gotFilename)
}

func TestOpenAITranscribeEmptyResult(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("fake audio bytes"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "  "})
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)

	_, err := p.Transcribe(context.Background(), audio)
	require.Error(t, err)
	assert.Equal(t, ErrUnknown, KindOf(err))
}

func TestOllamaChat(t *testing.T) {
	var gotStream any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotStream = payload["stream"]

		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "local answer"},
		})
	}))
	defer srv.Close()

	p := newOllama(Config{BaseURL: srv.URL}, nil)

	out, err := p.Chat(context.Background(), "", "ping")
	require.NoError(t, err)
	assert.Equal(t, "local answer", out)
	assert.Equal(t, false, gotStream)
}

func TestRetryOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "recovered"},
		})
	}))
	defer srv.Close()

	p := newOllama(Config{BaseURL: srv.URL, MaxRetries: 2}, nil)

	out, err := p.Chat(context.Background(), "", "ping")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, calls)
}

func TestNoRetryOnAuthFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key"},
		})
	}))
	defer srv.Close()

	p := newAnthropic(Config{APIKey: "bad-key", BaseURL: srv.URL, MaxRetries: 3}, nil)

	_, err := p.Chat(context.Background(), "", "ping")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "bad key")
}

func TestRateLimitClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 1}, nil)

	_, err := p.Chat(context.Background(), "", "ping")
	require.Error(t, err)
	assert.Equal(t, ErrRateLimited, KindOf(err))
}

func TestMissingKeyIsUnavailable(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	p := newAnthropic(Config{}, nil)
	assert.False(t, p.Available())

	_, err := p.Chat(context.Background(), "", "ping")
	require.Error(t, err)
	assert.Equal(t, ErrUnavailable, KindOf(err))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Name: "mystery"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestConfigKeyBeatsEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	p := newOpenAI(Config{APIKey: "config-key"}, nil)
	assert.Equal(t, "config-key", p.apiKey)

	p = newOpenAI(Config{}, nil)
	assert.Equal(t, "env-key", p.apiKey)
}
