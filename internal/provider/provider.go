// Package provider defines the AI backend contract used by the extraction
// pipeline and the backends that satisfy it. Backends are selected by
// configuration, never by type inspection; the pipeline only sees Provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/distill/internal/models"
)

// Provider is the capability contract every AI backend implements.
type Provider interface {
	Name() string

	// Available reports whether the backend is usable with a cheap local
	// check: credential presence for hosted backends, a short probe of
	// the local server for ollama. It never calls a remote service.
	Available() bool

	// Transcribe converts an audio file to text. Failure is always
	// signaled as a *Error; a backend never substitutes an empty string.
	Transcribe(ctx context.Context, audioPath string) (string, error)

	// Extract pulls the requested fields out of a transcript. The result
	// carries exactly one entry per field spec; fields the model could
	// not produce are set to their zero sentinel and flagged, which is a
	// successful (partial) extraction, not an error.
	Extract(ctx context.Context, req ExtractRequest) (Extraction, error)

	// Chat is a free-form single-turn completion.
	Chat(ctx context.Context, system, user string) (string, error)
}

type ExtractRequest struct {
	Transcript  string
	PhasePrompt string
	Fields      []models.FieldSpec
}

type Extraction struct {
	Values map[string]any

	// Partial is set when one or more fields fell back to their zero
	// sentinel; Failed lists those field ids.
	Partial bool
	Failed  []string
}

type ErrorKind string

const (
	ErrUnavailable  ErrorKind = "unavailable"
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrInvalidInput ErrorKind = "invalid_input"
	ErrUnknown      ErrorKind = "unknown"
)

// Error is the failure type for all provider operations.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error

	retryable bool
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the provider error kind, or ErrUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ErrUnknown
}

func isRetryable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.retryable
}

// Config carries the backend settings resolved from the application config.
// Model and BaseURL apply to the explicitly named backend; auto-detection
// uses each backend's defaults.
type Config struct {
	Name       string
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// New builds the configured backend, auto-detecting one when the name is
// empty or "auto".
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Name {
	case "", "auto":
		return Detect(cfg, logger)
	case "anthropic":
		return newAnthropic(cfg, logger), nil
	case "openai":
		return newOpenAI(cfg, logger), nil
	case "ollama":
		return newOllama(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Name)
}

// Detect returns the first available backend in preference order.
func Detect(cfg Config, logger *zap.Logger) (Provider, error) {
	for _, p := range All(cfg, logger) {
		if p.Available() {
			return p, nil
		}
	}
	return nil, &Error{
		Kind:    ErrUnavailable,
		Message: "no AI backend available: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run a local ollama server",
	}
}

// All constructs every known backend, available or not. Used by Detect and
// by the models/doctor commands to report per-backend status.
func All(cfg Config, logger *zap.Logger) []Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []Provider{
		newAnthropic(cfg.forBackend("anthropic"), logger),
		newOpenAI(cfg.forBackend("openai"), logger),
		newOllama(cfg.forBackend("ollama"), logger),
	}
}

// forBackend strips the model/URL overrides unless they were aimed at this
// backend, so auto-detection never sends one backend's model name to another.
func (c Config) forBackend(name string) Config {
	if c.Name == name {
		return c
	}
	out := c
	out.Name = name
	out.Model = ""
	out.BaseURL = ""
	return out
}

func envKey(cfgKey, envVar string) string {
	if cfgKey != "" {
		return cfgKey
	}
	return os.Getenv(envVar)
}
