// Package session is the state machine at the center of the tool: it owns
// every phase transition, refuses operations whose prerequisites are not
// met, and persists the session record after each change.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/distill/internal/decode"
	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/provider"
	"github.com/mpataki/distill/internal/store"
)

// captureSeparator joins repeated text captures into one transcript.
const captureSeparator = "\n\n---\n\n"

var stageRank = map[models.PhaseStatus]int{
	models.StatusPending:     0,
	models.StatusCaptured:    1,
	models.StatusTranscribed: 2,
	models.StatusExtracted:   3,
}

type Service struct {
	store    *store.Store
	provider provider.Provider
	logger   *zap.Logger
}

func New(st *store.Store, p provider.Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		provider: p,
		logger:   logger,
	}
}

func (s *Service) Create(name string, tmpl models.Template) (*models.Session, error) {
	sess := models.NewSession(name, tmpl)
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created",
		zap.String("session", name),
		zap.String("template", tmpl.Name),
		zap.Int("phases", len(tmpl.Phases)))
	return sess, nil
}

func (s *Service) Get(name string) (*models.Session, error) {
	return s.store.LoadSession(name)
}

func (s *Service) List() ([]*models.Session, error) {
	return s.store.ListSessions()
}

// CaptureFile imports a file as a phase artifact. Audio lands the phase in
// captured; text and documents carry their own words, so they are decoded
// immediately and the phase skips ahead to transcribed.
func (s *Service) CaptureFile(sess *models.Session, phaseID, path string) (*models.PhaseState, error) {
	spec, ok := sess.Template.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("unknown phase %q in session %q", phaseID, sess.Name)
	}
	if err := s.checkDependencies(sess, spec); err != nil {
		return nil, err
	}

	kind, err := decode.KindForPath(path)
	if err != nil {
		return nil, err
	}
	if !spec.Accepts(kind) {
		return nil, fmt.Errorf("phase %q does not accept %s captures (accepts %s)", phaseID, kind, captureKinds(spec))
	}

	art, err := s.store.ImportArtifact(sess.Name, phaseID, path, kind)
	if err != nil {
		return nil, err
	}

	ps := sess.Phases[phaseID]
	ps.Artifacts = append(ps.Artifacts, art)
	now := time.Now().UTC()
	ps.CapturedAt = &now
	ps.LastError = ""

	if kind == models.CaptureAudio {
		// A stale transcript from an earlier capture must not gate a
		// retry: the new audio is the source of truth until transcribed.
		ps.Status = models.StatusCaptured
		ps.Transcript = ""
		ps.TranscribedAt = nil
	} else {
		text, err := decode.Text(s.store.AbsPath(sess.Name, art.Location))
		if err != nil {
			return nil, s.failPhase(sess, ps, phaseID, err)
		}
		if err := s.appendTranscript(sess, ps, phaseID, text); err != nil {
			return nil, s.failPhase(sess, ps, phaseID, err)
		}
		ps.Status = models.StatusTranscribed
		ps.TranscribedAt = &now
	}

	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.logger.Info("artifact captured",
		zap.String("session", sess.Name),
		zap.String("phase", phaseID),
		zap.String("kind", string(kind)),
		zap.String("status", string(ps.Status)))
	return ps, nil
}

// CaptureText records typed or pasted text for a phase. The text is stored
// as an artifact for provenance and appended to the phase transcript, so
// repeated captures accumulate notes.
func (s *Service) CaptureText(sess *models.Session, phaseID, text string) (*models.PhaseState, error) {
	spec, ok := sess.Template.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("unknown phase %q in session %q", phaseID, sess.Name)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("nothing to capture for phase %q: text is empty", phaseID)
	}
	if err := s.checkDependencies(sess, spec); err != nil {
		return nil, err
	}
	if !spec.Accepts(models.CaptureText) {
		return nil, fmt.Errorf("phase %q does not accept text captures (accepts %s)", phaseID, captureKinds(spec))
	}

	art, err := s.store.StoreTextArtifact(sess.Name, phaseID, text)
	if err != nil {
		return nil, err
	}

	ps := sess.Phases[phaseID]
	ps.Artifacts = append(ps.Artifacts, art)
	now := time.Now().UTC()
	ps.CapturedAt = &now
	ps.LastError = ""

	if err := s.appendTranscript(sess, ps, phaseID, text); err != nil {
		return nil, s.failPhase(sess, ps, phaseID, err)
	}
	ps.Status = models.StatusTranscribed
	ps.TranscribedAt = &now

	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.logger.Info("text captured",
		zap.String("session", sess.Name),
		zap.String("phase", phaseID))
	return ps, nil
}

// Transcribe sends the phase's latest audio artifact to the provider. On
// provider failure the phase is marked failed but keeps its artifacts, so a
// retry does not require re-capturing.
func (s *Service) Transcribe(ctx context.Context, sess *models.Session, phaseID string) (*models.PhaseState, error) {
	if _, ok := sess.Template.Phase(phaseID); !ok {
		return nil, fmt.Errorf("unknown phase %q in session %q", phaseID, sess.Name)
	}

	ps := sess.Phases[phaseID]
	if stageRank[ps.Stage()] < stageRank[models.StatusCaptured] {
		return nil, &StateError{Phase: phaseID, Status: ps.Status, Op: "transcribe"}
	}

	art := latestAudioArtifact(ps)
	if art == nil {
		return nil, fmt.Errorf("phase %q has no audio artifact to transcribe", phaseID)
	}

	if err := s.requireProvider(); err != nil {
		return nil, err
	}

	text, err := s.provider.Transcribe(ctx, s.store.AbsPath(sess.Name, art.Location))
	if err != nil {
		return nil, s.failPhase(sess, ps, phaseID, err)
	}

	ref, err := s.store.WriteTranscript(sess.Name, phaseID, text)
	if err != nil {
		return nil, s.failPhase(sess, ps, phaseID, err)
	}

	ps.Transcript = ref
	now := time.Now().UTC()
	ps.Status = models.StatusTranscribed
	ps.TranscribedAt = &now
	ps.LastError = ""

	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.logger.Info("phase transcribed",
		zap.String("session", sess.Name),
		zap.String("phase", phaseID),
		zap.String("provider", s.provider.Name()))
	return ps, nil
}

// Extract runs the provider over the phase transcript and commits the typed
// field values. A partial result is still committed and flagged; only a
// total provider failure marks the phase failed, keeping the transcript.
func (s *Service) Extract(ctx context.Context, sess *models.Session, phaseID string) (*models.PhaseState, error) {
	spec, ok := sess.Template.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("unknown phase %q in session %q", phaseID, sess.Name)
	}
	if err := s.checkDependencies(sess, spec); err != nil {
		return nil, err
	}

	ps := sess.Phases[phaseID]
	if stageRank[ps.Stage()] < stageRank[models.StatusTranscribed] {
		return nil, &StateError{Phase: phaseID, Status: ps.Status, Op: "extract"}
	}

	if err := s.requireProvider(); err != nil {
		return nil, err
	}

	transcript, err := s.store.ReadTranscript(sess.Name, ps.Transcript)
	if err != nil {
		return nil, err
	}

	ext, err := s.provider.Extract(ctx, provider.ExtractRequest{
		Transcript:  transcript,
		PhasePrompt: spec.Prompt,
		Fields:      spec.Fields,
	})
	if err != nil {
		return nil, s.failPhase(sess, ps, phaseID, err)
	}

	ps.Extracted = ext.Values
	ps.Partial = ext.Partial
	ps.FailedFields = ext.Failed
	now := time.Now().UTC()
	ps.Status = models.StatusExtracted
	ps.ExtractedAt = &now
	ps.LastError = ""

	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}

	if ext.Partial {
		s.logger.Warn("phase extracted with missing fields",
			zap.String("session", sess.Name),
			zap.String("phase", phaseID),
			zap.Strings("failed_fields", ext.Failed))
	} else {
		s.logger.Info("phase extracted",
			zap.String("session", sess.Name),
			zap.String("phase", phaseID),
			zap.Int("fields", len(ext.Values)))
	}
	return ps, nil
}

type Outcome string

const (
	OutcomeExtracted Outcome = "extracted"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

type PhaseResult struct {
	Phase   string
	Outcome Outcome
	Partial bool
	Err     error
}

// ExtractAll walks the phases in template order and extracts every one
// sitting at the transcribed stage. Phase failures are reported per phase
// and do not stop the walk; an unmet dependency does, since later phases
// would hit the same wall. Work committed before the stop is kept.
func (s *Service) ExtractAll(ctx context.Context, sess *models.Session) ([]PhaseResult, error) {
	var results []PhaseResult
	for _, spec := range sess.Template.Phases {
		ps := sess.Phases[spec.ID]
		if ps.Stage() != models.StatusTranscribed {
			results = append(results, PhaseResult{Phase: spec.ID, Outcome: OutcomeSkipped})
			continue
		}

		if _, err := s.Extract(ctx, sess, spec.ID); err != nil {
			results = append(results, PhaseResult{Phase: spec.ID, Outcome: OutcomeFailed, Err: err})
			var depErr *DependencyError
			if errors.As(err, &depErr) {
				return results, err
			}
			continue
		}
		results = append(results, PhaseResult{Phase: spec.ID, Outcome: OutcomeExtracted, Partial: ps.Partial})
	}
	return results, nil
}

const summarySystemPrompt = `You write concise narrative summaries of structured capture sessions.
Given the extracted data below, produce a short markdown summary a reader
could skim in under a minute. Stick to what the data says.`

// Summarize asks the provider for a narrative summary of everything
// extracted so far.
func (s *Service) Summarize(ctx context.Context, sess *models.Session) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s (template %s)\n", sess.Name, sess.Template.Name)

	extracted := 0
	for _, spec := range sess.Template.Phases {
		ps := sess.Phases[spec.ID]
		if ps.Status != models.StatusExtracted {
			continue
		}
		extracted++
		fmt.Fprintf(&b, "\n## %s\n", spec.Name)
		for _, f := range spec.Fields {
			fmt.Fprintf(&b, "%s: %v\n", f.ID, ps.Extracted[f.ID])
		}
	}
	if extracted == 0 {
		return "", fmt.Errorf("session %q has no extracted phases to summarize yet", sess.Name)
	}

	if err := s.requireProvider(); err != nil {
		return "", err
	}
	return s.provider.Chat(ctx, summarySystemPrompt, b.String())
}

// NextAction suggests the next step for a session, walking phases in
// template order.
func NextAction(sess *models.Session) string {
	for _, spec := range sess.Template.Phases {
		ps := sess.Phases[spec.ID]
		switch ps.Status {
		case models.StatusExtracted:
			continue
		case models.StatusFailed:
			return fmt.Sprintf("phase %q failed (%s); fix the cause and retry", spec.ID, ps.LastError)
		case models.StatusPending:
			return fmt.Sprintf("capture input for phase %q", spec.ID)
		case models.StatusCaptured:
			return fmt.Sprintf("transcribe phase %q", spec.ID)
		case models.StatusTranscribed:
			return fmt.Sprintf("extract phase %q", spec.ID)
		}
	}
	return "all phases extracted; build the outputs"
}

// requireProvider refuses provider-backed operations when no backend is
// configured, without touching session state.
func (s *Service) requireProvider() error {
	if s.provider == nil {
		return &provider.Error{
			Kind:    provider.ErrUnavailable,
			Message: "no AI backend available: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run a local ollama server",
		}
	}
	return nil
}

func (s *Service) checkDependencies(sess *models.Session, spec *models.PhaseSpec) error {
	var unmet []string
	for _, dep := range spec.DependsOn {
		ps, ok := sess.Phases[dep]
		if !ok || ps.Status != models.StatusExtracted {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return &DependencyError{Phase: spec.ID, Unmet: unmet}
	}
	return nil
}

// failPhase records an operation failure on the phase without touching the
// artifacts or transcript it already holds, persists, and hands back the
// original cause.
func (s *Service) failPhase(sess *models.Session, ps *models.PhaseState, phaseID string, cause error) error {
	ps.Status = models.StatusFailed
	ps.LastError = cause.Error()
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.Error("failed to persist phase failure",
			zap.String("session", sess.Name),
			zap.String("phase", phaseID),
			zap.Error(err))
	}
	s.logger.Warn("phase operation failed",
		zap.String("session", sess.Name),
		zap.String("phase", phaseID),
		zap.Error(cause))
	return cause
}

// appendTranscript folds new text into the phase transcript, separated from
// whatever is already there.
func (s *Service) appendTranscript(sess *models.Session, ps *models.PhaseState, phaseID, text string) error {
	combined := text
	if ps.Transcript != "" {
		existing, err := s.store.ReadTranscript(sess.Name, ps.Transcript)
		if err != nil {
			return err
		}
		combined = existing + captureSeparator + text
	}

	ref, err := s.store.WriteTranscript(sess.Name, phaseID, combined)
	if err != nil {
		return err
	}
	ps.Transcript = ref
	return nil
}

func latestAudioArtifact(ps *models.PhaseState) *models.Artifact {
	for i := len(ps.Artifacts) - 1; i >= 0; i-- {
		if ps.Artifacts[i].Kind == models.CaptureAudio {
			return &ps.Artifacts[i]
		}
	}
	return nil
}

func captureKinds(spec *models.PhaseSpec) string {
	kinds := make([]string, len(spec.Capture))
	for i, k := range spec.Capture {
		kinds[i] = string(k)
	}
	return strings.Join(kinds, ", ")
}
