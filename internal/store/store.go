package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/distill/internal/models"
)

const sessionFile = "session.yaml"

var sessionNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName rejects session names that would not survive as directory
// names across filesystems.
func ValidateName(name string) error {
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, '-' and '_', starting with a letter or digit", name)
	}
	return nil
}

// Store persists sessions as per-session directories under <root>/sessions.
// Writes assume a single writer; the session record itself is replaced
// atomically so a reader never observes a half-written file.
type Store struct {
	root string
}

func New(dataDir string) *Store {
	return &Store{root: dataDir}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *Store) SessionDir(name string) string {
	return filepath.Join(s.sessionsDir(), name)
}

func (s *Store) OutputsDir(name string) string {
	return filepath.Join(s.SessionDir(name), "outputs")
}

func (s *Store) SessionExists(name string) bool {
	_, err := os.Stat(filepath.Join(s.SessionDir(name), sessionFile))
	return err == nil
}

// CreateSession lays out the session directory and writes the initial
// record. A session that already exists is refused.
func (s *Store) CreateSession(sess *models.Session) error {
	if err := ValidateName(sess.Name); err != nil {
		return err
	}
	if s.SessionExists(sess.Name) {
		return fmt.Errorf("session %q already exists", sess.Name)
	}

	dir := s.SessionDir(sess.Name)
	dirs := []string{dir, s.OutputsDir(sess.Name)}
	for _, p := range sess.Template.Phases {
		dirs = append(dirs, filepath.Join(dir, "phases", p.ID))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create session directory %s: %w", d, err)
		}
	}

	// Reference copy of the frozen template, for reading outside the tool.
	tmplData, err := yaml.Marshal(sess.Template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "template.yaml"), tmplData, 0644); err != nil {
		return fmt.Errorf("failed to write template.yaml: %w", err)
	}

	return s.SaveSession(sess)
}

// SaveSession replaces the session record atomically: marshal, write to a
// temp file in the same directory, then rename over the old record.
func (s *Store) SaveSession(sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	dir := s.SessionDir(sess.Name)
	tmp, err := os.CreateTemp(dir, sessionFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, sessionFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session record: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(name string) (*models.Session, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(name), sessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q does not exist", name)
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var sess models.Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}

	normalize(&sess)
	return &sess, nil
}

// ListSessions returns every loadable session, newest first. Directories
// without a readable record are skipped.
func (s *Store) ListSessions() ([]*models.Session, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*models.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.LoadSession(e.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// ImportArtifact copies a capture file into the phase directory under a
// unique name and returns the artifact record pointing at it.
func (s *Store) ImportArtifact(sessionName, phaseID, src string, kind models.CaptureKind) (models.Artifact, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to read capture file %s: %w", src, err)
	}

	id := uuid.New().String()[:8]
	base := sanitizeFilename(filepath.Base(src))
	rel := filepath.Join("phases", phaseID, id+"-"+base)

	dest := filepath.Join(s.SessionDir(sessionName), rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to create phase directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	return models.Artifact{
		ID:       id,
		Kind:     kind,
		Location: rel,
		AddedAt:  time.Now().UTC(),
	}, nil
}

// StoreTextArtifact records an inline text capture as an artifact file, so
// typed notes leave the same provenance trail as imported files.
func (s *Store) StoreTextArtifact(sessionName, phaseID, text string) (models.Artifact, error) {
	id := uuid.New().String()[:8]
	rel := filepath.Join("phases", phaseID, id+"-note.txt")

	dest := filepath.Join(s.SessionDir(sessionName), rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to create phase directory: %w", err)
	}
	if err := os.WriteFile(dest, []byte(text), 0644); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	return models.Artifact{
		ID:       id,
		Kind:     models.CaptureText,
		Location: rel,
		AddedAt:  time.Now().UTC(),
	}, nil
}

func (s *Store) WriteTranscript(sessionName, phaseID, text string) (string, error) {
	rel := filepath.Join("phases", phaseID, "transcript.txt")
	abs := filepath.Join(s.SessionDir(sessionName), rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create phase directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return rel, nil
}

func (s *Store) ReadTranscript(sessionName, ref string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionName), ref))
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

// AbsPath resolves a session-relative artifact or transcript ref.
func (s *Store) AbsPath(sessionName, ref string) string {
	return filepath.Join(s.SessionDir(sessionName), ref)
}

func (s *Store) WriteOutput(sessionName, filename string, data []byte) (string, error) {
	dir := s.OutputsDir(sessionName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create outputs directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write output %s: %w", filename, err)
	}
	return path, nil
}

// normalize repairs a freshly loaded session: every template phase gets a
// state, and extracted values are folded back into their declared shapes
// (YAML round-trips lists and maps as []any and map[string]any).
func normalize(sess *models.Session) {
	if sess.Phases == nil {
		sess.Phases = make(map[string]*models.PhaseState, len(sess.Template.Phases))
	}
	for _, spec := range sess.Template.Phases {
		ps, ok := sess.Phases[spec.ID]
		if !ok || ps == nil {
			sess.Phases[spec.ID] = &models.PhaseState{Status: models.StatusPending}
			continue
		}
		for _, f := range spec.Fields {
			v, present := ps.Extracted[f.ID]
			if !present {
				continue
			}
			if cv, valid := f.Type.Canonicalize(v); valid {
				ps.Extracted[f.ID] = cv
			}
		}
	}
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
