package models

import "time"

type PhaseStatus string

const (
	StatusPending     PhaseStatus = "pending"
	StatusCaptured    PhaseStatus = "captured"
	StatusTranscribed PhaseStatus = "transcribed"
	StatusExtracted   PhaseStatus = "extracted"
	StatusFailed      PhaseStatus = "failed"
)

type Session struct {
	Name      string                 `yaml:"name" json:"name"`
	CreatedAt time.Time              `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time              `yaml:"updated_at" json:"updated_at"`
	Template  Template               `yaml:"template" json:"template"`
	Phases    map[string]*PhaseState `yaml:"phases" json:"phases"`
}

type PhaseState struct {
	Status PhaseStatus `yaml:"status" json:"status"`

	// Artifacts and Transcript are opaque locations relative to the
	// session directory; the state machine records them but never loads
	// their contents itself.
	Artifacts  []Artifact `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Transcript string     `yaml:"transcript,omitempty" json:"transcript,omitempty"`

	Extracted    map[string]any `yaml:"extracted,omitempty" json:"extracted,omitempty"`
	Partial      bool           `yaml:"partial,omitempty" json:"partial,omitempty"`
	FailedFields []string       `yaml:"failed_fields,omitempty" json:"failed_fields,omitempty"`

	CapturedAt    *time.Time `yaml:"captured_at,omitempty" json:"captured_at,omitempty"`
	TranscribedAt *time.Time `yaml:"transcribed_at,omitempty" json:"transcribed_at,omitempty"`
	ExtractedAt   *time.Time `yaml:"extracted_at,omitempty" json:"extracted_at,omitempty"`
	LastError     string     `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

type Artifact struct {
	ID       string      `yaml:"id" json:"id"`
	Kind     CaptureKind `yaml:"kind" json:"kind"`
	Location string      `yaml:"location" json:"location"`
	AddedAt  time.Time   `yaml:"added_at" json:"added_at"`
}

func NewSession(name string, tmpl Template) *Session {
	now := time.Now().UTC()
	s := &Session{
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Template:  tmpl.Clone(),
		Phases:    make(map[string]*PhaseState, len(tmpl.Phases)),
	}
	for _, p := range tmpl.Phases {
		s.Phases[p.ID] = &PhaseState{Status: StatusPending}
	}
	return s
}

func (s *Session) Phase(id string) (*PhaseState, bool) {
	ps, ok := s.Phases[id]
	return ps, ok
}

func (ps *PhaseState) LatestArtifact() *Artifact {
	if len(ps.Artifacts) == 0 {
		return nil
	}
	return &ps.Artifacts[len(ps.Artifacts)-1]
}

// Stage reports the last successfully reached stage. For a failed phase the
// stage is derived from what the phase still holds, so a retry re-attempts
// the transition that failed instead of starting over.
func (ps *PhaseState) Stage() PhaseStatus {
	if ps.Status != StatusFailed {
		return ps.Status
	}
	if ps.Transcript != "" {
		return StatusTranscribed
	}
	if len(ps.Artifacts) > 0 {
		return StatusCaptured
	}
	return StatusPending
}
