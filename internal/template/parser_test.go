package template

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpataki/distill/internal/models"
)

const validDoc = `
name: interview
schema_version: 1
phases:
  - id: intro
    name: Introduction
    capture: [text, audio]
    prompt: Who is being interviewed?
    extract:
      - id: summary
        type: text
        prompt: One-line summary.
      - id: topics
        type: list
        prompt: Topics mentioned.
  - id: detail
    name: Details
    capture: [text]
    depends_on: intro
    extract:
      - id: decision
        type: boolean
        prompt: Was a decision reached?
outputs:
  - id: notes
    format: markdown
    filename: session-summary.md
`

func TestLoadValid(t *testing.T) {
	tmpl, err := Load([]byte(validDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tmpl.Name != "interview" {
		t.Errorf("name = %q", tmpl.Name)
	}
	if len(tmpl.Phases) != 2 {
		t.Fatalf("phases = %d", len(tmpl.Phases))
	}
	if got := tmpl.Phases[1].DependsOn; len(got) != 1 || got[0] != "intro" {
		t.Errorf("depends_on = %v", got)
	}
	if tmpl.Phases[0].Fields[1].Type != models.FieldList {
		t.Errorf("field type = %q", tmpl.Phases[0].Fields[1].Type)
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantID  string
		wantMsg string
	}{
		{
			name: "duplicate phase id",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
  - id: a
    capture: [text]
`,
			wantID:  "a",
			wantMsg: "duplicate phase id",
		},
		{
			name: "unknown dependency",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    depends_on: [ghost]
`,
			wantID:  "a",
			wantMsg: "unknown phase",
		},
		{
			name: "forward reference",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    depends_on: [b]
  - id: b
    capture: [text]
`,
			wantID:  "a",
			wantMsg: "not declared earlier",
		},
		{
			name: "mutual dependency",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    depends_on: [b]
  - id: b
    capture: [text]
    depends_on: [a]
`,
			wantID:  "a",
			wantMsg: "not declared earlier",
		},
		{
			name: "self dependency",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    depends_on: [a]
`,
			wantID:  "a",
			wantMsg: "not declared earlier",
		},
		{
			name: "unsupported schema version",
			doc: `
name: t
schema_version: 99
phases:
  - id: a
    capture: [text]
`,
			wantMsg: "newer than supported",
		},
		{
			name: "unknown field type",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    extract:
      - id: f
        type: integer
`,
			wantID:  "f",
			wantMsg: "unknown field type",
		},
		{
			name: "unknown capture kind",
			doc: `
name: t
phases:
  - id: a
    capture: [video]
`,
			wantID:  "a",
			wantMsg: "unknown capture kind",
		},
		{
			name: "no capture kinds",
			doc: `
name: t
phases:
  - id: a
    capture: []
`,
			wantID:  "a",
			wantMsg: "capture kind",
		},
		{
			name: "duplicate field id",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
    extract:
      - id: f
        type: text
      - id: f
        type: text
`,
			wantID:  "f",
			wantMsg: "duplicate field id",
		},
		{
			name: "lua output without script",
			doc: `
name: t
phases:
  - id: a
    capture: [text]
outputs:
  - id: custom
    format: lua
`,
			wantID:  "custom",
			wantMsg: "script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("error type %T: %v", err, err)
			}
			if tt.wantID != "" && terr.ID != tt.wantID {
				t.Errorf("error id = %q, want %q", terr.ID, tt.wantID)
			}
			if !strings.Contains(terr.Msg, tt.wantMsg) {
				t.Errorf("error msg = %q, want substring %q", terr.Msg, tt.wantMsg)
			}
		})
	}
}

func TestLoadRejectsUnknownDocumentFields(t *testing.T) {
	doc := `
name: t
phasez:
  - id: a
`
	if _, err := Load([]byte(doc)); err == nil {
		t.Fatal("Load accepted a document with unknown fields")
	}
}

func TestMerge(t *testing.T) {
	a, err := Load([]byte(`
name: a
phases:
  - id: one
    capture: [text]
`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load([]byte(`
name: b
phases:
  - id: two
    capture: [text]
  - id: three
    capture: [text]
    depends_on: [two]
`))
	if err != nil {
		t.Fatal(err)
	}

	merged, err := Merge(a, b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.Name != "a + b" {
		t.Errorf("merged name = %q", merged.Name)
	}
	if len(merged.Phases) != 3 {
		t.Fatalf("merged phases = %d", len(merged.Phases))
	}
	if merged.Phases[0].ID != "one" || merged.Phases[2].ID != "three" {
		t.Errorf("merged order = %v", []string{merged.Phases[0].ID, merged.Phases[1].ID, merged.Phases[2].ID})
	}
}

func TestMergeDuplicateAcrossInputs(t *testing.T) {
	a, _ := Load([]byte("name: a\nphases:\n  - id: shared\n    capture: [text]\n"))
	b, _ := Load([]byte("name: b\nphases:\n  - id: shared\n    capture: [text]\n"))

	_, err := Merge(a, b)
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Merge error = %v, want *template.Error", err)
	}
	if terr.ID != "shared" {
		t.Errorf("error id = %q, want %q", terr.ID, "shared")
	}
}

func TestDiscoverPrecedence(t *testing.T) {
	user := t.TempDir()
	project := t.TempDir()

	write := func(dir, file, name, desc string) {
		doc := "name: " + name + "\ndescription: " + desc + "\nphases:\n  - id: a\n    capture: [text]\n"
		if err := os.WriteFile(filepath.Join(dir, file), []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(user, "interview.yaml", "interview", "user copy")
	write(project, "interview.yaml", "interview", "project copy")
	write(user, "standup.yaml", "standup", "user only")

	templates, err := Discover([]string{user, project, filepath.Join(user, "missing")})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("discovered %d templates", len(templates))
	}
	if templates["interview"].Description != "project copy" {
		t.Errorf("project template did not override user template")
	}
	if _, ok := templates["standup"]; !ok {
		t.Error("user-only template missing")
	}
}
