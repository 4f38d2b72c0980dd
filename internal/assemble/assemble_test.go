package assemble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/store"
)

func testTemplate() models.Template {
	return models.Template{
		Name:          "debrief",
		SchemaVersion: 1,
		Phases: []models.PhaseSpec{
			{
				ID:      "intro",
				Name:    "Introduction",
				Capture: []models.CaptureKind{models.CaptureText},
				Fields: []models.FieldSpec{
					{ID: "summary", Type: models.FieldText},
					{ID: "attendees", Type: models.FieldList},
					{ID: "approved", Type: models.FieldBoolean},
				},
			},
			{
				ID:        "detail",
				Name:      "Details",
				Capture:   []models.CaptureKind{models.CaptureText},
				DependsOn: models.StringList{"intro"},
				Fields: []models.FieldSpec{
					{ID: "decisions", Type: models.FieldList},
				},
			},
		},
	}
}

func extractedSession() *models.Session {
	sess := models.NewSession("demo", testTemplate())
	sess.Phases["intro"].Status = models.StatusExtracted
	sess.Phases["intro"].Extracted = map[string]any{
		"summary":   "kickoff recap",
		"attendees": []string{"ana", "bo"},
		"approved":  true,
	}
	sess.Phases["detail"].Status = models.StatusExtracted
	sess.Phases["detail"].Extracted = map[string]any{
		"decisions": []string{"ship it"},
	}
	return sess
}

func TestContextRefusesNonExtractedPhases(t *testing.T) {
	sess := extractedSession()
	sess.Phases["detail"].Status = models.StatusTranscribed

	_, err := Context(sess, nil)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"detail"}, incomplete.Missing)
	assert.Contains(t, err.Error(), "detail")

	// A subset that avoids the unfinished phase still works.
	ctx, err := Context(sess, []string{"intro"})
	require.NoError(t, err)
	assert.Equal(t, "kickoff recap", ctx["intro"]["summary"])
	_, ok := ctx["detail"]
	assert.False(t, ok)
}

func TestContextAllPhases(t *testing.T) {
	ctx, err := Context(extractedSession(), nil)
	require.NoError(t, err)

	require.Len(t, ctx, 2)
	assert.Equal(t, []string{"ana", "bo"}, ctx["intro"]["attendees"])
	assert.Equal(t, true, ctx["intro"]["approved"])
	assert.Equal(t, []string{"ship it"}, ctx["detail"]["decisions"])
}

func TestBuildDefaultOutputs(t *testing.T) {
	st := store.New(t.TempDir())
	sess := extractedSession()
	require.NoError(t, st.CreateSession(sess))

	written, err := Build(sess, st)
	require.NoError(t, err)
	require.Len(t, written, 2)

	assert.Equal(t, "extracted-data.yaml", filepath.Base(written[0]))
	assert.Equal(t, "session-summary.md", filepath.Base(written[1]))

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "demo", doc["session"])
	phases := doc["phases"].(map[string]any)
	intro := phases["intro"].(map[string]any)
	assert.Equal(t, "kickoff recap", intro["summary"])

	md, err := os.ReadFile(written[1])
	require.NoError(t, err)
	body := string(md)
	assert.Contains(t, body, "# demo")
	assert.Contains(t, body, "## Introduction")
	assert.Contains(t, body, "**summary**: kickoff recap")
	assert.Contains(t, body, "- ana")
	assert.Contains(t, body, "## Details")
}

func TestBuildRefusesIncompleteSession(t *testing.T) {
	st := store.New(t.TempDir())
	sess := extractedSession()
	sess.Phases["detail"].Status = models.StatusPending
	require.NoError(t, st.CreateSession(sess))

	_, err := Build(sess, st)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"detail"}, incomplete.Missing)
}

func TestBuildDeclaredOutputs(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "render.lua")
	script := `
function render(session)
  local intro = session.phases["intro"]
  local parts = {}
  table.insert(parts, "Session: " .. session.name)
  table.insert(parts, "Summary: " .. intro.summary)
  table.insert(parts, "First attendee: " .. intro.attendees[1])
  return table.concat(parts, "\n")
end
`
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))

	tmpl := testTemplate()
	tmpl.Outputs = []models.OutputSpec{
		{ID: "intro-only", Format: models.FormatMarkdown, Phases: models.StringList{"intro"}},
		{ID: "report", Format: models.FormatLua, Filename: "report.txt", Script: scriptPath, Phases: models.StringList{"intro"}},
	}

	st := store.New(t.TempDir())
	sess := models.NewSession("demo", tmpl)
	sess.Phases["intro"].Status = models.StatusExtracted
	sess.Phases["intro"].Extracted = map[string]any{
		"summary":   "kickoff recap",
		"attendees": []string{"ana", "bo"},
		"approved":  true,
	}
	require.NoError(t, st.CreateSession(sess))

	// detail is pending, but neither output references it.
	written, err := Build(sess, st)
	require.NoError(t, err)
	require.Len(t, written, 2)

	assert.Equal(t, "intro-only.md", filepath.Base(written[0]))

	report, err := os.ReadFile(written[1])
	require.NoError(t, err)
	assert.Equal(t, "Session: demo\nSummary: kickoff recap\nFirst attendee: ana", string(report))
}

func TestMarkdownNotesPartialExtraction(t *testing.T) {
	sess := extractedSession()
	sess.Phases["intro"].Partial = true
	sess.Phases["intro"].FailedFields = []string{"approved"}

	ctx, err := Context(sess, nil)
	require.NoError(t, err)

	body := string(renderMarkdown(sess, ctx))
	assert.Contains(t, body, "Some fields could not be extracted: approved")
}

func TestLuaScriptSandbox(t *testing.T) {
	dir := t.TempDir()
	sess := extractedSession()
	ctx, err := Context(sess, nil)
	require.NoError(t, err)

	// No os table inside the sandbox.
	escape := filepath.Join(dir, "escape.lua")
	require.NoError(t, os.WriteFile(escape, []byte(`
function render(session)
  return os.time()
end
`), 0o644))
	_, err = renderLua(sess, models.OutputSpec{ID: "x", Format: models.FormatLua, Script: escape}, ctx)
	require.Error(t, err)

	// Non-string return is refused.
	wrongType := filepath.Join(dir, "wrong.lua")
	require.NoError(t, os.WriteFile(wrongType, []byte(`
function render(session)
  return {1, 2, 3}
end
`), 0o644))
	_, err = renderLua(sess, models.OutputSpec{ID: "x", Format: models.FormatLua, Script: wrongType}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return a string")

	// Missing render function is refused.
	missing := filepath.Join(dir, "missing.lua")
	require.NoError(t, os.WriteFile(missing, []byte(`x = 1`), 0o644))
	_, err = renderLua(sess, models.OutputSpec{ID: "x", Format: models.FormatLua, Script: missing}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must define a 'render' function")
}
