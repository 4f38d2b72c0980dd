// Package assemble turns a session's extracted data into rendered output
// documents. It builds the data context (phase id -> field id -> value) and
// hands rendering to a per-format renderer.
package assemble

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/store"
)

// IncompleteError refuses assembly while a referenced phase has not been
// extracted. Missing holds the offending phase ids.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("session is not ready to assemble: phases not extracted: %s", strings.Join(e.Missing, ", "))
}

// Context collects the extracted data for the given phases (all template
// phases when none are named). Every referenced phase must be extracted;
// a partial context is never returned.
func Context(sess *models.Session, phaseIDs []string) (map[string]map[string]any, error) {
	ids := phaseIDs
	if len(ids) == 0 {
		for _, p := range sess.Template.Phases {
			ids = append(ids, p.ID)
		}
	}

	out := make(map[string]map[string]any, len(ids))
	var missing []string
	for _, id := range ids {
		ps, ok := sess.Phases[id]
		if !ok || ps.Status != models.StatusExtracted {
			missing = append(missing, id)
			continue
		}
		fields := make(map[string]any, len(ps.Extracted))
		for k, v := range ps.Extracted {
			fields[k] = v
		}
		out[id] = fields
	}
	if len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}
	return out, nil
}

// Build renders every output the template declares (or the default pair
// when it declares none) and writes them under the session's outputs
// directory. Returns the paths written.
func Build(sess *models.Session, st *store.Store) ([]string, error) {
	specs := sess.Template.Outputs
	if len(specs) == 0 {
		specs = defaultOutputs()
	}

	var written []string
	for _, spec := range specs {
		data, err := render(sess, spec)
		if err != nil {
			return written, fmt.Errorf("output %q: %w", spec.ID, err)
		}
		path, err := st.WriteOutput(sess.Name, outputFilename(spec), data)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// BuildOutput renders a single declared output by ID.
func BuildOutput(sess *models.Session, st *store.Store, id string) (string, error) {
	specs := sess.Template.Outputs
	if len(specs) == 0 {
		specs = defaultOutputs()
	}

	for _, spec := range specs {
		if spec.ID != id {
			continue
		}
		data, err := render(sess, spec)
		if err != nil {
			return "", fmt.Errorf("output %q: %w", spec.ID, err)
		}
		return st.WriteOutput(sess.Name, outputFilename(spec), data)
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	return "", fmt.Errorf("template declares no output %q (have %s)", id, strings.Join(ids, ", "))
}

func defaultOutputs() []models.OutputSpec {
	return []models.OutputSpec{
		{ID: "extracted-data", Format: models.FormatYAML, Filename: "extracted-data.yaml"},
		{ID: "session-summary", Format: models.FormatMarkdown, Filename: "session-summary.md"},
	}
}

func outputFilename(spec models.OutputSpec) string {
	if spec.Filename != "" {
		return spec.Filename
	}
	switch spec.Format {
	case models.FormatMarkdown:
		return spec.ID + ".md"
	case models.FormatYAML:
		return spec.ID + ".yaml"
	}
	return spec.ID + ".txt"
}

func render(sess *models.Session, spec models.OutputSpec) ([]byte, error) {
	ctx, err := Context(sess, spec.Phases)
	if err != nil {
		return nil, err
	}

	switch spec.Format {
	case models.FormatYAML:
		return renderYAML(sess, ctx)
	case models.FormatMarkdown:
		return renderMarkdown(sess, ctx), nil
	case models.FormatLua:
		return renderLua(sess, spec, ctx)
	}
	return nil, fmt.Errorf("unsupported output format %q", spec.Format)
}

func renderYAML(sess *models.Session, ctx map[string]map[string]any) ([]byte, error) {
	doc := map[string]any{
		"session":    sess.Name,
		"template":   sess.Template.Name,
		"created_at": sess.CreatedAt,
		"phases":     ctx,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data context: %w", err)
	}
	return data, nil
}
