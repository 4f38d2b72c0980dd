package template

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/distill/internal/models"
)

// Error reports a structural problem in a template document. ID names the
// offending phase, field, or output when one is known.
type Error struct {
	Template string
	ID       string
	Msg      string
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("template %q: %s: %s", e.Template, e.ID, e.Msg)
	}
	return fmt.Sprintf("template %q: %s", e.Template, e.Msg)
}

func errf(tmpl, id, format string, args ...any) *Error {
	return &Error{Template: tmpl, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// Load parses and validates a template document. Unknown document fields and
// malformed field types are rejected rather than coerced.
func Load(data []byte) (*models.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var tmpl models.Template
	if err := dec.Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}

	if tmpl.SchemaVersion == 0 {
		tmpl.SchemaVersion = 1
	}

	if err := Validate(&tmpl); err != nil {
		return nil, err
	}

	return &tmpl, nil
}

func LoadFile(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var tmpl models.Template
	if err := dec.Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if tmpl.Name == "" {
		base := filepath.Base(path)
		tmpl.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	if tmpl.SchemaVersion == 0 {
		tmpl.SchemaVersion = 1
	}

	// Output scripts are declared relative to the template file. Resolve
	// them now, while we still know where that is.
	dir := filepath.Dir(path)
	for i := range tmpl.Outputs {
		if s := tmpl.Outputs[i].Script; s != "" && !filepath.IsAbs(s) {
			tmpl.Outputs[i].Script = filepath.Join(dir, s)
		}
	}

	if err := Validate(&tmpl); err != nil {
		return nil, err
	}

	return &tmpl, nil
}

// Discover loads every template in dirs. Later directories win on name
// collisions, so project templates override user templates.
func Discover(dirs []string) (map[string]*models.Template, error) {
	templates := make(map[string]*models.Template)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
				continue
			}
			tmpl, err := LoadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			templates[tmpl.Name] = tmpl
		}
	}

	return templates, nil
}

func Validate(tmpl *models.Template) error {
	if tmpl.Name == "" {
		return errf("", "", "template must have a name")
	}

	if tmpl.SchemaVersion > models.SchemaVersion {
		return errf(tmpl.Name, "", "schema_version %d is newer than supported version %d",
			tmpl.SchemaVersion, models.SchemaVersion)
	}

	if len(tmpl.Phases) == 0 {
		return errf(tmpl.Name, "", "template must define at least one phase")
	}

	// Phase ids must be unique, and depends_on may only reference phases
	// declared strictly earlier. Checking declaration order once here rules
	// out forward references and cycles without any graph traversal later.
	seen := make(map[string]int, len(tmpl.Phases))
	for i, phase := range tmpl.Phases {
		if phase.ID == "" {
			return errf(tmpl.Name, "", "phase %d has no id", i)
		}
		if _, dup := seen[phase.ID]; dup {
			return errf(tmpl.Name, phase.ID, "duplicate phase id")
		}
		seen[phase.ID] = i
	}

	for i, phase := range tmpl.Phases {
		if len(phase.Capture) == 0 {
			return errf(tmpl.Name, phase.ID, "phase must declare at least one capture kind")
		}
		for _, kind := range phase.Capture {
			if !kind.Valid() {
				return errf(tmpl.Name, phase.ID, "unknown capture kind %q", kind)
			}
		}

		fields := make(map[string]bool, len(phase.Fields))
		for _, field := range phase.Fields {
			if field.ID == "" {
				return errf(tmpl.Name, phase.ID, "extract field has no id")
			}
			if fields[field.ID] {
				return errf(tmpl.Name, field.ID, "duplicate field id in phase %q", phase.ID)
			}
			fields[field.ID] = true
			if !field.Type.Valid() {
				return errf(tmpl.Name, field.ID, "unknown field type %q", field.Type)
			}
		}

		for _, dep := range phase.DependsOn {
			pos, known := seen[dep]
			if !known {
				return errf(tmpl.Name, phase.ID, "depends_on references unknown phase %q", dep)
			}
			if pos >= i {
				return errf(tmpl.Name, phase.ID, "depends_on phase %q is not declared earlier", dep)
			}
		}
	}

	outputs := make(map[string]bool, len(tmpl.Outputs))
	for _, out := range tmpl.Outputs {
		if out.ID == "" {
			return errf(tmpl.Name, "", "output has no id")
		}
		if outputs[out.ID] {
			return errf(tmpl.Name, out.ID, "duplicate output id")
		}
		outputs[out.ID] = true
		if !out.Format.Valid() {
			return errf(tmpl.Name, out.ID, "unknown output format %q", out.Format)
		}
		if out.Format == models.FormatLua && out.Script == "" {
			return errf(tmpl.Name, out.ID, "lua output must name a script")
		}
		for _, ref := range out.Phases {
			if _, known := seen[ref]; !known {
				return errf(tmpl.Name, out.ID, "output references unknown phase %q", ref)
			}
		}
	}

	return nil
}

// Merge combines templates into one by concatenating their phase lists.
// Phase and output ids must be unique across all inputs; collisions are
// refused rather than renamed.
func Merge(tmpls ...*models.Template) (*models.Template, error) {
	if len(tmpls) == 0 {
		return nil, errf("", "", "merge requires at least one template")
	}
	if len(tmpls) == 1 {
		merged := tmpls[0].Clone()
		return &merged, nil
	}

	names := make([]string, 0, len(tmpls))
	merged := &models.Template{SchemaVersion: 1}
	phaseIDs := make(map[string]string)
	outputIDs := make(map[string]string)

	for _, t := range tmpls {
		names = append(names, t.Name)
		if t.SchemaVersion > merged.SchemaVersion {
			merged.SchemaVersion = t.SchemaVersion
		}
		if merged.Description == "" {
			merged.Description = t.Description
		}

		clone := t.Clone()
		for _, phase := range clone.Phases {
			if from, dup := phaseIDs[phase.ID]; dup {
				return nil, errf(t.Name, phase.ID, "phase id already defined by template %q", from)
			}
			phaseIDs[phase.ID] = t.Name
			merged.Phases = append(merged.Phases, phase)
		}
		for _, out := range clone.Outputs {
			if from, dup := outputIDs[out.ID]; dup {
				return nil, errf(t.Name, out.ID, "output id already defined by template %q", from)
			}
			outputIDs[out.ID] = t.Name
			merged.Outputs = append(merged.Outputs, out)
		}
	}

	merged.Name = strings.Join(names, " + ")
	return merged, nil
}
