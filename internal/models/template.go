package models

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the newest template schema this build understands.
// Documents declaring a newer version are refused at load time.
const SchemaVersion = 1

type FieldType string

const (
	FieldText    FieldType = "text"
	FieldList    FieldType = "list"
	FieldMap     FieldType = "map"
	FieldBoolean FieldType = "boolean"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldList, FieldMap, FieldBoolean:
		return true
	}
	return false
}

// Zero returns the "not found" sentinel for the type. Extraction results
// always contain every declared field, falling back to this value.
func (t FieldType) Zero() any {
	switch t {
	case FieldList:
		return []string{}
	case FieldMap:
		return map[string]string{}
	case FieldBoolean:
		return false
	default:
		return ""
	}
}

// Canonicalize coerces a decoded value (from provider JSON or a persisted
// session document) into the type's canonical Go shape. Scalars are
// stringified where the type calls for strings; anything else is rejected.
func (t FieldType) Canonicalize(v any) (any, bool) {
	switch t {
	case FieldText:
		s, ok := stringify(v)
		return s, ok
	case FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "yes":
				return true, true
			case "false", "no":
				return false, true
			}
		}
		return false, false
	case FieldList:
		switch l := v.(type) {
		case []string:
			return l, true
		case []any:
			out := make([]string, 0, len(l))
			for _, el := range l {
				s, ok := stringify(el)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		case string:
			return []string{l}, true
		}
		return nil, false
	case FieldMap:
		switch m := v.(type) {
		case map[string]string:
			return m, true
		case map[string]any:
			out := make(map[string]string, len(m))
			for k, el := range m {
				s, ok := stringify(el)
				if !ok {
					return nil, false
				}
				out[k] = s
			}
			return out, true
		}
		return nil, false
	}
	return nil, false
}

func stringify(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool, int, int64, float64:
		return fmt.Sprint(s), true
	}
	return "", false
}

type CaptureKind string

const (
	CaptureAudio    CaptureKind = "audio"
	CaptureText     CaptureKind = "text"
	CaptureDocument CaptureKind = "document"
)

func (k CaptureKind) Valid() bool {
	switch k {
	case CaptureAudio, CaptureText, CaptureDocument:
		return true
	}
	return false
}

type OutputFormat string

const (
	FormatMarkdown OutputFormat = "markdown"
	FormatYAML     OutputFormat = "yaml"
	FormatLua      OutputFormat = "lua"
)

func (f OutputFormat) Valid() bool {
	switch f {
	case FormatMarkdown, FormatYAML, FormatLua:
		return true
	}
	return false
}

type Template struct {
	Name          string            `yaml:"name" json:"name"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	SchemaVersion int               `yaml:"schema_version,omitempty" json:"schema_version,omitempty"`
	Phases        []PhaseSpec       `yaml:"phases" json:"phases"`
	Outputs       []OutputSpec      `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

type PhaseSpec struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Capture   []CaptureKind `yaml:"capture" json:"capture"`
	Prompt    string        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Fields    []FieldSpec   `yaml:"extract,omitempty" json:"extract,omitempty"`
	DependsOn StringList    `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

type FieldSpec struct {
	ID     string    `yaml:"id" json:"id"`
	Type   FieldType `yaml:"type" json:"type"`
	Prompt string    `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

type OutputSpec struct {
	ID       string       `yaml:"id" json:"id"`
	Format   OutputFormat `yaml:"format" json:"format"`
	Filename string       `yaml:"filename,omitempty" json:"filename,omitempty"`
	Script   string       `yaml:"script,omitempty" json:"script,omitempty"`
	Phases   StringList   `yaml:"phases,omitempty" json:"phases,omitempty"`
}

// StringList accepts both a bare scalar and a sequence in YAML, so
// `depends_on: intro` and `depends_on: [intro, detail]` both parse.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	}
	return fmt.Errorf("expected string or list, got yaml node kind %d", value.Kind)
}

func (t *Template) Phase(id string) (*PhaseSpec, bool) {
	for i := range t.Phases {
		if t.Phases[i].ID == id {
			return &t.Phases[i], true
		}
	}
	return nil, false
}

func (p *PhaseSpec) Accepts(kind CaptureKind) bool {
	for _, k := range p.Capture {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *PhaseSpec) Field(id string) (*FieldSpec, bool) {
	for i := range p.Fields {
		if p.Fields[i].ID == id {
			return &p.Fields[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy. Sessions embed a frozen copy of their template
// so later edits to the source document never affect existing sessions.
func (t *Template) Clone() Template {
	out := *t
	out.Phases = make([]PhaseSpec, len(t.Phases))
	for i, p := range t.Phases {
		cp := p
		cp.Capture = append([]CaptureKind(nil), p.Capture...)
		cp.Fields = append([]FieldSpec(nil), p.Fields...)
		cp.DependsOn = append(StringList(nil), p.DependsOn...)
		out.Phases[i] = cp
	}
	out.Outputs = make([]OutputSpec, len(t.Outputs))
	for i, o := range t.Outputs {
		cp := o
		cp.Phases = append(StringList(nil), o.Phases...)
		out.Outputs[i] = cp
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
