package models

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestFieldTypeCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		ft   FieldType
		in   any
		want any
		ok   bool
	}{
		{"text passthrough", FieldText, "hello", "hello", true},
		{"text from number", FieldText, float64(42), "42", true},
		{"text rejects list", FieldText, []any{"a"}, "", false},
		{"boolean true", FieldBoolean, true, true, true},
		{"boolean from yes", FieldBoolean, "Yes", true, true},
		{"boolean from no", FieldBoolean, "no", false, true},
		{"boolean rejects number", FieldBoolean, float64(1), false, false},
		{"list from any slice", FieldList, []any{"a", "b"}, []string{"a", "b"}, true},
		{"list wraps scalar", FieldList, "solo", []string{"solo"}, true},
		{"list rejects nested", FieldList, []any{[]any{"a"}}, nil, false},
		{"map from any map", FieldMap, map[string]any{"k": "v"}, map[string]string{"k": "v"}, true},
		{"map stringifies scalars", FieldMap, map[string]any{"n": float64(3)}, map[string]string{"n": "3"}, true},
		{"map rejects scalar", FieldMap, "nope", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.ft.Canonicalize(tt.in)
			if ok != tt.ok {
				t.Fatalf("Canonicalize(%v) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Canonicalize(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFieldTypeZero(t *testing.T) {
	if got := FieldText.Zero(); got != "" {
		t.Errorf("text zero = %#v", got)
	}
	if got := FieldBoolean.Zero(); got != false {
		t.Errorf("boolean zero = %#v", got)
	}
	if got, ok := FieldList.Zero().([]string); !ok || len(got) != 0 {
		t.Errorf("list zero = %#v", FieldList.Zero())
	}
	if got, ok := FieldMap.Zero().(map[string]string); !ok || len(got) != 0 {
		t.Errorf("map zero = %#v", FieldMap.Zero())
	}
}

func TestStringListUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want StringList
	}{
		{"scalar", `depends_on: intro`, StringList{"intro"}},
		{"sequence", "depends_on:\n  - intro\n  - detail", StringList{"intro", "detail"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				DependsOn StringList `yaml:"depends_on"`
			}
			if err := yaml.Unmarshal([]byte(tt.doc), &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(out.DependsOn, tt.want) {
				t.Errorf("got %v, want %v", out.DependsOn, tt.want)
			}
		})
	}
}

func TestTemplateClone(t *testing.T) {
	tmpl := Template{
		Name:          "demo",
		SchemaVersion: 1,
		Phases: []PhaseSpec{
			{
				ID:      "intro",
				Name:    "Intro",
				Capture: []CaptureKind{CaptureText},
				Fields:  []FieldSpec{{ID: "summary", Type: FieldText}},
			},
			{
				ID:        "detail",
				Name:      "Detail",
				Capture:   []CaptureKind{CaptureText, CaptureAudio},
				DependsOn: StringList{"intro"},
			},
		},
		Metadata: map[string]string{"author": "demo"},
	}

	clone := tmpl.Clone()
	clone.Phases[0].Fields[0].ID = "changed"
	clone.Phases[1].DependsOn[0] = "changed"
	clone.Metadata["author"] = "changed"

	if tmpl.Phases[0].Fields[0].ID != "summary" {
		t.Error("clone shares field slice with original")
	}
	if tmpl.Phases[1].DependsOn[0] != "intro" {
		t.Error("clone shares depends_on slice with original")
	}
	if tmpl.Metadata["author"] != "demo" {
		t.Error("clone shares metadata map with original")
	}
}

func TestPhaseStateStage(t *testing.T) {
	tests := []struct {
		name  string
		state PhaseState
		want  PhaseStatus
	}{
		{"non-failed passes through", PhaseState{Status: StatusCaptured}, StatusCaptured},
		{"failed with transcript", PhaseState{Status: StatusFailed, Transcript: "phases/a/transcript.txt"}, StatusTranscribed},
		{"failed with artifact only", PhaseState{Status: StatusFailed, Artifacts: []Artifact{{ID: "x"}}}, StatusCaptured},
		{"failed with nothing", PhaseState{Status: StatusFailed}, StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Stage(); got != tt.want {
				t.Errorf("Stage() = %s, want %s", got, tt.want)
			}
		})
	}
}
