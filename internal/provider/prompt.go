package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/distill/internal/models"
)

const extractionSystemPrompt = `You extract structured data from interview transcripts.
Respond with a single JSON object and nothing else. The object must contain
exactly one entry per requested field, keyed by field id. Use the requested
type for each value:
  text    -> string
  list    -> array of strings
  map     -> object of string keys to string values
  boolean -> true or false
If the transcript does not cover a field, use an empty value of the right type.
Do not invent information that is not in the transcript.`

// buildExtractionPrompt renders the user message for an extraction request:
// the phase's framing, the field contract, and the transcript itself.
func buildExtractionPrompt(req ExtractRequest) string {
	var b strings.Builder

	if req.PhasePrompt != "" {
		b.WriteString(req.PhasePrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("Fields to extract:\n")
	for _, f := range req.Fields {
		fmt.Fprintf(&b, "- %s (%s)", f.ID, f.Type)
		if f.Prompt != "" {
			fmt.Fprintf(&b, ": %s", f.Prompt)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(req.Transcript)

	return b.String()
}

// parseExtraction turns a model response into an Extraction. Every requested
// field gets an entry: values that parse and coerce cleanly are kept, the
// rest fall back to the type's zero value and mark the result partial.
func parseExtraction(raw string, fields []models.FieldSpec) Extraction {
	ext := Extraction{Values: make(map[string]any, len(fields))}

	parsed := decodeJSONObject(raw)

	for _, f := range fields {
		v, ok := parsed[f.ID]
		if ok {
			if coerced, valid := f.Type.Canonicalize(v); valid {
				ext.Values[f.ID] = coerced
				continue
			}
		}
		ext.Values[f.ID] = f.Type.Zero()
		ext.Partial = true
		ext.Failed = append(ext.Failed, f.ID)
	}

	return ext
}

// decodeJSONObject parses a model response as a JSON object, tolerating
// markdown fences and surrounding prose. Returns nil when nothing parses.
func decodeJSONObject(raw string) map[string]any {
	cleaned := stripMarkdownFences(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
		return parsed
	}

	// Some models wrap the object in prose despite instructions. Try the
	// outermost brace pair before giving up.
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err == nil {
			return parsed
		}
	}

	return nil
}

func stripMarkdownFences(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}
