package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mpataki/distill/internal/models"
)

func renderMarkdown(sess *models.Session, ctx map[string]map[string]any) []byte {
	var b strings.Builder

	b.WriteString("# ")
	b.WriteString(sess.Name)
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Template: %s\n", sess.Template.Name))
	b.WriteString(fmt.Sprintf("Created: %s\n\n", sess.CreatedAt.Format("2006-01-02 15:04")))

	for _, phase := range sess.Template.Phases {
		fields, ok := ctx[phase.ID]
		if !ok {
			continue
		}

		b.WriteString("## ")
		b.WriteString(phase.Name)
		b.WriteString("\n\n")

		ps := sess.Phases[phase.ID]
		if ps != nil && ps.Partial {
			b.WriteString(fmt.Sprintf("_Some fields could not be extracted: %s._\n\n", strings.Join(ps.FailedFields, ", ")))
		}

		for _, f := range phase.Fields {
			writeField(&b, f, fields[f.ID])
		}
	}

	return []byte(b.String())
}

func writeField(b *strings.Builder, f models.FieldSpec, v any) {
	switch f.Type {
	case models.FieldList:
		items, _ := v.([]string)
		b.WriteString(fmt.Sprintf("**%s**\n\n", f.ID))
		if len(items) == 0 {
			b.WriteString("_none_\n\n")
			return
		}
		for _, item := range items {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	case models.FieldMap:
		m, _ := v.(map[string]string)
		b.WriteString(fmt.Sprintf("**%s**\n\n", f.ID))
		if len(m) == 0 {
			b.WriteString("_none_\n\n")
			return
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, m[k]))
		}
		b.WriteString("\n")
	default:
		b.WriteString(fmt.Sprintf("**%s**: %v\n\n", f.ID, v))
	}
}
