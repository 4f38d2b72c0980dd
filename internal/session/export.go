package session

import (
	"encoding/json"
	"fmt"

	"github.com/mpataki/distill/internal/models"
)

// ExportJSON renders the full session document, frozen template included,
// as indented JSON for consumption outside distill.
func ExportJSON(sess *models.Session) ([]byte, error) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export session %q: %w", sess.Name, err)
	}
	return append(data, '\n'), nil
}
