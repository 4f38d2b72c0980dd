// Package decode classifies capture files and pulls plain text out of the
// formats that carry it. Audio is never decoded here; providers transcribe it.
package decode

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/mpataki/distill/internal/models"
)

var extKinds = map[string]models.CaptureKind{
	".mp3":  models.CaptureAudio,
	".wav":  models.CaptureAudio,
	".webm": models.CaptureAudio,
	".m4a":  models.CaptureAudio,
	".ogg":  models.CaptureAudio,
	".flac": models.CaptureAudio,
	".mp4":  models.CaptureAudio,
	".aac":  models.CaptureAudio,

	".txt":  models.CaptureText,
	".md":   models.CaptureText,
	".text": models.CaptureText,

	".pdf": models.CaptureDocument,
}

// KindForPath classifies a capture file by extension.
func KindForPath(path string) (models.CaptureKind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	kind, ok := extKinds[ext]
	if !ok {
		return "", fmt.Errorf("unsupported file extension %q (audio, .txt/.md, or .pdf)", ext)
	}
	return kind, nil
}

// Text returns the plain text of a text or document capture.
func Text(path string) (string, error) {
	kind, err := KindForPath(path)
	if err != nil {
		return "", err
	}

	switch kind {
	case models.CaptureText:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(data), nil
	case models.CaptureDocument:
		return pdfText(path)
	}
	return "", fmt.Errorf("cannot decode %s capture %s as text", kind, path)
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}
	return buf.String(), nil
}
