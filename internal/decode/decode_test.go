package decode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/distill/internal/models"
)

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path string
		want models.CaptureKind
	}{
		{"recording.mp3", models.CaptureAudio},
		{"clip.WAV", models.CaptureAudio},
		{"/abs/path/interview.m4a", models.CaptureAudio},
		{"notes.txt", models.CaptureText},
		{"readme.md", models.CaptureText},
		{"contract.pdf", models.CaptureDocument},
	}

	for _, tt := range tests {
		got, err := KindForPath(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestKindForPathUnsupported(t *testing.T) {
	for _, path := range []string{"image.png", "archive.zip", "noext"} {
		_, err := KindForPath(path)
		assert.Error(t, err, path)
	}
}

func TestTextReadsTextFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Standup\nshipped the fix"), 0o644))

	got, err := Text(path)
	require.NoError(t, err)
	assert.Equal(t, "# Standup\nshipped the fix", got)
}

func TestTextRefusesAudio(t *testing.T) {
	_, err := Text("recording.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot decode audio")
}
