package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/session"
	"github.com/mpataki/distill/internal/store"
)

func TestNewServerRequiresServices(t *testing.T) {
	st := store.New(t.TempDir())

	_, err := NewServer(nil, nil, st, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session service is required")

	_, err = NewServer(nil, session.New(st, nil, nil), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestNewServerRegistersTools(t *testing.T) {
	st := store.New(t.TempDir())

	templates := map[string]*models.Template{
		"debrief": {
			Name: "debrief",
			Phases: []models.PhaseSpec{
				{ID: "intro", Name: "Introduction", Capture: []models.CaptureKind{models.CaptureText}},
			},
		},
	}

	srv, err := NewServer(nil, session.New(st, nil, nil), st, templates)
	require.NoError(t, err)
	assert.NotNil(t, srv.mcp)
	assert.Equal(t, []string{"debrief"}, templateNames(srv.templates))
}
