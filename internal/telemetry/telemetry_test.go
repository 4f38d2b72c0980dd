package telemetry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndRecent(t *testing.T) {
	r := openTestRecorder(t)

	r.Record(Event{Command: "capture", Session: "demo", Phase: "intro", Duration: 120 * time.Millisecond})
	r.Record(Event{
		Command: "extract", Session: "demo", Phase: "intro", Provider: "anthropic",
		Duration: 2 * time.Second, Outcome: OutcomeError, Error: "provider unavailable",
	})

	events, err := r.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, "extract", events[0].Command)
	assert.Equal(t, "demo", events[0].Session)
	assert.Equal(t, "intro", events[0].Phase)
	assert.Equal(t, "anthropic", events[0].Provider)
	assert.Equal(t, 2*time.Second, events[0].Duration)
	assert.Equal(t, OutcomeError, events[0].Outcome)
	assert.Equal(t, "provider unavailable", events[0].Error)

	assert.Equal(t, "capture", events[1].Command)
	assert.Equal(t, OutcomeOK, events[1].Outcome)
	assert.False(t, events[1].CreatedAt.IsZero())
}

func TestRecentHonorsLimit(t *testing.T) {
	r := openTestRecorder(t)
	for i := 0; i < 5; i++ {
		r.Record(Event{Command: "status"})
	}

	events, err := r.Recent(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestCountByCommand(t *testing.T) {
	r := openTestRecorder(t)

	r.Record(Event{Command: "capture"})
	r.Record(Event{Command: "capture"})
	r.Record(Event{Command: "build", Outcome: OutcomeError})

	counts, err := r.CountByCommand()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"capture": 2, "build": 1}, counts)
}

func TestTrackRecordsOutcome(t *testing.T) {
	r := openTestRecorder(t)

	done := r.Track(Event{Command: "extract", Session: "demo", Phase: "intro"})
	done(errors.New("rate limited"))

	done = r.Track(Event{Command: "capture", Session: "demo"})
	done(nil)

	events, err := r.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeOK, events[0].Outcome)
	assert.Equal(t, OutcomeError, events[1].Outcome)
	assert.Equal(t, "rate limited", events[1].Error)
	assert.Equal(t, "intro", events[1].Phase)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder

	r.Record(Event{Command: "capture"})
	r.Track(Event{Command: "capture"})(nil)

	events, err := r.Recent(10)
	require.NoError(t, err)
	assert.Nil(t, events)

	counts, err := r.CountByCommand()
	require.NoError(t, err)
	assert.Nil(t, counts)

	assert.NoError(t, r.Close())
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")

	r, err := Open(path, nil)
	require.NoError(t, err)
	r.Record(Event{Command: "capture"})
	require.NoError(t, r.Close())

	r, err = Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	events, err := r.Recent(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
