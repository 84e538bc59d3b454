package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPeriodsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	require.NoError(t, s.RecordPeriod(Period{Start: base, End: base.Add(week), BytesUsed: 10, Throttled: false}))
	require.NoError(t, s.RecordPeriod(Period{Start: base.Add(week), End: base.Add(2 * week), BytesUsed: 20, Throttled: true}))

	periods, err := s.Periods(10)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	assert.True(t, periods[0].Start.Equal(base.Add(week)))
	assert.True(t, periods[0].End.Equal(base.Add(2*week)))
	assert.Equal(t, int64(20), periods[0].BytesUsed)
	assert.True(t, periods[0].Throttled)
	assert.Equal(t, int64(10), periods[1].BytesUsed)

	limited, err := s.Periods(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordEvent(Event{Kind: EventWorkerStarted, LaunchID: "launch-1", Detail: "mode=normal"}))
	require.NoError(t, s.RecordEvent(Event{Kind: EventThrottled}))

	events, err := s.Events(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventThrottled, events[0].Kind)
	assert.Empty(t, events[0].LaunchID)
	assert.Equal(t, EventWorkerStarted, events[1].Kind)
	assert.Equal(t, "launch-1", events[1].LaunchID)
	assert.Equal(t, "mode=normal", events[1].Detail)
	assert.False(t, events[1].At.IsZero())
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent(Event{Kind: EventStopped}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.Events(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventStopped, events[0].Kind)
}

func TestEmptyStore(t *testing.T) {
	s := openTestStore(t)

	periods, err := s.Periods(5)
	require.NoError(t, err)
	assert.Empty(t, periods)
}
