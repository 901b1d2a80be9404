package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCanSpend_Boundaries(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l := Load(filepath.Join(t.TempDir(), "usage.json"), WithClock(fixedClock(now)))

	for i := 0; i < 59; i++ {
		require.True(t, l.CanSpend(1))
		l.Record(1, "ListMentions")
	}
	// total=59, requested=1, cap=60 -> true
	require.True(t, l.CanSpend(1))
	l.Record(1, "ListMentions")
	// total=60, requested=1 -> false
	require.False(t, l.CanSpend(1))
	require.Equal(t, 0, l.Remaining())
}

func TestRecord_Monotonic(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l := Load(filepath.Join(t.TempDir(), "usage.json"), WithClock(fixedClock(now)))

	l.Record(1, "VerifyIdentity")
	require.Equal(t, 1, l.TotalThisMonth())
	l.Record(2, "ListMentions")
	require.Equal(t, 3, l.TotalThisMonth())
	require.Equal(t, 3, l.Today())
	require.Equal(t, map[string]int{"VerifyIdentity": 1, "ListMentions": 2}, l.EndpointBreakdown())
}

func TestRecord_MonthRollover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	clock := time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC)
	now := &clock
	l := Load(path, WithClock(func() time.Time { return *now }))

	l.Record(5, "ListMentions")
	require.Equal(t, 5, l.TotalThisMonth())

	// First call observed in the new month zeroes counts before adding.
	clock = time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	require.Equal(t, 0, l.TotalThisMonth())
	l.Record(1, "VerifyIdentity")
	require.Equal(t, 1, l.TotalThisMonth())
	require.Equal(t, 1, l.Today())
	require.Equal(t, map[string]int{"VerifyIdentity": 1}, l.EndpointBreakdown())
}

func TestCanSpend_AcrossRollover(t *testing.T) {
	clock := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	now := &clock
	l := Load(filepath.Join(t.TempDir(), "usage.json"), WithClock(func() time.Time { return *now }))

	for i := 0; i < 60; i++ {
		l.Record(1, "ListMentions")
	}
	require.False(t, l.CanSpend(1))

	// Stale ledger from last month must not block the new month.
	clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, l.CanSpend(1))
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	l := Load(path, WithClock(fixedClock(now)))
	l.Record(3, "ListMentions")
	require.NoError(t, l.Save())

	reloaded := Load(path, WithClock(fixedClock(now)))
	require.Equal(t, 3, reloaded.TotalThisMonth())
	require.Equal(t, 3, reloaded.Today())

	// File format matches the documented field names.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "total_calls")
	require.Contains(t, raw, "daily_calls")
	require.Contains(t, raw, "last_reset")
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	l := Load(path, WithClock(fixedClock(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))))
	require.Equal(t, 0, l.TotalThisMonth())
	require.True(t, l.CanSpend(1))
	require.NoError(t, l.Save())
}
