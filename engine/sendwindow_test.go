package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weekdays = []int{1, 2, 3, 4, 5}

func TestParseSendWindow(t *testing.T) {
	w, err := ParseSendWindow("09:00", "17:30", weekdays, "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, 9, w.Start.Hour)
	assert.Equal(t, 30, w.End.Minute)
	assert.True(t, w.Days[time.Monday])
	assert.False(t, w.Days[time.Sunday])
	assert.Equal(t, "America/New_York", w.Location.String())
}

func TestParseSendWindowDefaultsToUTC(t *testing.T) {
	w, err := ParseSendWindow("09:00", "17:00", weekdays, "")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, w.Location)
}

func TestParseSendWindowErrors(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		days     []int
		timezone string
	}{
		{"no weekdays", "09:00", "17:00", nil, "UTC"},
		{"bad start", "9am", "17:00", weekdays, "UTC"},
		{"bad end", "09:00", "25:00", weekdays, "UTC"},
		{"weekday out of range", "09:00", "17:00", []int{7}, "UTC"},
		{"negative weekday", "09:00", "17:00", []int{-1}, "UTC"},
		{"bad timezone", "09:00", "17:00", weekdays, "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSendWindow(tt.start, tt.end, tt.days, tt.timezone)
			assert.Error(t, err)
		})
	}
}

func TestContains(t *testing.T) {
	w, err := ParseSendWindow("09:00", "17:00", weekdays, "UTC")
	require.NoError(t, err)

	// 2026-08-24 is a Monday
	assert.True(t, w.Contains(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
	assert.True(t, w.Contains(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 8, 24, 8, 59, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 8, 24, 17, 1, 0, 0, time.UTC)))
	// Sunday is not an allowed day
	assert.False(t, w.Contains(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)))
}

func TestContainsRespectsTimezone(t *testing.T) {
	w, err := ParseSendWindow("09:00", "17:00", weekdays, "America/New_York")
	require.NoError(t, err)

	// 13:00 UTC on Monday is 09:00 in New York (EDT)
	assert.True(t, w.Contains(time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)))
	// 12:00 UTC is 08:00 local, before the window opens
	assert.False(t, w.Contains(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
}

func TestNextAvailable(t *testing.T) {
	w, err := ParseSendWindow("09:00", "17:00", weekdays, "UTC")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			"inside window unchanged",
			time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		},
		{
			"before start snaps to start",
			time.Date(2026, 8, 24, 6, 30, 0, 0, time.UTC),
			time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		},
		{
			"after end rolls to next day",
			time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC),
			time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		},
		{
			"friday evening rolls past the weekend",
			time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC),
			time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
		},
		{
			"sunday skips to monday",
			time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
			time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.NextAvailable(tt.in))
		})
	}
}

func TestNextAvailableWrappedWindow(t *testing.T) {
	// 22:00 to 02:00 crosses midnight
	w, err := ParseSendWindow("22:00", "02:00", []int{1, 2, 3, 4, 5}, "UTC")
	require.NoError(t, err)

	// Monday noon is before the window opens; snap to 22:00 the same day
	got := w.NextAvailable(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC), got)

	// 23:00 Monday is inside the wrapped window
	in := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, in, w.NextAvailable(in))
	assert.True(t, w.Contains(in))
}
