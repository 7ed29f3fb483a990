package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	for _, f := range []string{"hourly", "daily", "weekly", "monthly", "*/15 * * * *", "0 3 * * 1-5"} {
		assert.NoError(t, Validate(f), f)
	}
	for _, f := range []string{"", "fortnightly", "* * *"} {
		assert.Error(t, Validate(f), f)
	}
}

func TestNext(t *testing.T) {
	// Wednesday 2026-10-14 10:30 UTC
	from := time.Date(2026, 10, 14, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		freq  string
		clock string
		want  time.Time
	}{
		{Hourly, "00:45", time.Date(2026, 10, 14, 10, 45, 0, 0, time.UTC)},
		{Hourly, "00:15", time.Date(2026, 10, 14, 11, 15, 0, 0, time.UTC)},
		{Daily, "02:00", time.Date(2026, 10, 15, 2, 0, 0, 0, time.UTC)},
		{Daily, "23:00", time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)},
		{Weekly, "03:00", time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)},
		{Monthly, "04:30", time.Date(2026, 11, 1, 4, 30, 0, 0, time.UTC)},
		{"*/20 * * * *", "", time.Date(2026, 10, 14, 10, 40, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := Next(tt.freq, tt.clock, from)
		require.NoError(t, err, tt.freq)
		assert.True(t, tt.want.Equal(got), "%s at %s: want %v, got %v", tt.freq, tt.clock, tt.want, got)
	}
}

func TestNext_InvalidClock(t *testing.T) {
	_, err := Next(Daily, "25:00", time.Now())
	assert.Error(t, err)

	_, err = Next(Daily, "noon", time.Now())
	assert.Error(t, err)
}

func TestNext_DefaultClock(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := Next(Daily, "", from)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Hour())
}
