package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEpisodeDefaults(t *testing.T) {
	t.Parallel()

	ep := NewEpisode(7, "  ", "https://example.com/ep/7", "AnimeFire",
		[]Quality{QualityLow, QualityHigh, QualityLow})

	assert.Equal(t, "Episode 7", ep.Title)
	assert.Equal(t, []Quality{QualityHigh, QualityLow}, ep.QualityOptions)
	assert.Equal(t, QualityHigh, ep.BestQuality())
	assert.True(t, ep.HasQuality(QualityLow))
	assert.False(t, ep.HasQuality(QualityMedium))
}

func TestEpisodeValidate(t *testing.T) {
	t.Parallel()

	valid := NewEpisode(1, "Pilot", "https://example.com/ep/1", "AnimeFire", []Quality{QualityHigh})
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Number = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.URL = "/relative/path"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.QualityOptions = nil
	assert.Error(t, bad.Validate())

	bad = valid
	bad.QualityOptions = []Quality{QualityLow, QualityHigh}
	assert.Error(t, bad.Validate(), "quality options must be strictly descending")
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"24:00":    1440,
		"00:30":    30,
		"01:05:30": 3930,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, input := range []string{"", "90", "1:2:3:4", "-1:00", "aa:bb"} {
		_, err := ParseDuration(input)
		assert.Error(t, err, input)
	}
}

func TestFormatDurationCanonicalizes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"24:00":    "24:00",
		"00:24:00": "24:00",
		"00:30":    "00:30",
		"00:00:30": "00:30",
		"01:05:30": "01:05:30",
	}
	for input, canonical := range cases {
		seconds, err := ParseDuration(input)
		require.NoError(t, err, input)
		got := FormatDuration(seconds)
		assert.Equal(t, canonical, got, input)

		// the canonical form is a fixed point of parse and format
		again, err := ParseDuration(got)
		require.NoError(t, err, got)
		assert.Equal(t, seconds, again, got)
		assert.Equal(t, canonical, FormatDuration(again), got)
	}
}

func TestCanonicalDuration(t *testing.T) {
	t.Parallel()

	got, err := CanonicalDuration("00:24:00")
	require.NoError(t, err)
	assert.Equal(t, "24:00", got)

	_, err = CanonicalDuration("not a duration")
	assert.Error(t, err)
}
