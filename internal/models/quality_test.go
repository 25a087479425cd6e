package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQualityRoundTrip(t *testing.T) {
	t.Parallel()

	for _, q := range QualityLadder {
		parsed, err := ParseQuality(q.String())
		require.NoError(t, err)
		assert.Equal(t, q, parsed)
	}
}

func TestParseQualityAcceptsVariants(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"1080p", "1080", " 1080P "} {
		q, err := ParseQuality(input)
		require.NoError(t, err)
		assert.Equal(t, QualityHigh, q)
	}
}

func TestParseQualityRejectsUnknownRungs(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "144p", "best", "1080i"} {
		_, err := ParseQuality(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestClosestQuality(t *testing.T) {
	t.Parallel()

	available := []Quality{QualityHigh, QualityMedium, QualityLow}

	got, ok := ClosestQuality(QualityHigh, available)
	require.True(t, ok)
	assert.Equal(t, QualityHigh, got)

	// requested rung missing: highest not exceeding it
	got, ok = ClosestQuality(QualityUltra, available)
	require.True(t, ok)
	assert.Equal(t, QualityHigh, got)

	// everything exceeds the request: lowest available
	got, ok = ClosestQuality(QualityLow, []Quality{QualityHigh, QualityUltra})
	require.True(t, ok)
	assert.Equal(t, QualityHigh, got)

	_, ok = ClosestQuality(QualityHigh, nil)
	assert.False(t, ok)
}

func TestSortQualitiesDesc(t *testing.T) {
	t.Parallel()

	sorted := SortQualitiesDesc([]Quality{QualityLow, QualityHigh, QualityLow, QualityMedium})
	assert.Equal(t, []Quality{QualityHigh, QualityMedium, QualityLow}, sorted)
}
