package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Attack on Titan":          "attack on titan",
		"Attack On Titan!":         "attack on titan",
		"  ATTACK   ON   TITAN  ":  "attack on titan",
		"Shingeki no Kyojin":       "shingeki kyojin",
		"The Melancholy of Haruhi": "melancholy haruhi",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeTitle(input), input)
	}
}

func TestNormalizedKeyMatchesAcrossSources(t *testing.T) {
	t.Parallel()

	a := &AnimeResult{Title: "Attack on Titan", URL: "https://a.example/aot", Source: "A"}
	b := &AnimeResult{Title: "attack  ON titan!", URL: "https://b.example/aot", Source: "B"}
	assert.Equal(t, a.NormalizedKey(), b.NormalizedKey())
}

func TestAnimeResultValidate(t *testing.T) {
	t.Parallel()

	valid := &AnimeResult{
		Title:  "Cowboy Bebop",
		URL:    "https://example.com/anime/bebop",
		Source: "Sample Source",
		Rating: 8.9,
		Year:   1998,
	}
	require.NoError(t, valid.Validate())

	bad := *valid
	bad.Title = "  "
	assert.Error(t, bad.Validate())

	bad = *valid
	bad.URL = "ftp://example.com/x"
	assert.Error(t, bad.Validate())

	bad = *valid
	bad.Rating = 11
	assert.Error(t, bad.Validate())
}

func TestBetterThanPrefersRichness(t *testing.T) {
	t.Parallel()

	base := &AnimeResult{Title: "X", Rating: 7.0, EpisodeCount: 12, Description: "short"}

	higherRating := &AnimeResult{Title: "X", Rating: 8.0, EpisodeCount: 1}
	assert.True(t, higherRating.BetterThan(base))

	moreEpisodes := &AnimeResult{Title: "X", Rating: 7.0, EpisodeCount: 24}
	assert.True(t, moreEpisodes.BetterThan(base))

	longerDescription := &AnimeResult{Title: "X", Rating: 7.0, EpisodeCount: 12, Description: "a much longer description"}
	assert.True(t, longerDescription.BetterThan(base))

	assert.False(t, base.BetterThan(base))
}
