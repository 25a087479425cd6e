package models

import (
	"net/url"
	"strings"
	"unicode"
)

// AnimeResult is one search hit from a source. Plugins create it during
// Search and it is immutable afterwards.
type AnimeResult struct {
	Title        string   `json:"title"`
	URL          string   `json:"url"`
	Source       string   `json:"source"`
	EpisodeCount int      `json:"episode_count,omitempty"`
	Description  string   `json:"description,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	Year         int      `json:"year,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// Validate checks the result invariants: a non-empty title and an
// absolute http(s) URL, plus range checks on the optional fields.
func (r *AnimeResult) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return NewValidationError("anime result has empty title")
	}
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return NewValidationError("anime result URL must be absolute http(s): " + r.URL)
	}
	if r.EpisodeCount < 0 {
		return NewValidationError("episode count cannot be negative")
	}
	if r.Year != 0 && (r.Year < 1900 || r.Year > 2100) {
		return NewValidationError("year out of range")
	}
	if r.Rating < 0 || r.Rating > 10 {
		return NewValidationError("rating out of range")
	}
	return nil
}

// titleStopWords are dropped when computing the dedup key.
var titleStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "no": true, "wa": true, "to": true,
}

// NormalizedKey is the dedup identity of a result: the title lowercased,
// punctuation stripped and stop-words removed. Titles differing only in
// case, punctuation or stop-words collapse to the same key.
func (r *AnimeResult) NormalizedKey() string {
	return NormalizeTitle(r.Title)
}

// NormalizeTitle computes the normalized-title dedup key for any title.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			b.WriteRune(ch)
		case unicode.IsSpace(ch):
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if !titleStopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// BetterThan reports whether r should survive deduplication against
// other, comparing (rating, episode count, description length) in order.
func (r *AnimeResult) BetterThan(other *AnimeResult) bool {
	if r.Rating != other.Rating {
		return r.Rating > other.Rating
	}
	if r.EpisodeCount != other.EpisodeCount {
		return r.EpisodeCount > other.EpisodeCount
	}
	return len(r.Description) > len(other.Description)
}
