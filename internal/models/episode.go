package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Episode is one entry in an anime's episode list.
type Episode struct {
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Source         string    `json:"source"`
	QualityOptions []Quality `json:"quality_options"`
	Duration       string    `json:"duration,omitempty"`
	Description    string    `json:"description,omitempty"`
	ThumbnailURL   string    `json:"thumbnail_url,omitempty"`
	AirDate        string    `json:"air_date,omitempty"`
	IsFiller       bool      `json:"is_filler"`
}

// NewEpisode builds an episode with its invariants applied: a default
// title when none is given and quality options deduplicated and sorted
// descending by rung.
func NewEpisode(number int, title, rawURL, source string, qualities []Quality) Episode {
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("Episode %d", number)
	}
	return Episode{
		Number:         number,
		Title:          title,
		URL:            rawURL,
		Source:         source,
		QualityOptions: SortQualitiesDesc(qualities),
	}
}

// BestQuality is the highest available rung, always the first element of
// the quality options.
func (e *Episode) BestQuality() Quality {
	if len(e.QualityOptions) == 0 {
		return 0
	}
	return e.QualityOptions[0]
}

// HasQuality reports whether q is offered by this episode.
func (e *Episode) HasQuality(q Quality) bool {
	for _, opt := range e.QualityOptions {
		if opt == q {
			return true
		}
	}
	return false
}

// Validate checks the episode invariants.
func (e *Episode) Validate() error {
	if e.Number < 1 {
		return NewValidationError("episode number must be >= 1")
	}
	if strings.TrimSpace(e.Title) == "" {
		return NewValidationError("episode title is empty")
	}
	u, err := url.Parse(e.URL)
	if err != nil || !u.IsAbs() {
		return NewValidationError("episode URL must be absolute: " + e.URL)
	}
	if len(e.QualityOptions) == 0 {
		return NewValidationError("episode has no quality options")
	}
	for i := 1; i < len(e.QualityOptions); i++ {
		if e.QualityOptions[i] >= e.QualityOptions[i-1] {
			return NewValidationError("quality options must be unique and descending")
		}
	}
	if e.Duration != "" {
		if _, err := ParseDuration(e.Duration); err != nil {
			return err
		}
	}
	return nil
}

// CanonicalDuration reduces any parseable duration to the canonical
// form FormatDuration emits, so stored durations are stable under
// further parse and format cycles.
func CanonicalDuration(s string) (string, error) {
	seconds, err := ParseDuration(s)
	if err != nil {
		return "", err
	}
	return FormatDuration(seconds), nil
}

// ParseDuration parses "MM:SS" or "HH:MM:SS" into total seconds.
func ParseDuration(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, NewValidationError("duration must be MM:SS or HH:MM:SS: " + s)
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, NewValidationError("duration components must be non-negative integers: " + s)
		}
		total = total*60 + n
	}
	return total, nil
}

// FormatDuration renders seconds back into the canonical form: "MM:SS"
// under an hour, "HH:MM:SS" otherwise.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
