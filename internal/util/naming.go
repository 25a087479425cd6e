package util

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lucasmonteiro/anifetch/internal/models"
)

// reservedChars are characters most filesystems reject in file names.
const reservedChars = `<>:"/\|?*`

const maxFilenameBytes = 255

// SanitizeFilename makes name safe for the local filesystem: reserved
// characters become underscores, control characters are dropped,
// trailing dots and spaces are removed, and the result is capped at 255
// bytes while preserving the extension. The transform is idempotent.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch < 0x20 || ch == 0x7f:
			// control characters are stripped outright
		case strings.ContainsRune(reservedChars, ch):
			b.WriteByte('_')
		default:
			b.WriteRune(ch)
		}
	}
	cleaned := strings.TrimRight(b.String(), ". ")
	if cleaned == "" {
		return "_"
	}
	if len(cleaned) <= maxFilenameBytes {
		return cleaned
	}

	ext := filepath.Ext(cleaned)
	if len(ext) > maxFilenameBytes {
		ext = ""
	}
	base := cleaned[:len(cleaned)-len(ext)]
	budget := maxFilenameBytes - len(ext)
	if budget < 0 {
		budget = 0
	}
	if len(base) > budget {
		base = base[:budget]
		// drop any partial rune left at the cut
		for len(base) > 0 {
			r, size := utf8.DecodeLastRuneInString(base)
			if r != utf8.RuneError || size != 1 {
				break
			}
			base = base[:len(base)-1]
		}
	}
	return base + ext
}

// EpisodeFilename builds the canonical output file name:
// "{anime} - E{NN} - {episode title} [{quality}].mp4".
func EpisodeFilename(animeTitle string, ep models.Episode, quality models.Quality) string {
	name := fmt.Sprintf("%s - E%02d - %s [%s].mp4", animeTitle, ep.Number, ep.Title, quality)
	return SanitizeFilename(name)
}

var episodeNumRe = regexp.MustCompile(`(?i)(?:episode|ep\.?|e)\s*(\d{1,4})`)
var bareNumRe = regexp.MustCompile(`(\d{1,4})`)

// ExtractEpisodeNumber pulls the episode number out of strings like
// "Episode 12", "Ep. 3" or "S1E07". Falls back to the first number in
// the string. Returns false when nothing parses.
func ExtractEpisodeNumber(s string) (int, bool) {
	if m := episodeNumRe.FindStringSubmatch(s); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			return n, true
		}
	}
	if m := bareNumRe.FindStringSubmatch(s); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			return n, true
		}
	}
	return 0, false
}

// CleanStreamURL trims stray escaping and whitespace plugins sometimes
// leave in extracted URLs.
func CleanStreamURL(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, `\/`, "/")
	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	return strings.Trim(cleaned, `"'`)
}

// IsHLSURL reports whether the URL points at an HLS manifest.
func IsHLSURL(u string) bool {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".m3u8") ||
		strings.Contains(lower, "master.m3u8") ||
		strings.Contains(lower, "playlist.m3u8")
}
