// Package models contains the core data structures shared by plugins,
// the search orchestrator and the download engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Quality is a rung on the canonical resolution ladder. The numeric value
// is the vertical pixel count, so rungs order naturally.
type Quality int

const (
	QualityLow    Quality = 480
	QualityMedium Quality = 720
	QualityHigh   Quality = 1080
	QualityUltra  Quality = 1440
	QualityFourK  Quality = 2160
)

// QualityLadder lists all rungs in ascending order.
var QualityLadder = []Quality{QualityLow, QualityMedium, QualityHigh, QualityUltra, QualityFourK}

// String renders the quality as a label like "720p".
func (q Quality) String() string {
	return strconv.Itoa(int(q)) + "p"
}

// Valid reports whether q is one of the ladder rungs.
func (q Quality) Valid() bool {
	for _, rung := range QualityLadder {
		if q == rung {
			return true
		}
	}
	return false
}

// ParseQuality maps a quality string like "720p" (or bare "720") to its
// ladder rung. The mapping is bijective: each label maps to exactly one
// rung and unknown labels are rejected.
func ParseQuality(s string) (Quality, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "p")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, NewValidationError(fmt.Sprintf("unrecognized quality %q", s))
	}
	q := Quality(n)
	if !q.Valid() {
		return 0, NewValidationError(fmt.Sprintf("quality %q is not on the ladder", s))
	}
	return q, nil
}

// ClosestQuality picks from available the highest rung not exceeding
// requested; when none qualifies it returns the lowest available rung.
// Returns false when available is empty.
func ClosestQuality(requested Quality, available []Quality) (Quality, bool) {
	if len(available) == 0 {
		return 0, false
	}
	var best Quality
	found := false
	lowest := available[0]
	for _, q := range available {
		if q < lowest {
			lowest = q
		}
		if q <= requested && (!found || q > best) {
			best = q
			found = true
		}
	}
	if !found {
		return lowest, true
	}
	return best, true
}

// SortQualitiesDesc returns a copy of qs with duplicates removed, sorted
// from highest rung to lowest.
func SortQualitiesDesc(qs []Quality) []Quality {
	seen := make(map[Quality]bool, len(qs))
	out := make([]Quality, 0, len(qs))
	for _, q := range qs {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] > out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
