// Package segmenter splits long log text into bounded, overlapping segments
// small enough for a single LLM call.
//
// Sizes are counted in runes. Cuts prefer paragraph breaks, then line
// breaks, then sentence ends, then whitespace, and only fall back to a hard
// cut when the window contains none of them. Consecutive segments share a
// tail/head overlap so a cut never leaves an event without context.
package segmenter

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// DefaultMaxSize is the default maximum segment length in runes.
	DefaultMaxSize = 4000
	// DefaultOverlap is the default number of runes shared with the previous segment.
	DefaultOverlap = 500
)

// ErrEmptyInput is returned when there is nothing to segment.
var ErrEmptyInput = errors.New("segmenter: empty input")

// boundaryLevels lists cut separators from most to least preferred.
// Within a level the latest occurrence in the window wins.
var boundaryLevels = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? ", "; "},
	{" ", "\t"},
}

// Segment is a contiguous slice of the input. Start and End are rune
// offsets; the first Overlap runes of Text repeat the end of the previous segment.
type Segment struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Overlap int    `json:"overlap"`
}

// Len returns the segment length in runes.
func (s Segment) Len() int { return s.End - s.Start }

// Core returns Text without the leading overlap. Concatenating the cores
// of all segments of one split yields the original input.
func (s Segment) Core() string {
	if s.Overlap == 0 {
		return s.Text
	}
	return string([]rune(s.Text)[s.Overlap:])
}

// Segmenter is immutable and safe for concurrent use.
type Segmenter struct {
	maxSize int
	overlap int
}

// New creates a Segmenter. overlap must be in [0, maxSize).
func New(maxSize, overlap int) (*Segmenter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("segmenter: max size must be > 0, got %d", maxSize)
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, fmt.Errorf("segmenter: overlap must be in [0, %d), got %d", maxSize, overlap)
	}
	return &Segmenter{maxSize: maxSize, overlap: overlap}, nil
}

// Default returns a Segmenter with DefaultMaxSize and DefaultOverlap.
func Default() *Segmenter {
	return &Segmenter{maxSize: DefaultMaxSize, overlap: DefaultOverlap}
}

// MaxSize returns the configured maximum segment length.
func (s *Segmenter) MaxSize() int { return s.maxSize }

// Overlap returns the configured overlap.
func (s *Segmenter) Overlap() int { return s.overlap }

// Split cuts text into ordered segments. Input that fits in one segment is
// returned whole. The result is deterministic for a given input and configuration.
func (s *Segmenter) Split(text string) ([]Segment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	runes := []rune(text)
	n := len(runes)
	if n <= s.maxSize {
		return []Segment{{Index: 0, Text: text, Start: 0, End: n}}, nil
	}

	var segs []Segment
	start, prevEnd := 0, 0
	for {
		limit := start + s.maxSize
		if limit >= n {
			segs = append(segs, newSegment(runes, len(segs), start, n, prevEnd-start))
			return segs, nil
		}

		end := cutPoint(runes, prevEnd, limit)
		segs = append(segs, newSegment(runes, len(segs), start, end, prevEnd-start))

		start = s.overlapStart(runes, start, end)
		prevEnd = end
	}
}

func newSegment(runes []rune, index, start, end, overlap int) Segment {
	return Segment{
		Index:   index,
		Text:    string(runes[start:end]),
		Start:   start,
		End:     end,
		Overlap: overlap,
	}
}

// cutPoint picks where the segment whose new content begins at from must
// end, never beyond limit. Boundaries are only searched in the back half of
// the new content so every segment advances substantially.
func cutPoint(runes []rune, from, limit int) int {
	lo := from + (limit-from)/2
	if lo <= from {
		lo = from + 1
	}
	if lo >= limit {
		return limit
	}

	window := runes[lo:limit]
	for _, level := range boundaryLevels {
		best := -1
		for _, sep := range level {
			idx := lastIndex(window, []rune(sep))
			if idx < 0 {
				continue
			}
			if cut := lo + idx + len([]rune(sep)); cut > best {
				best = cut
			}
		}
		if best > from {
			return best
		}
	}
	return limit
}

// overlapStart returns where the next segment starts: overlap runes before
// end, moved forward to the next word start when one exists before end.
func (s *Segmenter) overlapStart(runes []rune, start, end int) int {
	if s.overlap == 0 {
		return end
	}
	next := end - s.overlap
	if next <= start {
		next = start + 1
	}
	if next >= end || unicode.IsSpace(runes[next-1]) {
		return next
	}
	for i := next; i < end-1; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return next
}

func lastIndex(haystack, needle []rune) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
