// Package marker extracts weighted keep markers from message text.
//
// A marker is the token "##keepit" immediately followed by a decimal weight
// and a closing "##", for example "##keepit0.80##". The marked content runs
// from the end of the tag up to the next marker tag or the end of the text.
package marker

import (
	"iter"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Token opens every marker tag.
const Token = "##keepit"

// Pinned is the weight that survives every compression.
const Pinned = 1.0

var (
	tagPattern    = regexp.MustCompile(`##keepit([^#\s]*)##`)
	weightPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
)

// Marker is one extracted keep marker. Start and End are character (rune)
// offsets into the scanned text covering the tag and its content.
type Marker struct {
	Weight  float64
	Content string
	Start   int
	End     int
}

// IsPinned reports whether the marker always survives compression.
func (m Marker) IsPinned() bool { return m.Weight >= Pinned }

// Extract returns a lazy sequence of the markers in text. Each range over the
// sequence rescans text from the beginning. Tags whose weight is not a valid
// decimal are skipped, but still end the content of the preceding marker.
func Extract(text string) iter.Seq[Marker] {
	return func(yield func(Marker) bool) {
		if !strings.Contains(text, Token) {
			return
		}
		var pos runeOffset
		loc := tagPattern.FindStringSubmatchIndex(text)
		for loc != nil {
			tagStart, tagEnd := loc[0], loc[1]
			rawWeight := text[loc[2]:loc[3]]

			contentEnd := len(text)
			var next []int
			if rest := tagPattern.FindStringSubmatchIndex(text[tagEnd:]); rest != nil {
				next = make([]int, len(rest))
				for i, v := range rest {
					next[i] = v + tagEnd
				}
				contentEnd = next[0]
			}

			if w, ok := ParseWeight(rawWeight); ok {
				m := Marker{
					Weight:  w,
					Content: strings.TrimSpace(text[tagEnd:contentEnd]),
					Start:   pos.at(text, tagStart),
					End:     pos.at(text, contentEnd),
				}
				if !yield(m) {
					return
				}
			}
			loc = next
		}
	}
}

// runeOffset converts increasing byte offsets of one text to rune offsets
// without rescanning from the start.
type runeOffset struct {
	byteOff, runeOff int
}

func (r *runeOffset) at(text string, byteOff int) int {
	r.runeOff += utf8.RuneCountInString(text[r.byteOff:byteOff])
	r.byteOff = byteOff
	return r.runeOff
}

// All collects every marker in text.
func All(text string) []Marker {
	var out []Marker
	for m := range Extract(text) {
		out = append(out, m)
	}
	return out
}

// ParseWeight parses a marker weight, clamping it to [0,1] and rounding to
// two decimals. It reports false for malformed decimals.
func ParseWeight(raw string) (float64, bool) {
	if !weightPattern.MatchString(raw) {
		return 0, false
	}
	w, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0, false
	}
	return NormalizeWeight(w), true
}

// NormalizeWeight clamps w to [0,1] and rounds it to two decimals.
func NormalizeWeight(w float64) float64 {
	w = math.Max(0, math.Min(1, w))
	return math.Round(w*100) / 100
}

// Format renders a marker tag for the given weight.
func Format(weight float64) string {
	return Token + strconv.FormatFloat(NormalizeWeight(weight), 'f', 2, 64) + "##"
}
