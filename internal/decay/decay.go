// Package decay decides whether a keep marker survives a compression, based
// on its weight, the age of its session, and how hard the compression is.
package decay

import (
	"fmt"
	"math"
)

// DefaultMaxDistance is the session distance at which the ratio term of the
// threshold reaches its full value.
const DefaultMaxDistance = 10

// epsilon absorbs float error so that boundary weights compare as equal.
const epsilon = 1e-9

// Level is the compression level of a version.
type Level string

// Compression levels.
const (
	Light      Level = "light"
	Moderate   Level = "moderate"
	Aggressive Level = "aggressive"
	Custom     Level = "custom"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case Light, Moderate, Aggressive, Custom:
		return true
	}
	return false
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("decay: unknown level %q", s)
	}
	return l, nil
}

// LevelForRatio maps a compaction ratio to the declared level it behaves
// like. Custom and tiered settings use this to enter the threshold formula.
func LevelForRatio(ratio float64) Level {
	switch {
	case ratio < 10:
		return Light
	case ratio < 25:
		return Moderate
	default:
		return Aggressive
	}
}

// Base returns the threshold floor for a declared level. Custom has no base
// of its own and must be mapped first.
func Base(l Level) (float64, bool) {
	switch l {
	case Light:
		return 0.10, true
	case Moderate:
		return 0.30, true
	case Aggressive:
		return 0.50, true
	}
	return 0, false
}

// Model holds the tunable part of the decay rule.
type Model struct {
	// MaxDistance caps the session distance. Values <= 0 use DefaultMaxDistance.
	MaxDistance int
}

func (m Model) maxDistance() int {
	if m.MaxDistance <= 0 {
		return DefaultMaxDistance
	}
	return m.MaxDistance
}

// Threshold returns the minimum weight that survives. Custom levels are
// mapped through LevelForRatio.
func (m Model) Threshold(distance int, ratio float64, l Level) float64 {
	base, ok := Base(l)
	if !ok {
		base, _ = Base(LevelForRatio(ratio))
	}
	maxD := m.maxDistance()
	d := max(0, min(distance, maxD))
	ratio = math.Max(0, ratio)
	return base + (ratio/100)*float64(d)/float64(maxD)
}

// ShouldSurvive reports whether a marker of the given weight survives.
// Pinned weights (>= 1.00) always survive.
func (m Model) ShouldSurvive(weight float64, distance int, ratio float64, l Level) bool {
	if weight >= 1.0 {
		return true
	}
	return weight+epsilon >= m.Threshold(distance, ratio, l)
}

// ShouldSurvive applies the default model.
func ShouldSurvive(weight float64, distance int, ratio float64, l Level) bool {
	return Model{}.ShouldSurvive(weight, distance, ratio, l)
}
