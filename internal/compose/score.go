package compose

import (
	"cmp"
	"math"
	"slices"

	"github.com/flemzord/strata/internal/manifest"
)

// Scoring defaults.
const (
	DefaultMinScore          = 0.5
	DefaultOverBudgetPenalty = 0.1

	// preferenceFloor bounds how much a preference factor can cost.
	preferenceFloor = 0.5
)

// Preferences are optional scoring criteria.
type Preferences struct {
	// Ratio, if positive, favours versions close to this compression ratio.
	Ratio float64

	// KeepMarkers favours versions that preserved more keep markers.
	KeepMarkers bool
}

// ScoreConfig holds the scoring constants.
type ScoreConfig struct {
	MinScore          float64
	OverBudgetPenalty float64
}

func (c *ScoreConfig) defaults() {
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.OverBudgetPenalty <= 0 {
		c.OverBudgetPenalty = DefaultOverBudgetPenalty
	}
}

// Candidate is a version (or the original messages) considered for a slot.
type Candidate struct {
	VersionID    string
	PartNumber   int
	OutputTokens int
	Ratio        float64
	KeepStats    manifest.KeepStats
	CreatedAt    int64
}

// candidateFromRecord builds a Candidate from a stored version.
func candidateFromRecord(r *manifest.CompressionRecord) Candidate {
	return Candidate{
		VersionID:    r.VersionID,
		PartNumber:   r.PartNumber,
		OutputTokens: r.OutputTokens,
		Ratio:        r.Ratio,
		KeepStats:    r.KeepStats,
		CreatedAt:    r.CreatedAt.UnixNano(),
	}
}

// Score rates a candidate against a token budget. Every factor is in
// (0,1] and the factors multiply.
func Score(c Candidate, maxTokens int, prefer Preferences, cfg ScoreConfig) float64 {
	cfg.defaults()

	score := 1.0
	if maxTokens <= 0 || c.OutputTokens > maxTokens {
		score *= cfg.OverBudgetPenalty
	} else {
		score *= 0.5 + 0.5*float64(c.OutputTokens)/float64(maxTokens)
	}

	if prefer.Ratio > 0 {
		dist := math.Abs(c.Ratio-prefer.Ratio) / prefer.Ratio
		score *= math.Max(preferenceFloor, 1-dist)
	}
	if prefer.KeepMarkers {
		score *= math.Max(preferenceFloor, c.KeepStats.PreservationRate())
	}
	return score
}

// Scored is a candidate with its score.
type Scored struct {
	Candidate
	Score float64
}

// Best returns the highest-scoring candidate. Ties go to the candidate with
// more output tokens, then the newer one. It reports false if there are no
// candidates or the best one scores below the acceptance threshold.
func Best(cands []Candidate, maxTokens int, prefer Preferences, cfg ScoreConfig) (Scored, bool) {
	cfg.defaults()
	if len(cands) == 0 {
		return Scored{}, false
	}

	scored := make([]Scored, len(cands))
	for i, c := range cands {
		scored[i] = Scored{Candidate: c, Score: Score(c, maxTokens, prefer, cfg)}
	}
	best := slices.MaxFunc(scored, func(a, b Scored) int {
		return cmp.Or(
			cmp.Compare(a.Score, b.Score),
			cmp.Compare(a.OutputTokens, b.OutputTokens),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
		)
	})
	return best, best.Score >= cfg.MinScore
}
