// Package tokens estimates token counts for message sequences. Exact
// counting belongs to the model provider; strata only needs stable
// estimates to compare versions against a budget.
package tokens

import "github.com/flemzord/strata/internal/source"

// perMessageOverhead approximates role and formatting tokens.
const perMessageOverhead = 4

// Estimator estimates the token count of a string.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens using a characters-per-token ratio.
// A ratio of ~4 works well for English.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator creates a CharEstimator. If charsPerToken is <= 0 it
// defaults to 4.
func NewCharEstimator(charsPerToken float64) *CharEstimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &CharEstimator{CharsPerToken: charsPerToken}
}

// Estimate returns the estimated token count for text.
func (e *CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	// Round up to avoid underestimation.
	return int(float64(len(text))/e.CharsPerToken) + 1
}

// Messages returns the estimated tokens for a message sequence.
func Messages(e Estimator, msgs []source.Message) int {
	total := 0
	for i := range msgs {
		total += perMessageOverhead + e.Estimate(msgs[i].Text)
	}
	return total
}
