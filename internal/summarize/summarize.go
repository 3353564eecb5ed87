// Package summarize defines the summarizer collaborator that turns a range
// of messages into fewer, shorter messages. The core never looks inside a
// summarizer; it only relies on the contract below.
package summarize

import (
	"context"

	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
)

// KeepSpan is marked content the summary must carry verbatim.
type KeepSpan struct {
	MessageUUID string
	Weight      float64
	Content     string
}

// Request is one summarization job.
type Request struct {
	Messages []source.Message
	Settings manifest.Settings

	// Keep lists the keep markers that survived the decay decision.
	Keep []KeepSpan
}

// TierResult reports how one tier of a tiered compression went.
type TierResult struct {
	EndPercent      int `json:"endPercent"`
	CompactionRatio int `json:"compactionRatio"`
	InputMessages   int `json:"inputMessages"`
	OutputMessages  int `json:"outputMessages"`
}

// Result is the summarizer output. Every output message carries a UUID and
// its ParentUUID, so threading survives compression.
type Result struct {
	Messages    []source.Message
	TierResults []TierResult
}

// Summarizer compresses messages. Identical requests must be safe to retry.
// Timeouts are the implementation's responsibility.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Summarizer interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Summarize implements Summarizer.
func (f Func) Summarize(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Chunk is the slice of messages a tier covers.
type Chunk struct {
	Tier     manifest.Tier
	Messages []source.Message
}

// SplitTiers divides msgs by the tiers' cumulative end percentages, oldest
// first. Empty chunks are dropped.
func SplitTiers(msgs []source.Message, tiers []manifest.Tier) []Chunk {
	var out []Chunk
	start := 0
	for i, t := range tiers {
		end := len(msgs) * t.EndPercent / 100
		if i == len(tiers)-1 {
			end = len(msgs)
		}
		end = max(start, min(end, len(msgs)))
		if end > start {
			out = append(out, Chunk{Tier: t, Messages: msgs[start:end]})
		}
		start = end
	}
	return out
}

// KeepFor returns the spans whose message is in msgs.
func KeepFor(keep []KeepSpan, msgs []source.Message) []KeepSpan {
	if len(keep) == 0 {
		return nil
	}
	in := make(map[string]struct{}, len(msgs))
	for i := range msgs {
		in[msgs[i].UUID] = struct{}{}
	}
	var out []KeepSpan
	for _, k := range keep {
		if _, ok := in[k.MessageUUID]; ok {
			out = append(out, k)
		}
	}
	return out
}
