package summarize_test

import (
	"fmt"
	"testing"

	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
)

func msgs(n int) []source.Message {
	out := make([]source.Message, n)
	for i := range out {
		out[i] = source.Message{UUID: fmt.Sprintf("m%d", i)}
	}
	return out
}

func TestSplitTiers(t *testing.T) {
	t.Parallel()

	tiers := []manifest.Tier{
		{EndPercent: 40, CompactionRatio: 15},
		{EndPercent: 80, CompactionRatio: 8},
		{EndPercent: 100, CompactionRatio: 4},
	}

	chunks := summarize.SplitTiers(msgs(10), tiers)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	sizes := []int{4, 4, 2}
	total := 0
	for i, c := range chunks {
		if len(c.Messages) != sizes[i] {
			t.Errorf("chunk %d has %d messages, want %d", i, len(c.Messages), sizes[i])
		}
		total += len(c.Messages)
	}
	if total != 10 {
		t.Errorf("chunks cover %d messages, want 10", total)
	}
	if chunks[0].Messages[0].UUID != "m0" || chunks[2].Messages[1].UUID != "m9" {
		t.Error("chunks are not in message order")
	}
}

func TestSplitTiers_SmallInputDropsEmptyChunks(t *testing.T) {
	t.Parallel()

	tiers := []manifest.Tier{{EndPercent: 40, CompactionRatio: 15}, {EndPercent: 100, CompactionRatio: 4}}
	chunks := summarize.SplitTiers(msgs(2), tiers)
	if len(chunks) != 1 || len(chunks[0].Messages) != 2 || chunks[0].Tier.CompactionRatio != 4 {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestKeepFor(t *testing.T) {
	t.Parallel()

	keep := []summarize.KeepSpan{{MessageUUID: "m1"}, {MessageUUID: "m7"}}
	got := summarize.KeepFor(keep, msgs(3))
	if len(got) != 1 || got[0].MessageUUID != "m1" {
		t.Errorf("KeepFor() = %+v", got)
	}
}
