package anthropic

import (
	"fmt"
	"strings"
	"time"

	"github.com/flemzord/strata/internal/summarize"
)

const systemPrompt = `You compress conversation transcripts so they can seed a later session.
Keep decisions, facts, identifiers, file paths, commands, and open questions.
Drop pleasantries, repetition, and dead ends.
Write plain prose or short bullet points. Do not address the reader.
Copy every passage listed under KEEP VERBATIM exactly as given.`

// buildPrompt renders one tier chunk as the user turn.
func buildPrompt(chunk summarize.Chunk, keep []summarize.KeepSpan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compress the transcript below to about 1/%d of its length.\n\n", max(chunk.Tier.CompactionRatio, 1))

	if len(keep) > 0 {
		b.WriteString("KEEP VERBATIM:\n")
		for _, k := range keep {
			fmt.Fprintf(&b, "- %s\n", k.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("TRANSCRIPT:\n")
	for _, m := range chunk.Messages {
		fmt.Fprintf(&b, "[%s %s]\n%s\n\n", m.Role, m.Timestamp.UTC().Format(time.RFC3339), strings.TrimSpace(m.Text))
	}
	return b.String()
}

// ensureKept appends any keep span the model dropped.
func ensureKept(summary string, keep []summarize.KeepSpan) string {
	var missing []string
	for _, k := range keep {
		if k.Content != "" && !strings.Contains(summary, k.Content) {
			missing = append(missing, k.Content)
		}
	}
	if len(missing) == 0 {
		return summary
	}
	return summary + "\n\n" + strings.Join(missing, "\n")
}
