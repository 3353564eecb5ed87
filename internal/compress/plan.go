package compress

import (
	"cmp"
	"slices"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/marker"
	"github.com/flemzord/strata/internal/part"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
)

// target is the range a compression covers.
type target struct {
	partNumber int
	full       bool
	rng        manifest.MessageRange
	messages   []source.Message
	delta      part.Delta
}

// plan resolves which messages the request compresses and as which part.
func (o *Orchestrator) plan(all []source.Message, sess *manifest.Session, req Request) (target, error) {
	level := req.Settings.Level()

	switch {
	case req.PartNumber > 0:
		rng, ok := part.Range(sess, req.PartNumber)
		if !ok {
			return target{}, apperr.New(apperr.PartNotFound, "compress", "session %s has no part %d", sess.ID, req.PartNumber)
		}
		if !part.CanRecompressPart(sess, req.PartNumber, level) {
			return target{}, apperr.New(apperr.VersionExists, "compress",
				"part %d of session %s already has a %s version", req.PartNumber, sess.ID, level)
		}
		if rng.StartIndex < 0 || rng.EndIndex > len(all) || rng.StartIndex >= rng.EndIndex {
			return target{}, apperr.New(apperr.Internal, "compress",
				"part %d covers [%d,%d) but the source has %d messages", req.PartNumber, rng.StartIndex, rng.EndIndex, len(all))
		}
		if rng.MessageCount > 0 && rng.MessageCount != rng.EndIndex-rng.StartIndex {
			return target{}, apperr.New(apperr.Internal, "compress",
				"part %d records %d messages but spans [%d,%d)", req.PartNumber, rng.MessageCount, rng.StartIndex, rng.EndIndex)
		}
		return o.sized(target{
			partNumber: req.PartNumber,
			full:       part.Versions(sess, req.PartNumber)[0].FullSession,
			rng:        rng,
			messages:   all[rng.StartIndex:rng.EndIndex],
		})

	case req.DeltaOnly:
		d, err := part.DetectDelta(all, sess)
		if err != nil {
			return target{}, err
		}
		if !d.HasDelta {
			return target{}, apperr.New(apperr.NoDelta, "compress",
				"session %s has no messages after part %d", sess.ID, d.PreviousPartNumber)
		}
		return o.sized(target{
			partNumber: d.NextPartNumber,
			full:       d.IsFirstPart,
			rng:        d.Range(),
			messages:   d.Messages,
			delta:      d,
		})
	}

	// Whole-session mode.
	rng := manifest.MessageRange{StartIndex: 0, EndIndex: len(all), MessageCount: len(all)}
	if len(all) > 0 {
		rng.StartTimestamp = all[0].Timestamp
		rng.EndTimestamp = all[len(all)-1].Timestamp
	}
	nums := part.Numbers(sess)
	switch {
	case len(nums) == 0:
	case len(nums) == 1 && nums[0] == 1:
		existing, _ := part.Range(sess, 1)
		if !part.Versions(sess, 1)[0].FullSession || existing.StartIndex != 0 || existing.EndIndex != len(all) {
			return target{}, apperr.New(apperr.Validation, "compress",
				"session %s grew since part 1 was compressed; compress the delta instead", sess.ID)
		}
		if !part.CanRecompressPart(sess, 1, level) {
			return target{}, apperr.New(apperr.VersionExists, "compress",
				"session %s already has a %s full-session version", sess.ID, level)
		}
		rng = existing
	default:
		return target{}, apperr.New(apperr.Validation, "compress",
			"session %s has %d parts; compress the delta or a specific part", sess.ID, len(nums))
	}
	return o.sized(target{partNumber: 1, full: true, rng: rng, messages: all})
}

// sized rejects ranges too small to be worth compressing.
func (o *Orchestrator) sized(t target) (target, error) {
	if len(t.messages) < o.config.MinDeltaMessages {
		return target{}, apperr.New(apperr.InsufficientMessages, "compress",
			"%d messages to compress, need at least %d", len(t.messages), o.config.MinDeltaMessages)
	}
	return t, nil
}

// keepOutcome is what a compression does with the markers in its range.
type keepOutcome struct {
	stats     manifest.KeepStats
	spans     []summarize.KeepSpan
	decisions map[string]bool
}

// evaluateMarkers decides which markers survive. Markers in verbatim
// messages are copied as-is and count as preserved.
func (o *Orchestrator) evaluateMarkers(sess *manifest.Session, verbatim, body []source.Message, s manifest.Settings) keepOutcome {
	where := make(map[string]bool, len(verbatim)+len(body))
	for i := range verbatim {
		where[verbatim[i].UUID] = true
	}
	for i := range body {
		where[body[i].UUID] = false
	}

	out := keepOutcome{decisions: make(map[string]bool)}
	ratio := s.EffectiveRatio()
	level := s.DecayLevel()

	for _, mk := range sess.Markers {
		isVerbatim, inRange := where[mk.MessageUUID]
		if !inRange {
			continue
		}
		out.stats.Total++
		if mk.Weight >= marker.Pinned {
			out.stats.Pinned++
		}

		var preserved bool
		switch {
		case isVerbatim, mk.Weight >= marker.Pinned:
			preserved = true
		case s.EffectiveKeepMode() == manifest.KeepPreserve:
			preserved = true
		case s.EffectiveKeepMode() == manifest.KeepDecay:
			preserved = o.config.Decay.ShouldSurvive(mk.Weight, s.SessionDistance, ratio, level)
		}

		out.decisions[mk.ID] = preserved
		if !preserved {
			out.stats.Summarized++
			continue
		}
		out.stats.Preserved++
		if !isVerbatim {
			out.spans = append(out.spans, summarize.KeepSpan{
				MessageUUID: mk.MessageUUID,
				Weight:      mk.Weight,
				Content:     mk.Content,
			})
		}
	}
	return out
}

// sessionDistance is the ordinal age of a session, 1 for the session with
// the most recent last message.
func sessionDistance(m *manifest.Manifest, sessionID string) int {
	ids := m.SessionIDs()
	slices.SortStableFunc(ids, func(a, b string) int {
		return cmp.Compare(m.Sessions[b].LastTimestamp.UnixNano(), m.Sessions[a].LastTimestamp.UnixNano())
	})
	for i, id := range ids {
		if id == sessionID {
			return i + 1
		}
	}
	return 1
}
