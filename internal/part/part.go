// Package part tracks which messages of a session are covered by compressed
// parts, computes the uncovered delta, and issues part-scoped version ids.
//
// A part is a fixed, contiguous range of messages. Part 1 is the oldest
// range. Every version of a part shares its range and differs only in
// settings and output.
package part

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/decay"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
)

// MinDeltaMessages is the smallest delta worth compressing.
const MinDeltaMessages = 2

// HighestPartNumber returns the largest part number of the session's
// compressions, or 0 if it has none.
func HighestPartNumber(s *manifest.Session) int {
	highest := 0
	for i := range s.Compressions {
		highest = max(highest, s.Compressions[i].PartNumber)
	}
	return highest
}

// Numbers returns the distinct part numbers in ascending order.
func Numbers(s *manifest.Session) []int {
	var nums []int
	for i := range s.Compressions {
		if n := s.Compressions[i].PartNumber; !slices.Contains(nums, n) {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums
}

// Versions returns the versions of a part, oldest first. Ties on creation
// time are broken by version sequence.
func Versions(s *manifest.Session, partNumber int) []*manifest.CompressionRecord {
	var out []*manifest.CompressionRecord
	for i := range s.Compressions {
		if s.Compressions[i].PartNumber == partNumber {
			out = append(out, &s.Compressions[i])
		}
	}
	slices.SortStableFunc(out, func(a, b *manifest.CompressionRecord) int {
		return cmp.Or(
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(manifest.ParseVersionSeq(a.VersionID), manifest.ParseVersionSeq(b.VersionID)),
		)
	})
	return out
}

// LatestPart returns the most recently created version of the highest part.
func LatestPart(s *manifest.Session) (*manifest.CompressionRecord, bool) {
	vs := Versions(s, HighestPartNumber(s))
	if len(vs) == 0 {
		return nil, false
	}
	return vs[len(vs)-1], true
}

// Range returns the message range shared by the versions of a part.
func Range(s *manifest.Session, partNumber int) (manifest.MessageRange, bool) {
	vs := Versions(s, partNumber)
	if len(vs) == 0 {
		return manifest.MessageRange{}, false
	}
	return vs[0].Range, true
}

// CanRecompressPart reports whether part has no version at level yet.
func CanRecompressPart(s *manifest.Session, partNumber int, level decay.Level) bool {
	for _, v := range Versions(s, partNumber) {
		if v.Level == level {
			return false
		}
	}
	return true
}

// NextVersionID returns the id the next version of part would get. It never
// returns an id already issued for that part, even if the version holding
// it has since been pruned.
func NextVersionID(s *manifest.Session, partNumber int) string {
	return manifest.FormatVersionID(partNumber, nextSeq(s, partNumber))
}

// ReserveVersionID returns NextVersionID and records it as issued.
func ReserveVersionID(s *manifest.Session, partNumber int) string {
	seq := nextSeq(s, partNumber)
	if s.VersionSeq == nil {
		s.VersionSeq = make(map[int]int)
	}
	s.VersionSeq[partNumber] = seq
	return manifest.FormatVersionID(partNumber, seq)
}

func nextSeq(s *manifest.Session, partNumber int) int {
	seq := s.VersionSeq[partNumber]
	for i := range s.Compressions {
		if s.Compressions[i].PartNumber == partNumber {
			seq = max(seq, manifest.ParseVersionSeq(s.Compressions[i].VersionID))
		}
	}
	return seq + 1
}

// Delta is the suffix of a session's messages not covered by any part.
type Delta struct {
	HasDelta bool
	Messages []source.Message

	// StartIndex and EndIndex (exclusive) address the full message sequence.
	StartIndex     int
	EndIndex       int
	StartTimestamp time.Time
	EndTimestamp   time.Time

	IsFirstPart        bool
	PreviousPartNumber int
	NextPartNumber     int

	// IntegrityWarning is set when the recorded range no longer lines up
	// with the message sequence and timestamps were used instead.
	IntegrityWarning string
}

// Range converts the delta to a manifest message range.
func (d Delta) Range() manifest.MessageRange {
	return manifest.MessageRange{
		StartIndex:     d.StartIndex,
		EndIndex:       d.EndIndex,
		StartTimestamp: d.StartTimestamp,
		EndTimestamp:   d.EndTimestamp,
		MessageCount:   len(d.Messages),
	}
}

// DetectDelta computes the uncovered suffix of all. The recorded end index
// of the latest part is authoritative while the message just before it
// still carries the recorded end timestamp. Otherwise the delta falls back
// to messages newer than that timestamp and reports an integrity warning.
// The fallback is only taken when those messages form an ordered suffix of
// all, so that the new part is still a contiguous range; any other layout
// is a SourceDiverged error.
func DetectDelta(all []source.Message, s *manifest.Session) (Delta, error) {
	latest, ok := LatestPart(s)
	if !ok {
		d := Delta{
			Messages:       all,
			StartIndex:     0,
			EndIndex:       len(all),
			IsFirstPart:    true,
			NextPartNumber: 1,
		}
		return d.withBounds(), nil
	}

	d := Delta{
		EndIndex:           len(all),
		PreviousPartNumber: latest.PartNumber,
		NextPartNumber:     latest.PartNumber + 1,
	}

	end := latest.Range.EndIndex
	endTS := latest.Range.EndTimestamp
	if indexTrusted(all, end, endTS) {
		d.StartIndex = end
		d.Messages = all[end:]
		return d.withBounds(), nil
	}

	start, err := newerSuffix(all, endTS)
	if err != nil {
		return Delta{}, apperr.New(apperr.SourceDiverged, "part: delta",
			"part %d ends at index %d (%s) but the source no longer extends it: %v",
			latest.PartNumber, end, endTS.Format(time.RFC3339Nano), err)
	}

	d.IntegrityWarning = fmt.Sprintf(
		"part %d ends at index %d (%s) but the source has %d messages that do not line up; using timestamps",
		latest.PartNumber, end, endTS.Format(time.RFC3339Nano), len(all))
	d.StartIndex = start
	d.Messages = all[start:]
	return d.withBounds(), nil
}

// newerSuffix returns the index where the messages after endTS begin. Every
// message from there on must be newer than endTS and in timestamp order.
func newerSuffix(all []source.Message, endTS time.Time) (int, error) {
	start := len(all)
	for start > 0 && all[start-1].Timestamp.After(endTS) {
		start--
	}
	for i := start + 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			return 0, fmt.Errorf("message %d (%s) is older than message %d", i, all[i].UUID, i-1)
		}
	}
	for i := range all[:start] {
		if all[i].Timestamp.After(endTS) {
			return 0, fmt.Errorf("message %d (%s) is newer than the part but precedes covered messages", i, all[i].UUID)
		}
	}
	return start, nil
}

func (d Delta) withBounds() Delta {
	d.HasDelta = len(d.Messages) > 0
	if d.HasDelta {
		d.StartTimestamp = d.Messages[0].Timestamp
		d.EndTimestamp = d.Messages[len(d.Messages)-1].Timestamp
	}
	return d
}

func indexTrusted(all []source.Message, end int, endTS time.Time) bool {
	if end < 0 || end > len(all) {
		return false
	}
	if end == 0 || endTS.IsZero() {
		return true
	}
	return all[end-1].Timestamp.Equal(endTS)
}

// LogWarning logs the delta's integrity warning, if any.
func (d Delta) LogWarning(logger *slog.Logger, projectID, sessionID string) {
	if d.IntegrityWarning == "" {
		return
	}
	logger.Warn("delta integrity warning",
		"project", projectID,
		"session", sessionID,
		"warning", d.IntegrityWarning,
	)
}
