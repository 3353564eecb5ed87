package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flemzord/strata/internal/apperr"
)

// Decode parses a manifest document and migrates it to SchemaVersion.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "manifest: decode", err)
	}
	if err := Migrate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes a manifest document.
func Encode(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "manifest: encode", err)
	}
	return data, nil
}

// Migrate upgrades m in place. Documents without a schema version are
// treated as version 1.
func Migrate(m *Manifest) error {
	m.normalize()
	if m.SchemaVersion == 0 {
		m.SchemaVersion = 1
	}
	if m.SchemaVersion > SchemaVersion {
		return apperr.New(apperr.Validation, "manifest: migrate",
			"document schema %d is newer than supported %d", m.SchemaVersion, SchemaVersion)
	}
	if m.SchemaVersion < 2 {
		migrateV1(m)
		m.SchemaVersion = 2
	}
	return nil
}

// migrateV1 turns whole-session compressions into full-session part 1
// versions with a range synthesized from the session's original counts.
func migrateV1(m *Manifest) {
	for _, s := range m.Sessions {
		for i := range s.Compressions {
			rec := &s.Compressions[i]
			if rec.PartNumber != 0 {
				continue
			}
			rec.PartNumber = 1
			rec.FullSession = true
			rec.Range = MessageRange{
				StartIndex:     0,
				EndIndex:       s.OriginalMessages,
				StartTimestamp: s.FirstTimestamp,
				EndTimestamp:   s.LastTimestamp,
				MessageCount:   s.OriginalMessages,
			}
			if rec.Level == "" {
				rec.Level = rec.Settings.Level()
			}
			if seq := ParseVersionSeq(rec.VersionID); seq > 0 {
				if s.VersionSeq == nil {
					s.VersionSeq = make(map[int]int)
				}
				s.VersionSeq[1] = max(s.VersionSeq[1], seq)
			}
		}
	}
}

// FormatVersionID renders the id of the seq-th version of a part.
func FormatVersionID(part, seq int) string {
	return fmt.Sprintf("p%dv%d", part, seq)
}

// ParseVersionSeq extracts the per-part sequence from a version id such as
// "p2v3" or the legacy "v3". It returns 0 when there is none.
func ParseVersionSeq(id string) int {
	i := strings.LastIndexByte(id, 'v')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
