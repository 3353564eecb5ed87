// Package manifest owns the durable per-project record of sessions,
// compression versions, keep markers, and compositions. All mutation goes
// through Repository.Update, a load-modify-save transaction guarded by an
// optimistic revision check.
package manifest

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/decay"
)

// SchemaVersion is the current manifest document version.
//
//	1: whole-session compressions only
//	2: part numbers, message ranges, compression levels
const SchemaVersion = 2

// Manifest is the document persisted for one project.
type Manifest struct {
	SchemaVersion int                     `json:"schemaVersion"`
	ProjectID     string                  `json:"projectId"`
	Revision      int64                   `json:"revision"`
	UpdatedAt     time.Time               `json:"updatedAt"`
	Settings      ProjectSettings         `json:"settings"`
	Sessions      map[string]*Session     `json:"sessions"`
	Compositions  map[string]*Composition `json:"compositions"`
}

// ProjectSettings are project-level defaults.
type ProjectSettings struct {
	DecayMaxDistance   int `json:"decayMaxDistance,omitempty"`
	DefaultTokenBudget int `json:"defaultTokenBudget,omitempty"`
}

// New returns an empty manifest for a project.
func New(projectID string) *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		ProjectID:     projectID,
		Sessions:      make(map[string]*Session),
		Compositions:  make(map[string]*Composition),
	}
}

// normalize replaces nil maps so callers can write without checks.
func (m *Manifest) normalize() {
	if m.Sessions == nil {
		m.Sessions = make(map[string]*Session)
	}
	if m.Compositions == nil {
		m.Compositions = make(map[string]*Composition)
	}
}

// SessionIDs returns the registered session ids sorted by registration time.
func (m *Manifest) SessionIDs() []string {
	ids := make([]string, 0, len(m.Sessions))
	for id := range m.Sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(m.Sessions[a].RegisteredAt.Compare(m.Sessions[b].RegisteredAt), strings.Compare(a, b))
	})
	return ids
}

// Session returns a registered session or a SessionNotFound error.
func (m *Manifest) Session(id string) (*Session, error) {
	s, ok := m.Sessions[id]
	if !ok {
		return nil, apperr.New(apperr.SessionNotFound, "manifest", "session %q is not registered in project %s", id, m.ProjectID)
	}
	return s, nil
}

// Composition returns a composition or a CompositionNotFound error.
func (m *Manifest) Composition(id string) (*Composition, error) {
	c, ok := m.Compositions[id]
	if !ok {
		return nil, apperr.New(apperr.CompositionNotFound, "manifest", "composition %q not found in project %s", id, m.ProjectID)
	}
	return c, nil
}

// Session is one registered conversation log.
type Session struct {
	ID string `json:"id"`

	// SourcePath is the canonical log. It is never written.
	SourcePath string `json:"sourcePath"`

	// LinkedPath is the synced copy compressions read from.
	LinkedPath string `json:"linkedPath"`

	OriginalMessages int       `json:"originalMessages"`
	OriginalTokens   int       `json:"originalTokens"`
	FirstTimestamp   time.Time `json:"firstTimestamp"`
	LastTimestamp    time.Time `json:"lastTimestamp"`
	RegisteredAt     time.Time `json:"registeredAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`

	Markers      []Marker            `json:"markers"`
	Compressions []CompressionRecord `json:"compressions"`

	// VersionSeq is the highest version sequence ever issued per part.
	VersionSeq map[int]int `json:"versionSeq,omitempty"`
}

// Version returns the compression record with the given id.
func (s *Session) Version(id string) (*CompressionRecord, bool) {
	for i := range s.Compressions {
		if s.Compressions[i].VersionID == id {
			return &s.Compressions[i], true
		}
	}
	return nil, false
}

// RemoveVersion deletes a compression record and reports whether it existed.
func (s *Session) RemoveVersion(id string) (CompressionRecord, bool) {
	for i := range s.Compressions {
		if s.Compressions[i].VersionID == id {
			rec := s.Compressions[i]
			s.Compressions = slices.Delete(s.Compressions, i, i+1)
			return rec, true
		}
	}
	return CompressionRecord{}, false
}

// Marker returns the marker with the given id.
func (s *Session) Marker(id string) (*Marker, bool) {
	for i := range s.Markers {
		if s.Markers[i].ID == id {
			return &s.Markers[i], true
		}
	}
	return nil, false
}

// Marker is a keep marker extracted from a message.
type Marker struct {
	// ID is "<messageUUID>:<start>".
	ID          string           `json:"id"`
	MessageUUID string           `json:"messageUuid"`
	Weight      float64          `json:"weight"`
	Content     string           `json:"content"`
	Start       int              `json:"start"`
	End         int              `json:"end"`
	Survival    []MarkerSurvival `json:"survival,omitempty"`
}

// MarkerSurvival records what one version did with a marker.
type MarkerSurvival struct {
	VersionID string `json:"versionId"`
	Preserved bool   `json:"preserved"`
}

// MessageRange is a slice of the session's ordered messages. EndIndex is
// exclusive.
type MessageRange struct {
	StartIndex     int       `json:"startIndex"`
	EndIndex       int       `json:"endIndex"`
	StartTimestamp time.Time `json:"startTimestamp"`
	EndTimestamp   time.Time `json:"endTimestamp"`
	MessageCount   int       `json:"messageCount"`
}

// KeepStats summarizes what a version did with the markers in its range.
type KeepStats struct {
	Total      int `json:"total"`
	Pinned     int `json:"pinned"`
	Preserved  int `json:"preserved"`
	Summarized int `json:"summarized"`
}

// PreservationRate is the fraction of markers preserved. A version with no
// markers preserved everything it was asked to.
func (k KeepStats) PreservationRate() float64 {
	if k.Total == 0 {
		return 1
	}
	return float64(k.Preserved) / float64(k.Total)
}

// CompressionRecord is one compression result, a "version" of a part.
type CompressionRecord struct {
	VersionID      string       `json:"versionId"`
	Label          string       `json:"label"`
	Artifact       string       `json:"artifact"`
	CreatedAt      time.Time    `json:"createdAt"`
	Settings       Settings     `json:"settings"`
	InputTokens    int          `json:"inputTokens"`
	OutputTokens   int          `json:"outputTokens"`
	InputMessages  int          `json:"inputMessages"`
	OutputMessages int          `json:"outputMessages"`
	Ratio          float64      `json:"ratio"`
	DurationMS     int64        `json:"durationMs"`
	KeepStats      KeepStats    `json:"keepStats"`
	PartNumber     int          `json:"partNumber"`
	Level          decay.Level  `json:"level"`
	FullSession    bool         `json:"fullSession"`
	Range          MessageRange `json:"range"`
	IntegrityNotes []string     `json:"integrityNotes,omitempty"`
}

// Composition is a named combination of versions across sessions.
type Composition struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	CreatedAt     time.Time   `json:"createdAt"`
	Budget        int         `json:"budget"`
	Format        string      `json:"format"`
	Artifact      string      `json:"artifact"`
	Components    []Component `json:"components"`
	TotalTokens   int         `json:"totalTokens"`
	TotalMessages int         `json:"totalMessages"`
	UsedBy        []string    `json:"usedBy,omitempty"`
}

// Component is one session's contribution to a composition.
type Component struct {
	SessionID string `json:"sessionId"`

	// VersionID is set for single-version components; VersionIDs lists the
	// chosen version of each part, in part order, when the component spans
	// parts. "original" stands for the unmodified messages.
	VersionID  string   `json:"versionId,omitempty"`
	VersionIDs []string `json:"versionIds,omitempty"`

	Order             int `json:"order"`
	TokenContribution int `json:"tokenContribution"`
	MessageCount      int `json:"messageCount"`
}
