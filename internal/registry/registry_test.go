package registry_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/lock"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/registry"
	"github.com/flemzord/strata/internal/source"
)

const project = "proj"

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type harness struct {
	dir       string
	canonical string
	repo      *manifest.Repository
	locks     *lock.Table
	artifacts *artifact.Store
	reg       *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:       dir,
		canonical: filepath.Join(dir, "logs", "s1.jsonl"),
		repo:      manifest.NewRepository(manifest.NewFileStore(filepath.Join(dir, "data")), nil),
		locks:     lock.New(),
		artifacts: artifact.NewStore(filepath.Join(dir, "data")),
	}
	h.reg = registry.New(registry.Deps{
		Repo:      h.repo,
		Locks:     h.locks,
		Reader:    source.JSONLReader{},
		Artifacts: h.artifacts,
		DataDir:   filepath.Join(dir, "data"),
	})
	return h
}

func (h *harness) writeCanonical(t *testing.T, texts ...string) {
	t.Helper()
	msgs := make([]source.Message, len(texts))
	for i, text := range texts {
		msgs[i] = source.Message{
			UUID:      fmt.Sprintf("m%d", i),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Role:      "user",
			Text:      text,
		}
	}
	if err := os.MkdirAll(filepath.Dir(h.canonical), 0o700); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(h.canonical)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if err := source.Encode(f, msgs); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) register(t *testing.T) *manifest.Session {
	t.Helper()
	sess, err := h.reg.Register(t.Context(), project, registry.RegisterRequest{SessionID: "s1", SourcePath: h.canonical})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return sess
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "hello", "##keepit0.80## the api key lives in vault", "bye ##keepit1.0## pinned fact")

	sess := h.register(t)
	if sess.OriginalMessages != 3 || sess.OriginalTokens == 0 {
		t.Errorf("counts = %d messages, %d tokens", sess.OriginalMessages, sess.OriginalTokens)
	}
	if !sess.FirstTimestamp.Equal(t0) || !sess.LastTimestamp.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("timestamps = %v..%v", sess.FirstTimestamp, sess.LastTimestamp)
	}
	if len(sess.Markers) != 2 {
		t.Fatalf("markers = %+v", sess.Markers)
	}
	if sess.Markers[0].ID != "m1:0" || sess.Markers[0].Weight != 0.8 || sess.Markers[0].Content != "the api key lives in vault" {
		t.Errorf("marker[0] = %+v", sess.Markers[0])
	}
	if sess.Markers[1].Weight != 1 {
		t.Errorf("marker[1] weight = %v", sess.Markers[1].Weight)
	}

	if _, err := os.Stat(sess.LinkedPath); err != nil {
		t.Errorf("linked copy missing: %v", err)
	}
	if sess.LinkedPath == h.canonical {
		t.Error("linked path is the canonical log")
	}

	_, err := h.reg.Register(t.Context(), project, registry.RegisterRequest{SessionID: "s1", SourcePath: h.canonical})
	if !errors.Is(err, apperr.Validation) {
		t.Errorf("duplicate Register: %v", err)
	}
}

func TestRegister_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		name string
		req  registry.RegisterRequest
		want apperr.Kind
	}{
		{"missing source", registry.RegisterRequest{SessionID: "s1", SourcePath: filepath.Join(h.dir, "nope.jsonl")}, apperr.SourceMissing},
		{"bad session id", registry.RegisterRequest{SessionID: "../x", SourcePath: h.canonical}, apperr.Validation},
		{"no path", registry.RegisterRequest{SessionID: "s1"}, apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := h.reg.Register(t.Context(), project, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestRefresh_KeepsEditedWeights(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "##keepit0.50## first")
	h.register(t)

	if err := h.reg.SetMarkerWeight(t.Context(), project, "s1", "m0:0", 0.9); err != nil {
		t.Fatalf("SetMarkerWeight: %v", err)
	}

	h.writeCanonical(t, "##keepit0.50## first", "plain", "##keepit0.30## third")
	// Make the canonical log strictly newer than the linked copy.
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.canonical, later, later); err != nil {
		t.Fatal(err)
	}

	res, err := h.reg.Refresh(t.Context(), project, "s1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !res.Copied || res.Messages != 3 || res.AddedMarkers != 1 {
		t.Errorf("Refresh = %+v", res)
	}

	sess, err := h.reg.Session(t.Context(), project, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.OriginalMessages != 3 {
		t.Errorf("OriginalMessages = %d", sess.OriginalMessages)
	}
	if mk, _ := sess.Marker("m0:0"); mk == nil || mk.Weight != 0.9 {
		t.Errorf("edited marker = %+v", mk)
	}
	if _, ok := sess.Marker("m2:0"); !ok {
		t.Error("new marker not recorded")
	}
}

func TestSetMarkerWeight_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "##keepit0.50## first")
	h.register(t)

	tests := []struct {
		name   string
		marker string
		weight float64
		want   apperr.Kind
	}{
		{"above one", "m0:0", 1.5, apperr.Validation},
		{"negative", "m0:0", -0.1, apperr.Validation},
		{"three decimals", "m0:0", 0.125, apperr.Validation},
		{"unknown marker", "m9:0", 0.5, apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := h.reg.SetMarkerWeight(t.Context(), project, "s1", tt.marker, tt.weight)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}

	before, _ := os.ReadFile(h.canonical)
	if err := h.reg.SetMarkerWeight(t.Context(), project, "s1", "m0:0", 0.25); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(h.canonical)
	if string(before) != string(after) {
		t.Error("weight edit modified the canonical log")
	}
}

func seedVersion(t *testing.T, h *harness, versionID string) string {
	t.Helper()
	name := "sessions/s1/" + versionID + ".jsonl"
	if err := h.artifacts.Put(project, name, []byte("{}\n")); err != nil {
		t.Fatal(err)
	}
	_, err := h.repo.Update(t.Context(), project, func(m *manifest.Manifest) error {
		s := m.Sessions["s1"]
		s.Compressions = append(s.Compressions, manifest.CompressionRecord{VersionID: versionID, PartNumber: 1, Artifact: name})
		s.VersionSeq = map[int]int{1: manifest.ParseVersionSeq(versionID)}
		for i := range s.Markers {
			s.Markers[i].Survival = append(s.Markers[i].Survival, manifest.MarkerSurvival{VersionID: versionID, Preserved: true})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return name
}

func TestPrune(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "##keepit0.50## first", "second")
	h.register(t)
	name := seedVersion(t, h, "p1v1")

	if err := h.reg.Prune(t.Context(), project, "s1", "p1v1"); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	sess, _ := h.reg.Session(t.Context(), project, "s1")
	if len(sess.Compressions) != 0 || len(sess.Markers[0].Survival) != 0 {
		t.Errorf("after prune: %+v", sess)
	}
	if sess.VersionSeq[1] != 1 {
		t.Errorf("VersionSeq = %v, pruning must not rewind it", sess.VersionSeq)
	}
	if _, err := h.artifacts.Get(project, name); !errors.Is(err, apperr.SourceMissing) {
		t.Errorf("artifact not deleted: %v", err)
	}

	if err := h.reg.Prune(t.Context(), project, "s1", "p1v1"); !errors.Is(err, apperr.VersionNotFound) {
		t.Errorf("second Prune: %v", err)
	}
}

func TestPrune_LastVersionOfInnerPart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "a", "b", "c", "d", "e", "f")
	h.register(t)

	_, err := h.repo.Update(t.Context(), project, func(m *manifest.Manifest) error {
		s := m.Sessions["s1"]
		for i, v := range []struct {
			id string
			n  int
		}{{"p1v1", 1}, {"p1v2", 1}, {"p2v1", 2}, {"p3v1", 3}} {
			id, n := v.id, v.n
			s.Compressions = append(s.Compressions, manifest.CompressionRecord{
				VersionID:  id,
				PartNumber: n,
				CreatedAt:  t0.Add(time.Duration(i) * time.Second),
				Range:      manifest.MessageRange{StartIndex: 2 * (n - 1), EndIndex: 2 * n, MessageCount: 2},
			})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = h.reg.Prune(t.Context(), project, "s1", "p2v1")
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("prune only version of part 2: kind = %s (%v), want validation", apperr.KindOf(err), err)
	}
	if sess, _ := h.reg.Session(t.Context(), project, "s1"); len(sess.Compressions) != 4 {
		t.Errorf("rejected prune changed the manifest: %d versions", len(sess.Compressions))
	}

	// Part 1 keeps another version, and part 3 is the newest part.
	for _, id := range []string{"p1v1", "p3v1", "p2v1"} {
		if err := h.reg.Prune(t.Context(), project, "s1", id); err != nil {
			t.Errorf("Prune(%s): %v", id, err)
		}
	}
	sess, _ := h.reg.Session(t.Context(), project, "s1")
	if len(sess.Compressions) != 1 || sess.Compressions[0].VersionID != "p1v2" {
		t.Errorf("remaining = %+v, want only p1v2", sess.Compressions)
	}
}

// racingStore hides a session from the first Load, as if another process
// registered it between Register's check and its commit.
type racingStore struct {
	manifest.Store
	hide string
	once sync.Once
}

func (s *racingStore) Load(ctx context.Context, projectID string) (*manifest.Manifest, error) {
	m, err := s.Store.Load(ctx, projectID)
	if err == nil {
		s.once.Do(func() { delete(m.Sessions, s.hide) })
	}
	return m, err
}

func TestRegister_LosingRaceLeavesLinkedCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "original")
	sess := h.register(t)
	before, err := os.ReadFile(sess.LinkedPath)
	if err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(h.dir, "logs", "other.jsonl")
	f, err := os.Create(other)
	if err != nil {
		t.Fatal(err)
	}
	err = source.Encode(f, []source.Message{{UUID: "x", Timestamp: t0, Role: "user", Text: "a different log"}})
	_ = f.Close()
	if err != nil {
		t.Fatal(err)
	}

	racing := registry.New(registry.Deps{
		Repo:      manifest.NewRepository(&racingStore{Store: manifest.NewFileStore(filepath.Join(h.dir, "data")), hide: "s1"}, nil),
		Locks:     h.locks,
		Reader:    source.JSONLReader{},
		Artifacts: h.artifacts,
		DataDir:   filepath.Join(h.dir, "data"),
	})
	_, err = racing.Register(t.Context(), project, registry.RegisterRequest{SessionID: "s1", SourcePath: other})
	if !errors.Is(err, apperr.Validation) {
		t.Fatalf("racing Register: %v, want validation", err)
	}

	after, err := os.ReadFile(sess.LinkedPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("losing registration overwrote the linked copy")
	}
	entries, err := os.ReadDir(filepath.Dir(sess.LinkedPath))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("linked dir has %d entries, want only the linked copy", len(entries))
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "first", "second")
	sess := h.register(t)
	seedVersion(t, h, "p1v1")

	release, err := h.locks.TryAcquire(lock.Key{Project: project, Session: "s1", Op: lock.OpCompression})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.reg.Unregister(t.Context(), project, "s1"); !errors.Is(err, apperr.InProgress) {
		t.Errorf("Unregister while compressing: %v", err)
	}
	release()

	if err := h.reg.Unregister(t.Context(), project, "s1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := os.Stat(h.canonical); err != nil {
		t.Errorf("canonical log removed: %v", err)
	}
	if _, err := os.Stat(sess.LinkedPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("linked copy still present: %v", err)
	}
	if _, err := os.Stat(h.artifacts.Path(project, artifact.SessionDir("s1"))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifacts still present: %v", err)
	}
	if _, err := h.reg.Session(t.Context(), project, "s1"); !errors.Is(err, apperr.SessionNotFound) {
		t.Errorf("Session after unregister: %v", err)
	}
}

func TestListSessionsAndLinks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeCanonical(t, "one")
	h.register(t)

	sessions, err := h.reg.ListSessions(t.Context(), project)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("ListSessions = %+v", sessions)
	}
	links, err := h.reg.Links(t.Context(), project)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].Canonical != h.canonical || links[0].Linked != h.reg.LinkedPath(project, "s1") {
		t.Errorf("Links = %+v", links)
	}
}
