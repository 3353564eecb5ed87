package compress_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/compress"
	"github.com/flemzord/strata/internal/decay"
	"github.com/flemzord/strata/internal/lock"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
	"github.com/flemzord/strata/internal/summarize/summarizetest"
)

const (
	project = "proj"
	session = "s1"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	dir        string
	repo       *manifest.Repository
	locks      *lock.Table
	artifacts  *artifact.Store
	summarizer *summarizetest.MockSummarizer
	orch       *compress.Orchestrator
	linked     string
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		dir:        dir,
		repo:       manifest.NewRepository(manifest.NewFileStore(dir), nil),
		locks:      lock.New(),
		artifacts:  artifact.NewStore(dir),
		summarizer: &summarizetest.MockSummarizer{},
		linked:     filepath.Join(dir, project, "linked", session+".jsonl"),
	}
	h.orch = compress.New(compress.Deps{
		Repo:       h.repo,
		Locks:      h.locks,
		Reader:     source.JSONLReader{},
		Summarizer: h.summarizer,
		Artifacts:  h.artifacts,
	}, compress.Config{})

	msgs := makeMessages(0, n)
	h.writeSource(t, msgs)
	_, err := h.repo.Update(t.Context(), project, func(m *manifest.Manifest) error {
		m.Sessions[session] = &manifest.Session{
			ID:               session,
			SourcePath:       "/canonical/" + session + ".jsonl",
			LinkedPath:       h.linked,
			OriginalMessages: n,
			FirstTimestamp:   msgs[0].Timestamp,
			LastTimestamp:    msgs[n-1].Timestamp,
			RegisteredAt:     t0,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	return h
}

func makeMessages(from, to int) []source.Message {
	var out []source.Message
	for i := from; i < to; i++ {
		m := source.Message{
			UUID:      fmt.Sprintf("m%d", i),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Role:      []string{"user", "assistant"}[i%2],
			Text:      fmt.Sprintf("message number %d with some padding text to give it weight", i),
		}
		if i > 0 {
			m.ParentUUID = fmt.Sprintf("m%d", i-1)
		}
		out = append(out, m)
	}
	return out
}

func (h *harness) writeSource(t *testing.T, msgs []source.Message) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(h.linked), 0o700); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(h.linked)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if err := source.Encode(f, msgs); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) load(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := h.repo.Load(t.Context(), project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func uniform(ratio int) manifest.Settings {
	return manifest.Settings{Mode: manifest.ModeUniform, Uniform: &manifest.UniformSettings{CompactionRatio: ratio}}
}

func request(s manifest.Settings) compress.Request {
	return compress.Request{ProjectID: project, SessionID: session, Settings: s}
}

func TestCompress_FullSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 6)

	rec, err := h.orch.Compress(t.Context(), request(uniform(5)))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if rec.VersionID != "p1v1" || rec.PartNumber != 1 || !rec.FullSession {
		t.Errorf("record = %s part %d full %v", rec.VersionID, rec.PartNumber, rec.FullSession)
	}
	if rec.Level != decay.Light {
		t.Errorf("Level = %s, want light", rec.Level)
	}
	if rec.Range.StartIndex != 0 || rec.Range.EndIndex != 6 || rec.Range.MessageCount != 6 {
		t.Errorf("Range = %+v", rec.Range)
	}
	if rec.InputMessages != 6 || rec.OutputMessages != 3 {
		t.Errorf("messages in/out = %d/%d, want 6/3", rec.InputMessages, rec.OutputMessages)
	}
	want := float64(rec.InputTokens) / float64(rec.OutputTokens)
	if rec.Ratio != want || rec.Ratio <= 1 {
		t.Errorf("Ratio = %v, want %v (> 1)", rec.Ratio, want)
	}

	out, err := h.artifacts.Messages(t.Context(), project, rec.Artifact)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if len(out) != 3 || out[1].UUID != "m2" || out[1].ParentUUID != "m1" {
		t.Errorf("artifact messages = %+v", out)
	}

	m := h.load(t)
	s := m.Sessions[session]
	if len(s.Compressions) != 1 || s.Compressions[0].VersionID != "p1v1" {
		t.Fatalf("manifest compressions = %+v", s.Compressions)
	}
	if s.LastAccessedAt.IsZero() {
		t.Error("LastAccessedAt not updated")
	}
	if s.Compressions[0].Settings.SessionDistance != 1 {
		t.Errorf("derived session distance = %d, want 1", s.Compressions[0].Settings.SessionDistance)
	}
}

func TestCompress_DeltaParts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true

	first, err := h.orch.Compress(t.Context(), req)
	if err != nil {
		t.Fatalf("first delta: %v", err)
	}
	if first.PartNumber != 1 || first.Range.EndIndex != 4 {
		t.Fatalf("first part = %d range %+v", first.PartNumber, first.Range)
	}

	h.writeSource(t, makeMessages(0, 8))

	second, err := h.orch.Compress(t.Context(), req)
	if err != nil {
		t.Fatalf("second delta: %v", err)
	}
	if second.PartNumber != 2 || second.VersionID != "p2v1" || second.FullSession {
		t.Errorf("second = %s part %d full %v", second.VersionID, second.PartNumber, second.FullSession)
	}
	if second.Range.StartIndex != 4 || second.Range.EndIndex != 8 || second.Range.MessageCount != 4 {
		t.Errorf("second range = %+v", second.Range)
	}
	if !second.Range.StartTimestamp.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("StartTimestamp = %s", second.Range.StartTimestamp)
	}
	if got := h.summarizer.LastRequest().Messages; len(got) != 4 || got[0].UUID != "m4" {
		t.Errorf("summarizer saw %+v", got)
	}
}

func TestCompress_NoDeltaLeavesManifest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	before := h.load(t).Revision

	_, err := h.orch.Compress(t.Context(), req)
	if !errors.Is(err, apperr.NoDelta) {
		t.Fatalf("error = %v, want NoDelta", err)
	}
	if after := h.load(t).Revision; after != before {
		t.Errorf("revision moved from %d to %d", before, after)
	}
}

func TestCompress_InsufficientDelta(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	h.writeSource(t, makeMessages(0, 5))

	_, err := h.orch.Compress(t.Context(), req)
	if apperr.KindOf(err) != apperr.InsufficientMessages {
		t.Fatalf("kind = %s, want insufficient_messages (%v)", apperr.KindOf(err), err)
	}
}

func TestCompress_RecompressPart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	h.writeSource(t, makeMessages(0, 8))
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}

	re := request(uniform(30))
	re.PartNumber = 1
	rec, err := h.orch.Compress(t.Context(), re)
	if err != nil {
		t.Fatalf("recompress: %v", err)
	}
	if rec.VersionID != "p1v2" || rec.Level != decay.Aggressive {
		t.Errorf("recompressed = %s level %s", rec.VersionID, rec.Level)
	}
	if rec.Range.StartIndex != 0 || rec.Range.EndIndex != 4 {
		t.Errorf("recompressed range = %+v, want part 1's [0,4)", rec.Range)
	}

	_, err = h.orch.Compress(t.Context(), re)
	if !errors.Is(err, apperr.VersionExists) {
		t.Errorf("same level again: error = %v, want VersionExists", err)
	}

	re.PartNumber = 7
	_, err = h.orch.Compress(t.Context(), re)
	if apperr.KindOf(err) != apperr.PartNotFound {
		t.Errorf("missing part: kind = %s, want part_not_found", apperr.KindOf(err))
	}
}

func TestCompress_FullSessionAfterDeltaRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	if _, err := h.orch.Compress(t.Context(), request(uniform(5))); err != nil {
		t.Fatal(err)
	}
	h.writeSource(t, makeMessages(0, 6))

	_, err := h.orch.Compress(t.Context(), request(uniform(30)))
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestCompress_SummarizerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)
	h.summarizer.SummarizeFunc = summarizetest.Failing(errors.New("model overloaded"))
	before := h.load(t).Revision

	_, err := h.orch.Compress(t.Context(), request(uniform(5)))
	if !errors.Is(err, apperr.SummarizerFailed) {
		t.Fatalf("error = %v, want SummarizerFailed", err)
	}

	if after := h.load(t).Revision; after != before {
		t.Errorf("manifest revision moved from %d to %d", before, after)
	}
	if h.locks.Len() != 0 {
		t.Error("lock not released after failure")
	}
	if _, err := os.Stat(h.artifacts.Path(project, artifact.SessionDir(session))); !os.IsNotExist(err) {
		t.Errorf("artifacts written despite failure: %v", err)
	}
}

func TestCompress_EmptyOrUnthreadedOutput(t *testing.T) {
	t.Parallel()

	outputs := map[string][]source.Message{
		"empty":   nil,
		"no uuid": {{Role: "assistant", Text: "summary"}},
	}
	for name, out := range outputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 4)
			h.summarizer.SummarizeFunc = func(context.Context, summarize.Request) (summarize.Result, error) {
				return summarize.Result{Messages: out}, nil
			}
			_, err := h.orch.Compress(t.Context(), request(uniform(5)))
			if apperr.KindOf(err) != apperr.SummarizerFailed {
				t.Errorf("kind = %s, want summarizer_failed", apperr.KindOf(err))
			}
		})
	}
}

func TestCompress_ConcurrentRequestRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.summarizer.SummarizeFunc = summarizetest.Blocking(started, release)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Compress(context.Background(), request(uniform(5)))
		done <- err
	}()
	<-started

	_, err := h.orch.Compress(t.Context(), request(uniform(30)))
	if !errors.Is(err, apperr.InProgress) {
		t.Fatalf("concurrent request: error = %v, want InProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}

	h.summarizer.SummarizeFunc = nil
	rec, err := h.orch.Compress(t.Context(), request(uniform(30)))
	if err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	if rec.VersionID != "p1v2" {
		t.Errorf("retry version = %s, want p1v2", rec.VersionID)
	}
}

func TestCompress_ValidationBeforeIO(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	bad := compress.Request{ProjectID: project, SessionID: "unknown", Settings: uniform(0)}
	_, err := h.orch.Compress(t.Context(), bad)
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("kind = %s, want validation", apperr.KindOf(err))
	}
	if h.summarizer.Calls() != 0 {
		t.Error("summarizer called for invalid settings")
	}

	both := request(uniform(5))
	both.DeltaOnly, both.PartNumber = true, 1
	if _, err := h.orch.Compress(t.Context(), both); apperr.KindOf(err) != apperr.Validation {
		t.Errorf("delta+part: kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestCompress_MissingSessionAndSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.SessionID = "other"
	if _, err := h.orch.Compress(t.Context(), req); apperr.KindOf(err) != apperr.SessionNotFound {
		t.Errorf("kind = %s, want session_not_found", apperr.KindOf(err))
	}

	if err := os.Remove(h.linked); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Compress(t.Context(), request(uniform(5))); apperr.KindOf(err) != apperr.SourceMissing {
		t.Errorf("kind = %s, want source_missing", apperr.KindOf(err))
	}
}

func TestCompress_KeepMarkersDecay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	_, err := h.repo.Update(t.Context(), project, func(m *manifest.Manifest) error {
		m.Sessions[session].Markers = []manifest.Marker{
			{ID: "m1:0", MessageUUID: "m1", Weight: 1.0, Content: "pinned fact"},
			{ID: "m2:0", MessageUUID: "m2", Weight: 0.9, Content: "strong fact"},
			{ID: "m3:0", MessageUUID: "m3", Weight: 0.2, Content: "weak fact"},
			{ID: "x:0", MessageUUID: "elsewhere", Weight: 0.9, Content: "not in range"},
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s := uniform(30)
	s.KeepMode = manifest.KeepDecay
	s.SessionDistance = 10
	rec, err := h.orch.Compress(t.Context(), request(s))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	want := manifest.KeepStats{Total: 3, Pinned: 1, Preserved: 2, Summarized: 1}
	if rec.KeepStats != want {
		t.Errorf("KeepStats = %+v, want %+v", rec.KeepStats, want)
	}
	if keep := h.summarizer.LastRequest().Keep; len(keep) != 2 {
		t.Errorf("summarizer got %d keep spans, want 2", len(keep))
	}

	sess := h.load(t).Sessions[session]
	weak, _ := sess.Marker("m3:0")
	if len(weak.Survival) != 1 || weak.Survival[0].Preserved || weak.Survival[0].VersionID != rec.VersionID {
		t.Errorf("weak marker survival = %+v", weak.Survival)
	}
	pinned, _ := sess.Marker("m1:0")
	if len(pinned.Survival) != 1 || !pinned.Survival[0].Preserved {
		t.Errorf("pinned marker survival = %+v", pinned.Survival)
	}
	other, _ := sess.Marker("x:0")
	if len(other.Survival) != 0 {
		t.Errorf("out-of-range marker got survival history %+v", other.Survival)
	}
}

func TestCompress_SkipFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 6)

	s := uniform(5)
	s.SkipFirst = 2
	rec, err := h.orch.Compress(t.Context(), request(s))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if got := h.summarizer.LastRequest().Messages; len(got) != 4 || got[0].UUID != "m2" {
		t.Errorf("summarizer saw %d messages starting %s", len(got), got[0].UUID)
	}

	out, err := h.artifacts.Messages(t.Context(), project, rec.Artifact)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].UUID != "m0" || out[1].UUID != "m1" {
		t.Errorf("verbatim prefix lost: %s, %s", out[0].UUID, out[1].UUID)
	}
	if rec.InputMessages != 6 {
		t.Errorf("InputMessages = %d, want 6", rec.InputMessages)
	}

	s.SkipFirst = 6
	s.Uniform.CompactionRatio = 30
	if _, err := h.orch.Compress(t.Context(), request(s)); apperr.KindOf(err) != apperr.Validation {
		t.Errorf("skip everything: kind = %s, want validation", apperr.KindOf(err))
	}
}

func TestDetectDelta(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	d, err := h.orch.DetectDelta(t.Context(), project, session)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsFirstPart || len(d.Messages) != 4 {
		t.Errorf("delta = first %v, %d messages", d.IsFirstPart, len(d.Messages))
	}
}

func TestCompress_RewrittenHeadRecordsIntegrityNote(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}

	// m0 was dropped from the head, so part 1's end index no longer lines up.
	h.writeSource(t, makeMessages(1, 8))

	rec, err := h.orch.Compress(t.Context(), req)
	if err != nil {
		t.Fatalf("delta after rewrite: %v", err)
	}
	if len(rec.IntegrityNotes) != 1 || !strings.Contains(rec.IntegrityNotes[0], "part 1") {
		t.Errorf("IntegrityNotes = %q, want one note naming part 1", rec.IntegrityNotes)
	}
	if rec.Range.StartIndex != 3 || rec.Range.EndIndex != 7 || rec.Range.MessageCount != 4 {
		t.Errorf("range = %+v, want [3,7) with 4 messages", rec.Range)
	}
	stored := h.load(t).Sessions[session].Compressions
	if got := stored[len(stored)-1].IntegrityNotes; len(got) != 1 {
		t.Errorf("stored IntegrityNotes = %q", got)
	}

	// Re-compressing the part summarizes exactly the messages it first covered.
	re := request(uniform(30))
	re.PartNumber = rec.PartNumber
	if _, err := h.orch.Compress(t.Context(), re); err != nil {
		t.Fatalf("recompress: %v", err)
	}
	got := h.summarizer.LastRequest().Messages
	if len(got) != 4 || got[0].UUID != "m4" || got[3].UUID != "m7" {
		t.Errorf("recompress summarized %d messages starting %v", len(got), got)
	}
}

func TestCompress_ScatteredRewriteDiverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	req := request(uniform(5))
	req.DeltaOnly = true
	if _, err := h.orch.Compress(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	calls := h.summarizer.Calls()

	msgs := makeMessages(0, 10)
	h.writeSource(t, []source.Message{msgs[0], msgs[9], msgs[1], msgs[2], msgs[3], msgs[8]})

	_, err := h.orch.Compress(t.Context(), req)
	if !errors.Is(err, apperr.SourceDiverged) {
		t.Fatalf("error = %v, want SourceDiverged", err)
	}
	if h.summarizer.Calls() != calls {
		t.Error("summarizer called for a diverged source")
	}
	if n := len(h.load(t).Sessions[session].Compressions); n != 1 {
		t.Errorf("compressions = %d, want 1", n)
	}
}

func TestCompress_RejectsNonContiguousPartRange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 6)

	_, err := h.repo.Update(t.Context(), project, func(m *manifest.Manifest) error {
		s := m.Sessions[session]
		s.Compressions = append(s.Compressions, manifest.CompressionRecord{
			VersionID:  "p2v1",
			PartNumber: 2,
			Level:      decay.Light,
			CreatedAt:  t0,
			Range:      manifest.MessageRange{StartIndex: 1, EndIndex: 6, MessageCount: 2},
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	re := request(uniform(30))
	re.PartNumber = 2
	_, err = h.orch.Compress(t.Context(), re)
	if apperr.KindOf(err) != apperr.Internal {
		t.Fatalf("kind = %s, want internal (%v)", apperr.KindOf(err), err)
	}
	if h.summarizer.Calls() != 0 {
		t.Error("summarizer called for an inconsistent part")
	}
}

// failingSave is a manifest store whose writes always fail.
type failingSave struct {
	manifest.Store
}

func (failingSave) Save(context.Context, *manifest.Manifest) error {
	return errors.New("disk full")
}

func TestCompress_CommitFailureRemovesArtifact(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)

	orch := compress.New(compress.Deps{
		Repo:       manifest.NewRepository(failingSave{manifest.NewFileStore(h.dir)}, nil),
		Locks:      h.locks,
		Reader:     source.JSONLReader{},
		Summarizer: h.summarizer,
		Artifacts:  h.artifacts,
	}, compress.Config{})

	_, err := orch.Compress(t.Context(), request(uniform(5)))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("error = %v, want the save failure", err)
	}
	if h.summarizer.Calls() != 1 {
		t.Fatalf("summarizer calls = %d, want 1", h.summarizer.Calls())
	}

	entries, err := os.ReadDir(h.artifacts.Path(project, artifact.SessionDir(session)))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("artifacts left after failed commit: %v", entries)
	}
	if n := len(h.load(t).Sessions[session].Compressions); n != 0 {
		t.Errorf("compressions = %d, want 0", n)
	}
	if h.locks.Len() != 0 {
		t.Error("lock not released after failed commit")
	}
}
