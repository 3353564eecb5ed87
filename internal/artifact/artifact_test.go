package artifact_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
)

func TestSizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tokens int
		want   string
	}{
		{0, "0t"},
		{850, "850t"},
		{1000, "1k"},
		{12_400, "12k"},
		{12_600, "13k"},
		{1_000_000, "1m"},
		{1_250_000, "1.2m"},
	}
	for _, tt := range tests {
		if got := artifact.SizeLabel(tt.tokens); got != tt.want {
			t.Errorf("SizeLabel(%d) = %q, want %q", tt.tokens, got, tt.want)
		}
	}
}

func TestVersionName(t *testing.T) {
	t.Parallel()

	s := manifest.Settings{Mode: manifest.ModeUniform, Uniform: &manifest.UniformSettings{CompactionRatio: 10}}
	got := artifact.VersionName("abc/def", 2, "p2v3", s, 3200)
	want := "sessions/abc_def/part2_p2v3_uniform_r10_3k.jsonl"
	if got != want {
		t.Errorf("VersionName() = %q, want %q", got, want)
	}

	tiered := manifest.Settings{Mode: manifest.ModeTiered, Tiered: &manifest.TieredSettings{Preset: "standard"}}
	if l := artifact.Label(1, tiered, 500); l != "part1-tiered-standard-500t" {
		t.Errorf("Label() = %q", l)
	}
}

func TestStore_WriteOnce(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	msgs := []source.Message{
		{UUID: "a", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Role: "user", Text: "hi"},
		{UUID: "b", ParentUUID: "a", Timestamp: time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), Role: "assistant", Text: "hello"},
	}

	name := "sessions/s1/part1_p1v1_uniform_r5_1t.jsonl"
	if err := store.PutMessages("proj", name, msgs); err != nil {
		t.Fatalf("PutMessages: %v", err)
	}

	err := store.PutMessages("proj", name, msgs[:1])
	if !errors.Is(err, artifact.ErrExists) {
		t.Fatalf("second write error = %v, want ErrExists", err)
	}

	got, err := store.Messages(t.Context(), "proj", name)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 2 || got[1].ParentUUID != "a" {
		t.Errorf("read back %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	_, err := store.Get("proj", "sessions/none/x.jsonl")
	if apperr.KindOf(err) != apperr.SourceMissing {
		t.Errorf("KindOf = %s, want source_missing", apperr.KindOf(err))
	}
}

func TestStore_DeleteSession(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	if err := store.Put("proj", "sessions/s1/a.jsonl", []byte("{}\n")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("proj", "compositions/c1.jsonl", []byte("{}\n")); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteSession("proj", "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.Get("proj", "sessions/s1/a.jsonl"); err == nil {
		t.Error("session artifact still present")
	}
	if _, err := store.Get("proj", "compositions/c1.jsonl"); err != nil {
		t.Errorf("composition artifact removed: %v", err)
	}
	if err := store.Delete("proj", "missing"); err != nil {
		t.Errorf("Delete(missing) = %v", err)
	}
	if !strings.HasSuffix(store.Path("proj", "compositions/c1.jsonl"), "c1.jsonl") {
		t.Error("unexpected path layout")
	}
}
