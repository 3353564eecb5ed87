package decay_test

import (
	"math"
	"testing"

	"github.com/flemzord/strata/internal/decay"
)

func TestShouldSurvive_WorkedCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		weight        float64
		distance      int
		ratio         float64
		level         decay.Level
		wantThreshold float64
		want          bool
	}{
		{"boundary aggressive", 0.80, 10, 30, decay.Aggressive, 0.80, true},
		{"half distance aggressive", 0.80, 5, 30, decay.Aggressive, 0.65, true},
		{"moderate below threshold", 0.25, 10, 15, decay.Moderate, 0.45, false},
		{"light recent", 0.50, 7, 5, decay.Light, 0.135, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			th := decay.Model{}.Threshold(tt.distance, tt.ratio, tt.level)
			if math.Abs(th-tt.wantThreshold) > 1e-9 {
				t.Errorf("Threshold() = %v, want %v", th, tt.wantThreshold)
			}
			if got := decay.ShouldSurvive(tt.weight, tt.distance, tt.ratio, tt.level); got != tt.want {
				t.Errorf("ShouldSurvive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldSurvive_PinnedAlwaysSurvives(t *testing.T) {
	t.Parallel()

	levels := []decay.Level{decay.Light, decay.Moderate, decay.Aggressive, decay.Custom}
	for _, l := range levels {
		for _, d := range []int{0, 1, 10, 1000} {
			for _, r := range []float64{0, 30, 100, 10000} {
				if !decay.ShouldSurvive(1.0, d, r, l) {
					t.Errorf("pinned marker dropped at level=%s distance=%d ratio=%v", l, d, r)
				}
			}
		}
	}
}

func TestThreshold_DistanceCapped(t *testing.T) {
	t.Parallel()

	m := decay.Model{MaxDistance: 4}
	capped := m.Threshold(40, 20, decay.Moderate)
	atMax := m.Threshold(4, 20, decay.Moderate)
	if capped != atMax {
		t.Errorf("Threshold at distance 40 = %v, want capped value %v", capped, atMax)
	}
	if math.Abs(atMax-0.50) > 1e-9 {
		t.Errorf("Threshold = %v, want 0.50", atMax)
	}
}

func TestThreshold_CustomMapsThroughRatio(t *testing.T) {
	t.Parallel()

	got := decay.Model{}.Threshold(0, 30, decay.Custom)
	if math.Abs(got-0.50) > 1e-9 {
		t.Errorf("custom threshold = %v, want aggressive base 0.50", got)
	}
}

func TestLevelForRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  decay.Level
	}{
		{2, decay.Light},
		{9.9, decay.Light},
		{10, decay.Moderate},
		{24, decay.Moderate},
		{25, decay.Aggressive},
		{80, decay.Aggressive},
	}
	for _, tt := range tests {
		if got := decay.LevelForRatio(tt.ratio); got != tt.want {
			t.Errorf("LevelForRatio(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if _, err := decay.ParseLevel("extreme"); err == nil {
		t.Error("expected error for unknown level")
	}
	if l, err := decay.ParseLevel("moderate"); err != nil || l != decay.Moderate {
		t.Errorf("ParseLevel(moderate) = %v, %v", l, err)
	}
}
