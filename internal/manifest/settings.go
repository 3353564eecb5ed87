package manifest

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/decay"
)

// Mode selects which settings variant is active.
type Mode string

// Compression modes.
const (
	ModeUniform Mode = "uniform"
	ModeTiered  Mode = "tiered"
)

// KeepMode controls how keep markers are treated by a compression.
type KeepMode string

// Keep modes. Pinned markers survive in every mode.
const (
	KeepIgnore   KeepMode = "ignore"
	KeepPreserve KeepMode = "preserve"
	KeepDecay    KeepMode = "decay"
)

// maxRatio bounds compaction ratios to something a summarizer can honour.
const maxRatio = 100

// Settings configures one compression. Exactly one of Uniform or Tiered is
// set, matching Mode.
type Settings struct {
	Mode  Mode   `json:"mode"`
	Model string `json:"model,omitempty"`

	// SkipFirst messages at the start of the range are copied verbatim.
	SkipFirst int `json:"skipFirst,omitempty"`

	KeepMode KeepMode `json:"keepMode,omitempty"`

	// SessionDistance is the ordinal age of the session, 1 = most recent.
	SessionDistance int `json:"sessionDistance,omitempty"`

	Uniform *UniformSettings `json:"uniform,omitempty"`
	Tiered  *TieredSettings  `json:"tiered,omitempty"`
}

// UniformSettings compresses the whole range at one ratio.
type UniformSettings struct {
	CompactionRatio int `json:"compactionRatio"`

	// Aggressiveness overrides the level derived from the ratio.
	Aggressiveness decay.Level `json:"aggressiveness,omitempty"`
}

// TieredSettings compresses older messages harder than newer ones.
type TieredSettings struct {
	Preset      string `json:"preset,omitempty"`
	CustomTiers []Tier `json:"customTiers,omitempty"`
}

// Tier compresses messages up to EndPercent of the range (from the oldest)
// at CompactionRatio.
type Tier struct {
	EndPercent      int `json:"endPercent"`
	CompactionRatio int `json:"compactionRatio"`
}

type tierPreset struct {
	tiers []Tier
	level decay.Level
}

var tierPresets = map[string]tierPreset{
	"gentle": {
		tiers: []Tier{{EndPercent: 40, CompactionRatio: 5}, {EndPercent: 80, CompactionRatio: 3}, {EndPercent: 100, CompactionRatio: 2}},
		level: decay.Light,
	},
	"standard": {
		tiers: []Tier{{EndPercent: 40, CompactionRatio: 15}, {EndPercent: 80, CompactionRatio: 8}, {EndPercent: 100, CompactionRatio: 4}},
		level: decay.Moderate,
	},
	"aggressive": {
		tiers: []Tier{{EndPercent: 40, CompactionRatio: 40}, {EndPercent: 80, CompactionRatio: 20}, {EndPercent: 100, CompactionRatio: 10}},
		level: decay.Aggressive,
	},
}

// TierPresets lists the known preset names.
func TierPresets() []string {
	return []string{"gentle", "standard", "aggressive"}
}

// Validate checks the settings before any I/O. The error has kind Validation.
func (s Settings) Validate() error {
	var errs []error

	switch s.Mode {
	case ModeUniform:
		if s.Tiered != nil {
			errs = append(errs, errors.New("uniform mode must not carry tiered settings"))
		}
		if s.Uniform == nil {
			errs = append(errs, errors.New("uniform mode requires uniform settings"))
		} else {
			errs = append(errs, s.Uniform.validate()...)
		}
	case ModeTiered:
		if s.Uniform != nil {
			errs = append(errs, errors.New("tiered mode must not carry uniform settings"))
		}
		if s.Tiered == nil {
			errs = append(errs, errors.New("tiered mode requires tiered settings"))
		} else {
			errs = append(errs, s.Tiered.validate()...)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", s.Mode))
	}

	switch s.KeepMode {
	case "", KeepIgnore, KeepPreserve, KeepDecay:
	default:
		errs = append(errs, fmt.Errorf("unknown keep mode %q", s.KeepMode))
	}
	if s.SkipFirst < 0 {
		errs = append(errs, fmt.Errorf("skipFirst must be non-negative, got %d", s.SkipFirst))
	}
	if s.SessionDistance < 0 {
		errs = append(errs, fmt.Errorf("sessionDistance must be non-negative, got %d", s.SessionDistance))
	}

	if err := errors.Join(errs...); err != nil {
		return apperr.Wrap(apperr.Validation, "settings", err)
	}
	return nil
}

func (u *UniformSettings) validate() []error {
	var errs []error
	if u.CompactionRatio < 2 || u.CompactionRatio > maxRatio {
		errs = append(errs, fmt.Errorf("compactionRatio must be in [2,%d], got %d", maxRatio, u.CompactionRatio))
	}
	switch u.Aggressiveness {
	case "", decay.Light, decay.Moderate, decay.Aggressive:
	default:
		errs = append(errs, fmt.Errorf("unknown aggressiveness %q", u.Aggressiveness))
	}
	return errs
}

func (t *TieredSettings) validate() []error {
	if t.Preset != "" && len(t.CustomTiers) > 0 {
		return []error{errors.New("tiered settings take a preset or custom tiers, not both")}
	}
	if t.Preset != "" {
		if _, ok := tierPresets[t.Preset]; !ok {
			return []error{fmt.Errorf("unknown tier preset %q", t.Preset)}
		}
		return nil
	}
	if len(t.CustomTiers) == 0 {
		return []error{errors.New("tiered settings require a preset or custom tiers")}
	}
	var errs []error
	prev := 0
	for i, tier := range t.CustomTiers {
		if tier.EndPercent <= prev || tier.EndPercent > 100 {
			errs = append(errs, fmt.Errorf("customTiers[%d]: endPercent must increase within (0,100], got %d", i, tier.EndPercent))
		}
		if tier.CompactionRatio < 1 || tier.CompactionRatio > maxRatio {
			errs = append(errs, fmt.Errorf("customTiers[%d]: compactionRatio must be in [1,%d], got %d", i, maxRatio, tier.CompactionRatio))
		}
		prev = tier.EndPercent
	}
	if prev != 100 {
		errs = append(errs, errors.New("customTiers must end at 100 percent"))
	}
	return errs
}

// Tiers returns the resolved tier list. Uniform settings are a single tier.
func (s Settings) Tiers() []Tier {
	switch {
	case s.Uniform != nil:
		return []Tier{{EndPercent: 100, CompactionRatio: s.Uniform.CompactionRatio}}
	case s.Tiered != nil && s.Tiered.Preset != "":
		return tierPresets[s.Tiered.Preset].tiers
	case s.Tiered != nil:
		return s.Tiered.CustomTiers
	}
	return nil
}

// EffectiveRatio is the span-weighted compaction ratio across tiers.
func (s Settings) EffectiveRatio() float64 {
	total := 0.0
	prev := 0
	for _, t := range s.Tiers() {
		total += float64(t.EndPercent-prev) / 100 * float64(t.CompactionRatio)
		prev = t.EndPercent
	}
	return total
}

// Level is the compression level recorded on the version.
func (s Settings) Level() decay.Level {
	switch {
	case s.Uniform != nil && s.Uniform.Aggressiveness != "":
		return s.Uniform.Aggressiveness
	case s.Uniform != nil:
		return decay.LevelForRatio(float64(s.Uniform.CompactionRatio))
	case s.Tiered != nil && s.Tiered.Preset != "":
		return tierPresets[s.Tiered.Preset].level
	}
	return decay.Custom
}

// DecayLevel is the declared level used by the survival threshold.
func (s Settings) DecayLevel() decay.Level {
	if l := s.Level(); l != decay.Custom {
		return l
	}
	return decay.LevelForRatio(s.EffectiveRatio())
}

// Preset names the settings for labels: "r<ratio>" for uniform, the preset
// name or "custom" for tiered.
func (s Settings) Preset() string {
	switch {
	case s.Uniform != nil:
		return "r" + strconv.Itoa(s.Uniform.CompactionRatio)
	case s.Tiered != nil && s.Tiered.Preset != "":
		return s.Tiered.Preset
	}
	return "custom"
}

// EffectiveKeepMode returns the keep mode with the default applied.
func (s Settings) EffectiveKeepMode() KeepMode {
	if s.KeepMode == "" {
		return KeepIgnore
	}
	return s.KeepMode
}
