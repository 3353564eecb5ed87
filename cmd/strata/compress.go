package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/compress"
	"github.com/flemzord/strata/internal/decay"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/part"
)

// settingsFlags are the compression settings as typed on the command line.
type settingsFlags struct {
	mode     string
	ratio    int
	level    string
	preset   string
	tiers    string
	keep     string
	distance int
	skip     int
	model    string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", "", "Compression mode: uniform or tiered (tiered when --preset or --tiers is set)")
	fl.IntVar(&f.ratio, "ratio", 10, "Compaction ratio (uniform mode)")
	fl.StringVar(&f.level, "level", "", "Aggressiveness override: light, moderate, or aggressive (uniform mode)")
	fl.StringVar(&f.preset, "preset", "", "Tier preset: "+strings.Join(manifest.TierPresets(), ", ")+" (tiered mode)")
	fl.StringVar(&f.tiers, "tiers", "", "Custom tiers as end%:ratio pairs, e.g. 40:15,80:8,100:4 (tiered mode)")
	fl.StringVar(&f.keep, "keep", "", "Keep-marker handling: ignore, preserve, or decay")
	fl.IntVar(&f.distance, "distance", 0, "Session distance for decay (1 = most recent; derived when 0)")
	fl.IntVar(&f.skip, "skip", 0, "Copy this many leading messages verbatim")
	fl.StringVar(&f.model, "model", "", "Summarizer model override")
}

// settings converts the flags to manifest settings. Validation of values
// is left to the orchestrator.
func (f *settingsFlags) settings() (manifest.Settings, error) {
	mode := manifest.Mode(f.mode)
	if mode == "" {
		mode = manifest.ModeUniform
		if f.preset != "" || f.tiers != "" {
			mode = manifest.ModeTiered
		}
	}
	s := manifest.Settings{
		Mode:            mode,
		Model:           f.model,
		SkipFirst:       f.skip,
		KeepMode:        manifest.KeepMode(f.keep),
		SessionDistance: f.distance,
	}
	switch s.Mode {
	case manifest.ModeUniform:
		s.Uniform = &manifest.UniformSettings{
			CompactionRatio: f.ratio,
			Aggressiveness:  decay.Level(f.level),
		}
	case manifest.ModeTiered:
		t := &manifest.TieredSettings{Preset: f.preset}
		if f.tiers != "" {
			tiers, err := parseTiers(f.tiers)
			if err != nil {
				return manifest.Settings{}, err
			}
			t.CustomTiers = tiers
		} else if t.Preset == "" {
			t.Preset = "standard"
		}
		s.Tiered = t
	}
	return s, nil
}

// parseTiers parses "end:ratio,end:ratio".
func parseTiers(spec string) ([]manifest.Tier, error) {
	var tiers []manifest.Tier
	for field := range strings.SplitSeq(spec, ",") {
		end, ratio, ok := strings.Cut(strings.TrimSpace(field), ":")
		if !ok {
			return nil, apperr.New(apperr.Validation, "compress", "tier %q is not end:ratio", field)
		}
		e, err1 := strconv.Atoi(strings.TrimSuffix(end, "%"))
		r, err2 := strconv.Atoi(ratio)
		if err1 != nil || err2 != nil {
			return nil, apperr.New(apperr.Validation, "compress", "tier %q is not end:ratio", field)
		}
		tiers = append(tiers, manifest.Tier{EndPercent: e, CompactionRatio: r})
	}
	return tiers, nil
}

func compressCmd(g *globals) *cobra.Command {
	var (
		sf         settingsFlags
		delta      bool
		partNumber int
	)
	cmd := &cobra.Command{
		Use:   "compress <session>",
		Short: "Create a new compression version",
		Long: `Compress a whole session, only the messages added since the latest part
(--delta), or an existing part at a new level (--part). The summarizer call
can take minutes; a second compression of the same session is rejected while
one is running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := sf.settings()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				orch, err := a.orchestrator()
				if err != nil {
					return err
				}
				rec, err := orch.Compress(cmd.Context(), compress.Request{
					ProjectID:  a.project,
					SessionID:  args[0],
					Settings:   settings,
					DeltaOnly:  delta,
					PartNumber: partNumber,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "created %s (part %d, %s): %d → %d tokens, ratio %.1f, messages %d-%d\n",
					rec.VersionID, rec.PartNumber, rec.Level, rec.InputTokens, rec.OutputTokens, rec.Ratio,
					rec.Range.StartIndex, rec.Range.EndIndex)
				fmt.Fprintf(out, "markers: %d preserved, %d summarized, %d pinned\n",
					rec.KeepStats.Preserved, rec.KeepStats.Summarized, rec.KeepStats.Pinned)
				fmt.Fprintf(out, "artifact: %s\n", a.artifactPath(rec.Artifact))
				for _, note := range rec.IntegrityNotes {
					fmt.Fprintf(out, "warning: %s\n", note)
				}
				return nil
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&delta, "delta", false, "Compress only the uncompressed suffix as a new part")
	cmd.Flags().IntVar(&partNumber, "part", 0, "Re-compress this existing part")
	cmd.MarkFlagsMutuallyExclusive("delta", "part")
	return cmd
}

func deltaCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delta <session>",
		Short: "Show the messages not yet covered by any part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				d, err := a.orchestratorWith(nil).DetectDelta(cmd.Context(), a.project, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !d.HasDelta {
					fmt.Fprintln(out, "no delta: every message is covered")
					return nil
				}
				fmt.Fprintf(out, "%s since part %d (messages %d-%d, %s to %s); next part is %d\n",
					plural(len(d.Messages), "new message"), d.PreviousPartNumber, d.StartIndex, d.EndIndex,
					formatTime(d.StartTimestamp), formatTime(d.EndTimestamp), d.NextPartNumber)
				if len(d.Messages) < a.cfg.Compression.MinDeltaMessages {
					fmt.Fprintf(out, "too few to compress (minimum %d)\n", a.cfg.Compression.MinDeltaMessages)
				}
				return nil
			})
		},
	}
}

func partsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "parts <session>",
		Short: "List the parts of a session and their versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				sess, err := a.registry().Session(cmd.Context(), a.project, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PART\tMESSAGES\tVERSION\tLEVEL\tTOKENS\tRATIO\tKEPT\tCREATED")
				for _, n := range part.Numbers(sess) {
					rng, _ := part.Range(sess, n)
					for _, v := range part.Versions(sess, n) {
						fmt.Fprintf(w, "%d\t%d-%d\t%s\t%s\t%d\t%.1f\t%d/%d\t%s\n",
							n, rng.StartIndex, rng.EndIndex, v.VersionID, v.Level, v.OutputTokens, v.Ratio,
							v.KeepStats.Preserved, v.KeepStats.Total, formatTime(v.CreatedAt))
					}
				}
				return w.Flush()
			})
		},
	}
}
