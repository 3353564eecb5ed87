package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/registry"
)

func registerCmd(g *globals) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register a session log with the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = sessionIDFromPath(args[0])
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				sess, err := a.registry().Register(cmd.Context(), a.project, registry.RegisterRequest{
					SessionID:  id,
					SourcePath: args[0],
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s: %s, ~%d tokens, %s\n",
					sess.ID, plural(sess.OriginalMessages, "message"), sess.OriginalTokens, plural(len(sess.Markers), "marker"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Session id (defaults to the file name without extension)")
	return cmd
}

func unregisterCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <session>",
		Short: "Forget a session and its versions; the source log is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				if err := a.registry().Unregister(cmd.Context(), a.project, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
				return nil
			})
		},
	}
}

func refreshCmd(g *globals) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "refresh [session]",
		Short: "Re-sync linked copies from their source logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				reg := a.registry()
				if watch {
					fmt.Fprintf(cmd.OutOrStdout(), "watching project %s, Ctrl-C to stop\n", a.project)
					return reg.Watch(cmd.Context(), a.project)
				}

				ids := args
				if len(ids) == 0 {
					sessions, err := reg.ListSessions(cmd.Context(), a.project)
					if err != nil {
						return err
					}
					for _, s := range sessions {
						ids = append(ids, s.ID)
					}
				}
				for _, id := range ids {
					res, err := reg.Refresh(cmd.Context(), a.project, id)
					if err != nil {
						return err
					}
					state := "unchanged"
					if res.Copied {
						state = "synced"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %s, %s added\n",
						id, state, plural(res.Messages, "message"), plural(res.AddedMarkers, "marker"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and refresh on every source write")
	return cmd
}

func sessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				sessions, err := a.registry().ListSessions(cmd.Context(), a.project)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tMESSAGES\tTOKENS\tMARKERS\tVERSIONS\tLAST MESSAGE\tSOURCE")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
						s.ID, s.OriginalMessages, s.OriginalTokens, len(s.Markers), len(s.Compressions),
						formatTime(s.LastTimestamp), s.SourcePath)
				}
				return w.Flush()
			})
		},
	}
}

func pruneCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "prune <session> <version>",
		Short: "Delete one compression version and its artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				if err := a.registry().Prune(cmd.Context(), a.project, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func markerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marker",
		Short: "Inspect and edit keep markers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <session>",
		Short: "List the keep markers of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				sess, err := a.registry().Session(cmd.Context(), a.project, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MARKER\tWEIGHT\tKEPT\tCONTENT")
				for _, m := range sess.Markers {
					kept := 0
					for _, s := range m.Survival {
						if s.Preserved {
							kept++
						}
					}
					fmt.Fprintf(w, "%s\t%.2f\t%d/%d\t%s\n", m.ID, m.Weight, kept, len(m.Survival), truncate(m.Content, 60))
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-weight <session> <marker> <weight>",
		Short: "Change a marker's weight in the manifest",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return apperr.New(apperr.Validation, "marker", "weight %q is not a number", args[2])
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				if err := a.registry().SetMarkerWeight(cmd.Context(), a.project, args[0], args[1], weight); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s weight set to %.2f\n", args[1], weight)
				return nil
			})
		},
	})
	return cmd
}

// sessionIDFromPath derives a session id from a log file name.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
