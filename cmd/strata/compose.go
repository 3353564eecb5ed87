package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/compose"
)

// parseComponent parses "session[=version][@weight]".
func parseComponent(spec string) (compose.ComponentRequest, error) {
	var c compose.ComponentRequest
	rest := spec
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		w, err := strconv.ParseFloat(rest[i+1:], 64)
		if err != nil {
			return c, apperr.New(apperr.Validation, "compose", "component %q: bad weight %q", spec, rest[i+1:])
		}
		c.Weight = w
		rest = rest[:i]
	}
	c.SessionID, c.Version, _ = strings.Cut(rest, "=")
	if c.SessionID == "" {
		return c, apperr.New(apperr.Validation, "compose", "component %q has no session id", spec)
	}
	return c, nil
}

func composeCmd(g *globals) *cobra.Command {
	var (
		name        string
		budget      int
		specs       []string
		preferRatio float64
		preferKeep  bool
		format      string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Combine the best versions of sessions within a token budget",
		Example: `  strata compose --budget 20000 --component s1 --component s2=auto-parts@2
  strata compose --budget 8000 --component s1=p1v2 --format transcript`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := compose.Request{
				Name:        name,
				TotalBudget: budget,
				Prefer:      compose.Preferences{Ratio: preferRatio, KeepMarkers: preferKeep},
				Format:      compose.Format(format),
			}
			for _, spec := range specs {
				c, err := parseComponent(spec)
				if err != nil {
					return err
				}
				req.Components = append(req.Components, c)
			}

			return withApp(cmd.Context(), g, func(a *app) error {
				req.ProjectID = a.project
				eng := a.engine()
				out := cmd.OutOrStdout()

				if dryRun {
					plan, err := eng.Plan(cmd.Context(), req)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ORDER\tSESSION\tPART\tVERSION\tTOKENS\tBUDGET\tSCORE")
					for _, sel := range plan.Selections {
						for _, ch := range sel.Parts {
							fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\t%.2f\n",
								sel.Order, sel.SessionID, ch.PartNumber, ch.VersionID, ch.OutputTokens, sel.Budget, ch.Score)
						}
					}
					if err := w.Flush(); err != nil {
						return err
					}
					fmt.Fprintf(out, "total: %d of %d tokens\n", plan.TotalTokens, budget)
					return nil
				}

				comp, err := eng.Compose(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "composition %s: %s, %d tokens (budget %d)\n",
					comp.ID, plural(comp.TotalMessages, "message"), comp.TotalTokens, comp.Budget)
				for _, c := range comp.Components {
					versions := c.VersionID
					if len(c.VersionIDs) > 0 {
						versions = strings.Join(c.VersionIDs, ",")
					}
					fmt.Fprintf(out, "  %d. %s [%s] %d tokens\n", c.Order+1, c.SessionID, versions, c.TokenContribution)
				}
				fmt.Fprintf(out, "artifact: %s\n", a.artifactPath(comp.Artifact))
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&name, "name", "", "Composition name")
	fl.IntVar(&budget, "budget", 0, "Total token budget")
	fl.StringArrayVar(&specs, "component", nil, "Component as session[=version][@weight]; version is an id, original, auto, or auto-parts")
	fl.Float64Var(&preferRatio, "prefer-ratio", 0, "Favour versions near this compression ratio")
	fl.BoolVar(&preferKeep, "prefer-keep", false, "Favour versions that preserved more keep markers")
	fl.StringVar(&format, "format", string(compose.FormatJSONL), "Output format: jsonl or transcript")
	fl.BoolVar(&dryRun, "dry-run", false, "Show the selection without writing anything")
	_ = cmd.MarkFlagRequired("budget")
	_ = cmd.MarkFlagRequired("component")
	return cmd
}

func compositionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compositions",
		Short: "List compositions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				comps, err := a.engine().List(cmd.Context(), a.project)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSESSIONS\tTOKENS\tBUDGET\tUSED BY\tCREATED")
				for _, c := range comps {
					ids := make([]string, 0, len(c.Components))
					for _, comp := range c.Components {
						ids = append(ids, comp.SessionID)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						c.ID, c.Name, strings.Join(ids, ","), c.TotalTokens, c.Budget, len(c.UsedBy), formatTime(c.CreatedAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <composition> <session>",
		Short: "Record that a session was seeded from a composition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				return a.engine().RecordUsage(cmd.Context(), a.project, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <composition>",
		Short: "Delete a composition and its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				if err := a.engine().Delete(cmd.Context(), a.project, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
