// Package main is the entry point for the strata CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flemzord/strata/internal/apperr"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error[%s]: %v\n", apperr.KindOf(err), err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	project    string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "strata",
		Short:         "Layered, versioned compression of session logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVarP(&g.project, "project", "p", defaultProject(), "Project id ($STRATA_PROJECT)")

	root.AddCommand(
		versionCmd(),
		registerCmd(g), unregisterCmd(g), refreshCmd(g), sessionsCmd(g),
		partsCmd(g), deltaCmd(g), compressCmd(g), pruneCmd(g), markerCmd(g),
		composeCmd(g), compositionsCmd(g),
		migrateCmd(g), serveCmd(g), configCmd(g),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "strata %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func defaultProject() string {
	if p, ok := os.LookupEnv("STRATA_PROJECT"); ok && p != "" {
		return p
	}
	return "default"
}
