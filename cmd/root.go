// Package cmd implements the propack command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/propack/propack/cmd/internal/flags"
	"github.com/propack/propack/internal/logging"
)

var version = "dev"

type globals struct {
	logging logging.Config
	log     *logging.Logger
}

// NewRootCommand returns a fresh command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{logging: logging.Config{Level: logging.Info}}

	root := &cobra.Command{
		Use:           "propack",
		Short:         "Build resource packs from layered asset trees",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			g.log = logging.NewWriter(cmd.ErrOrStderr(), g.logging)
		},
	}
	flags.AddLogging(root.PersistentFlags(), &g.logging)

	root.AddCommand(
		newBuildCommand(g),
		newManifestCommand(g),
		newCacheCommand(g),
	)
	return root
}
