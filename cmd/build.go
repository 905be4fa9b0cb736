package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/propack/propack/cmd/internal/flags"
	"github.com/propack/propack/internal/builder"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/service"
)

type buildParams struct {
	configFiles []string
	watch       bool
	interval    time.Duration
	fresh       bool
	noProgress  bool
	metricsFile string
}

func newBuildCommand(g *globals) *cobra.Command {
	var params buildParams

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the packs of a project into an archive and manifest",
		Long: `Build merges the packs of the project file in declaration order, runs
the processing pipeline on every asset and writes the archive, its SHA-1 and
the manifest to the output directory.

With --watch the project is rebuilt whenever the project file or a local root
changes, and at every interval to pick up new commits of git roots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, g, params)
		},
	}

	flags.AddConfig(cmd.Flags(), &params.configFiles)
	cmd.Flags().BoolVarP(&params.watch, "watch", "w", false, "Rebuild on changes until interrupted")
	cmd.Flags().DurationVar(&params.interval, "interval", 0, "Interval between builds in watch mode (defaults to the project file's)")
	cmd.Flags().BoolVar(&params.fresh, "fresh", false, "Wipe git checkouts before the first build")
	cmd.Flags().BoolVar(&params.noProgress, "no-progress", false, "Do not render the progress bar")
	cmd.Flags().StringVar(&params.metricsFile, "metrics-file", "", "Write build metrics in the Prometheus text format to this file")
	return cmd
}

func runBuild(cmd *cobra.Command, g *globals, params buildParams) error {
	var progress io.Writer
	if !params.noProgress {
		progress = cmd.ErrOrStderr()
	}

	if params.watch {
		if len(params.configFiles) != 1 {
			return errors.New("watch mode takes a single project file")
		}
		return service.Watch(cmd.Context(), params.configFiles[0], g.log, service.WatchOptions{
			Interval: params.interval,
			Progress: progress,
			Fresh:    params.fresh,
			OnBuild: func(s service.Status) {
				if s.State == service.BuildStateSuccess {
					printDelta(cmd.OutOrStdout(), s)
				}
				writeMetrics(g, params.metricsFile)
			},
		})
	}

	root, err := config.ParseFiles(params.configFiles)
	if err != nil {
		return err
	}

	project := service.NewProject(root, g.log).WithFresh(params.fresh)
	if progress != nil {
		project.WithProgress(progress)
	}

	result, err := project.Build(cmd.Context())
	writeMetrics(g, params.metricsFile)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), result)
	return nil
}

func printResult(w io.Writer, r *builder.Result) {
	fmt.Fprintf(w, "archive:   %s\n", r.Archive)
	fmt.Fprintf(w, "sha1:      %s\n", r.SHA1)
	fmt.Fprintf(w, "manifest:  %s\n", r.ManifestPath)
	fmt.Fprintf(w, "digest:    %s\n", r.Digest)
	fmt.Fprintf(w, "assets:    %d\n", len(r.Manifest.Entries))
	fmt.Fprintf(w, "overrides: %d\n", len(r.Overrides))
	fmt.Fprintf(w, "cached:    %d/%d\n", r.Hits, r.Hits+r.Misses)
}

func printDelta(w io.Writer, s service.Status) {
	d := s.Delta
	fmt.Fprintf(w, "%s %s: %d added, %d changed, %d removed\n",
		time.Now().Format(time.TimeOnly), s.Result.Digest, len(d.Added), len(d.Changed), len(d.Removed))
}

func writeMetrics(g *globals, path string) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		g.log.Warnf("metrics: %v", err)
	}
}
