package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/propack/propack/cmd/internal/flags"
	"github.com/propack/propack/internal/cache"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/logging"
)

type cacheParams struct {
	configFiles []string
	dir         string
	wait        bool
}

func newCacheCommand(g *globals) *cobra.Command {
	var params cacheParams

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the processing cache",
	}
	flags.AddConfig(cmd.PersistentFlags(), &params.configFiles)
	flags.AddCacheDir(cmd.PersistentFlags(), &params.dir)
	cmd.PersistentFlags().BoolVar(&params.wait, "wait", false, "Wait for a running build to release the cache")

	cmd.AddCommand(newCacheStatsCommand(g, &params), newCachePruneCommand(g, &params))
	return cmd
}

func newCacheStatsCommand(g *globals, params *cacheParams) *cobra.Command {
	var builds int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage per asset kind and the latest builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache(cmd.Context(), params, g.log)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			recent, err := c.Builds(cmd.Context(), builds)
			if err != nil {
				return err
			}
			return showStats(cmd.OutOrStdout(), stats, recent)
		},
	}
	cmd.Flags().IntVar(&builds, "builds", 10, "Number of recent builds to list")
	return cmd
}

func newCachePruneCommand(g *globals, params *cacheParams) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries not used recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}

			c, err := openCache(cmd.Context(), params, g.log)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Remove entries last used longer ago than this")
	return cmd
}

func openCache(ctx context.Context, params *cacheParams, log *logging.Logger) (*cache.Cache, error) {
	opts := cache.Options{Dir: params.dir, WaitForLock: params.wait, Log: log}

	if opts.Dir == "" {
		root, err := config.ParseFiles(params.configFiles)
		if err != nil {
			return nil, err
		}
		if opts.Dir = root.CacheDir(); opts.Dir == "" {
			return nil, fmt.Errorf("project %q has no cache", root.Name)
		}
		if root.Cache.Compression != "" {
			if opts.Compression, err = cache.ParseCompression(root.Cache.Compression); err != nil {
				return nil, err
			}
		}
	}

	return cache.Open(ctx, opts)
}

func showStats(w io.Writer, stats []cache.KindStats, builds []cache.Build) error {
	table := tablewriter.NewWriter(w)
	table.Header("Kind", "Entries", "Size", "Stored")
	var entries, size, stored int64
	for _, s := range stats {
		entries += s.Entries
		size += s.Size
		stored += s.StoredSize
		if err := table.Append([]string{kindName(s.Kind), strconv.FormatInt(s.Entries, 10), config.ByteSize(s.Size).String(), config.ByteSize(s.StoredSize).String()}); err != nil {
			return err
		}
	}
	if err := table.Append([]string{"total", strconv.FormatInt(entries, 10), config.ByteSize(size).String(), config.ByteSize(stored).String()}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(builds) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	table = tablewriter.NewWriter(w)
	table.Header("Build", "Pack", "Version", "Digest", "Assets", "Hits", "Misses", "Created")
	for _, b := range builds {
		if err := table.Append([]string{
			strconv.FormatInt(b.ID, 10),
			b.Pack,
			b.Version,
			short(b.Digest),
			strconv.FormatInt(b.Assets, 10),
			strconv.FormatInt(b.Hits, 10),
			strconv.FormatInt(b.Misses, 10),
			b.CreatedAt,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func kindName(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}
