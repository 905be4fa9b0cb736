package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/akedrou/textdiff"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/propack/propack/cmd/internal/flags"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/pkg/manifest"
)

func newManifestCommand(*globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect and compare build manifests",
	}
	cmd.AddCommand(newManifestShowCommand(), newManifestDiffCommand())
	return cmd
}

func newManifestShowCommand() *cobra.Command {
	var configFiles []string
	var kind string

	cmd := &cobra.Command{
		Use:   "show [manifest]",
		Short: "List the entries of a manifest",
		Long: `Show lists the entries of a manifest file. Without an argument it shows
the manifest of the last build of the project.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				var err error
				if path, err = projectManifest(configFiles); err != nil {
					return err
				}
			}

			m, err := manifest.Read(path)
			if err != nil {
				return err
			}
			return showManifest(cmd.OutOrStdout(), m, kind)
		},
	}
	flags.AddConfig(cmd.Flags(), &configFiles)
	cmd.Flags().StringVar(&kind, "kind", "", "Only list entries of this kind")
	return cmd
}

func newManifestDiffCommand() *cobra.Command {
	var unified bool

	cmd := &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Compare two manifests",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ms [2]*manifest.Manifest
			for i, path := range args {
				m, err := manifest.Read(path)
				if err != nil {
					return err
				}
				ms[i] = m
			}
			if unified {
				return unifiedDiff(cmd.OutOrStdout(), args, ms)
			}
			return showDelta(cmd.OutOrStdout(), manifest.Diff(ms[0], ms[1]))
		},
	}
	cmd.Flags().BoolVarP(&unified, "unified", "u", false, "Print a unified diff of the manifest files")
	return cmd
}

func projectManifest(configFiles []string) (string, error) {
	root, err := config.ParseFiles(configFiles)
	if err != nil {
		return "", err
	}
	return filepath.Join(root.OutputDir(), root.Name+".manifest.json"), nil
}

func showManifest(w io.Writer, m *manifest.Manifest, kind string) error {
	fmt.Fprintf(w, "pack:        %s\n", m.Pack)
	if m.Version != "" {
		fmt.Fprintf(w, "version:     %s\n", m.Version)
	}
	fmt.Fprintf(w, "pack format: %d\n", m.PackFormat)
	fmt.Fprintf(w, "digest:      %s\n\n", m.Digest)

	table := tablewriter.NewWriter(w)
	table.Header("Path", "Kind", "Size", "Digest")
	var total int64
	for _, e := range m.Entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		total += e.Size
		if err := table.Append([]string{e.Path, e.Kind, strconv.FormatInt(e.Size, 10), short(e.Digest)}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "total: %s\n", config.ByteSize(total))
	return err
}

func showDelta(w io.Writer, d manifest.Delta) error {
	if d.Empty() {
		_, err := fmt.Fprintln(w, "no changes")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("", "Path", "Kind", "Size", "Digest")
	for _, group := range []struct {
		mark    string
		entries []manifest.Entry
	}{
		{"+", d.Added},
		{"~", d.Changed},
		{"-", d.Removed},
	} {
		for _, e := range group.entries {
			if err := table.Append([]string{group.mark, e.Path, e.Kind, strconv.FormatInt(e.Size, 10), short(e.Digest)}); err != nil {
				return err
			}
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d added, %d changed, %d removed\n", len(d.Added), len(d.Changed), len(d.Removed))
	return err
}

func unifiedDiff(w io.Writer, names []string, ms [2]*manifest.Manifest) error {
	var texts [2]string
	for i, m := range ms {
		bs, err := m.Marshal()
		if err != nil {
			return err
		}
		texts[i] = string(bs)
	}

	diff := textdiff.Unified(names[0], names[1], texts[0], texts[1])
	if diff == "" {
		return nil
	}
	_, err := io.WriteString(w, diff)
	return err
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
