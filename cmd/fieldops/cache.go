package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geoyee/fieldops/internal/util"
)

func statsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show tile cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			s := a.Cache.Stats(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tiles:        %d\n", s.TileCount)
			fmt.Fprintf(out, "Size:         %s of %s (%.1f%%)\n", formatBytes(s.TotalSize), formatBytes(s.QuotaBytes), s.UsedPercent)
			fmt.Fprintf(out, "Regions:      %d\n", s.RegionCount)
			if s.LastCleanup.IsZero() {
				fmt.Fprintln(out, "Last cleanup: never")
			} else {
				fmt.Fprintf(out, "Last cleanup: %s\n", s.LastCleanup.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func cleanupCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict expired tiles and trim the cache to its quota",
		Long: `Evict tiles past their TTL, then the oldest unprotected tiles until the
cache is at or below 80% of its quota. Zoom levels covered by a downloaded
region are never evicted. Without --force the pass is skipped when the last
one ran less than the cleanup interval ago.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			evicted, err := a.Cache.Cleanup(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d tiles.\n", evicted)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Run even if a cleanup ran recently")
	return cmd
}

func clearCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached tile and region",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprint(cmd.OutOrStdout(), "Remove all cached tiles and regions? Type 'yes' to confirm: ")
				var confirm string
				fmt.Fscanln(cmd.InOrStdin(), &confirm)
				if confirm != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}

			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			if err := a.Cache.ClearAllTiles(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func exportCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <region-id> <dir>",
		Short: "Write the cached tiles of a region to a directory",
		Long: `Write every cached tile of a downloaded region below dir.

Formats:
  zxy    dir/z/x/y.ext
  xyz    dir/x/y/z.ext
  z/x/y  dir/z/x/y.ext`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.EnsureDirExists(args[1]); err != nil {
				return err
			}
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			res, err := a.Cache.ExportRegion(cmd.Context(), args[0], args[1], format)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tiles (%s), %d missing from cache.\n", res.Written, formatBytes(res.Bytes), res.Missing)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "zxy", "Directory layout: zxy, xyz or z/x/y")
	return cmd
}
