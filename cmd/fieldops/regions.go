package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func regionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Manage downloaded regions",
	}
	cmd.AddCommand(regionsListCmd(opts))
	cmd.AddCommand(regionsDeleteCmd(opts))
	return cmd
}

func regionsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List downloaded regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			out := cmd.OutOrStdout()
			regions := a.Cache.DownloadedRegions(cmd.Context())
			if len(regions) == 0 {
				fmt.Fprintln(out, "No regions downloaded.")
				return nil
			}

			fmt.Fprintf(out, "Regions (%d):\n", len(regions))
			fmt.Fprintln(out, strings.Repeat("═", 72))
			for _, r := range regions {
				fmt.Fprintf(out, "%-11s %s\n", "ID:", r.ID)
				fmt.Fprintf(out, "%-11s %s\n", "Name:", r.Name)
				fmt.Fprintf(out, "%-11s %s\n", "Layer:", r.Layer)
				fmt.Fprintf(out, "%-11s N %.5f S %.5f E %.5f W %.5f\n", "Bounds:", r.Bounds.North, r.Bounds.South, r.Bounds.East, r.Bounds.West)
				fmt.Fprintf(out, "%-11s %d-%d\n", "Zoom:", r.MinZoom, r.MaxZoom)
				fmt.Fprintf(out, "%-11s %d (%s)\n", "Tiles:", r.TileCount, formatBytes(r.Size))
				fmt.Fprintf(out, "%-11s %s\n", "Downloaded:", r.DownloadedAt.Format("2006-01-02 15:04:05"))
				fmt.Fprintln(out, strings.Repeat("─", 72))
			}
			return nil
		},
	}
}

func regionsDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <region-id>",
		Short: "Delete a region and its tiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			if !a.Cache.DeleteRegion(cmd.Context(), args[0]) {
				return fmt.Errorf("region %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Region %s deleted.\n", args[0])
			return nil
		},
	}
}
