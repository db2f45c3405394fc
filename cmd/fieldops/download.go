package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/geoyee/fieldops/internal/config"
	"github.com/geoyee/fieldops/internal/download"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/tilecache"
)

type regionFlags struct {
	north, south, east, west float64
	minZoom, maxZoom         int
}

func (f *regionFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.north, "north", 0, "[Required] Northern latitude")
	cmd.Flags().Float64Var(&f.south, "south", 0, "[Required] Southern latitude")
	cmd.Flags().Float64Var(&f.east, "east", 0, "[Required] Eastern longitude")
	cmd.Flags().Float64Var(&f.west, "west", 0, "[Required] Western longitude")
	cmd.Flags().IntVar(&f.minZoom, "min-zoom", 10, "Minimum zoom level")
	cmd.Flags().IntVar(&f.maxZoom, "max-zoom", 16, "Maximum zoom level")
	for _, name := range []string{"north", "south", "east", "west"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *regionFlags) bounds() model.Bounds {
	return model.Bounds{North: f.north, South: f.south, East: f.east, West: f.west}
}

func downloadCmd(opts *globalOptions) *cobra.Command {
	var (
		region  regionFlags
		id      string
		name    string
		layer   string
		workers int
		retries int
		rate    int
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a region into the tile cache",
		Long: `Download every tile of a bounding box and zoom range into the cache and
record the region so its zoom levels survive cleanup.

Interrupting the command cancels the download; tiles already fetched stay
cached but no region is recorded.

Examples:
  fieldops download --name "Clinic area" --north 9.10 --south 9.00 --east 7.55 --west 7.40
  fieldops download --layer satellite --min-zoom 12 --max-zoom 17 --workers 8 ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("workers") {
					cfg.Download.Workers = workers
				}
				if cmd.Flags().Changed("retries") {
					cfg.Download.Retries = retries
				}
				if cmd.Flags().Changed("rate") {
					cfg.Download.RateLimit = rate
				}
			})
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			if id == "" {
				id = uuid.NewString()
			}
			if name == "" {
				name = id
			}
			req := download.Request{
				ID:      id,
				Name:    name,
				Layer:   layer,
				Bounds:  region.bounds(),
				MinZoom: region.minZoom,
				MaxZoom: region.maxZoom,
			}

			return runDownload(cmd, req, func(ctx context.Context, onProgress func(model.DownloadProgress)) (*download.Result, error) {
				return a.Downloader.DownloadRegion(ctx, req, onProgress)
			})
		},
	}

	region.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "Region ID (default: random UUID)")
	cmd.Flags().StringVar(&name, "name", "", "Region name (default: the ID)")
	cmd.Flags().StringVar(&layer, "layer", tilecache.LayerStandard, "Tile layer")
	cmd.Flags().IntVar(&workers, "workers", download.DefaultWorkers, "Number of concurrent workers")
	cmd.Flags().IntVar(&retries, "retries", 3, "Extra attempts on network errors")
	cmd.Flags().IntVar(&rate, "rate", 10, "Requests per second, 0 for unlimited")

	return cmd
}

// runDownload 执行 fn 直到完成或进程被中断, 进度输出到 stderr, 汇总输出到 stdout
func runDownload(cmd *cobra.Command, req download.Request, fn func(context.Context, func(model.DownloadProgress)) (*download.Result, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errOut := cmd.ErrOrStderr()
	last := -1
	result, err := fn(ctx, func(p model.DownloadProgress) {
		pct := p.Attempted() * 100 / p.Total
		if pct != last {
			last = pct
			fmt.Fprintf(errOut, "\r%3d%% %d/%d tiles, %d failed, %s", pct, p.Attempted(), p.Total, p.Failed, formatBytes(p.DownloadedSize))
		}
	})
	if last >= 0 {
		fmt.Fprintln(errOut)
	}
	if result == nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := result.Summary
	fmt.Fprintf(out, "Region:    %s (%s)\n", req.Name, req.ID)
	fmt.Fprintf(out, "Tiles:     %d ok, %d cached, %d failed of %d\n", s.Success, s.Cached, s.Failed, s.Total)
	fmt.Fprintf(out, "Retries:   %d\n", s.Retries)
	fmt.Fprintf(out, "Fetched:   %s at %.1f KB/s\n", formatBytes(s.Bytes), s.AvgKBPerSec)
	for category, count := range result.Errors {
		fmt.Fprintf(out, "Error:     %s x%d\n", category, count)
	}
	if errors.Is(err, download.ErrCancelled) {
		fmt.Fprintln(out, "Download cancelled, region not recorded.")
	}
	return err
}

func prefetchCmd(opts *globalOptions) *cobra.Command {
	var (
		req     download.PrefetchRequest
		workers int
	)

	cmd := &cobra.Command{
		Use:   "prefetch",
		Short: "Download the area around a location",
		Long: `Download the tiles within a radius of a point and record them as a region.

Examples:
  fieldops prefetch --lat 9.0579 --lon 7.4951
  fieldops prefetch --lat 9.0579 --lon 7.4951 --radius-km 2 --min-zoom 12 --max-zoom 17`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("workers") {
					cfg.Download.Workers = workers
				}
			})
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			region, err := req.Request()
			if err != nil {
				return err
			}
			return runDownload(cmd, region, func(ctx context.Context, onProgress func(model.DownloadProgress)) (*download.Result, error) {
				return a.Downloader.PrefetchAround(ctx, req, onProgress)
			})
		},
	}

	cmd.Flags().Float64Var(&req.Latitude, "lat", 0, "[Required] Center latitude")
	cmd.Flags().Float64Var(&req.Longitude, "lon", 0, "[Required] Center longitude")
	cmd.Flags().Float64Var(&req.RadiusKm, "radius-km", download.DefaultPrefetchRadiusKm, "Radius around the center in km")
	cmd.Flags().IntVar(&req.MinZoom, "min-zoom", download.DefaultPrefetchMinZoom, "Minimum zoom level")
	cmd.Flags().IntVar(&req.MaxZoom, "max-zoom", download.DefaultPrefetchMaxZoom, "Maximum zoom level")
	cmd.Flags().StringVar(&req.ID, "id", "", "Region ID (default: derived from the center)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Region name")
	cmd.Flags().StringVar(&req.Layer, "layer", tilecache.LayerStandard, "Tile layer")
	cmd.Flags().IntVar(&workers, "workers", download.DefaultWorkers, "Number of concurrent workers")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")

	return cmd
}

func estimateCmd(opts *globalOptions) *cobra.Command {
	var region regionFlags

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate tile count and size of a region",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd, nil)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			calc := a.Cache.Calculator()
			if err := calc.ValidateZoomRange(region.minZoom, region.maxZoom); err != nil {
				return err
			}
			if err := calc.ValidateBounds(region.bounds()); err != nil {
				return err
			}
			est := a.Cache.EstimateDownloadSize(region.bounds(), region.minZoom, region.maxZoom)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tiles:     %d\n", est.TileCount)
			fmt.Fprintf(out, "Estimated: %.2f MB\n", est.EstimatedSizeMB)
			if est.EstimatedBytes > a.Cache.QuotaBytes() {
				fmt.Fprintf(out, "Warning:   exceeds cache quota of %s\n", formatBytes(a.Cache.QuotaBytes()))
			}
			return nil
		},
	}
	region.register(cmd)
	return cmd
}
