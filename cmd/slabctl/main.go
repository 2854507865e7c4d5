package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/cshum/vipsgen/vips"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slabview/internal/logger"
	"slabview/internal/product"
	"slabview/internal/slab"
	"slabview/internal/storage"
)

type globalFlags struct {
	logLevel   string
	slabWidth  int
	slabHeight int
	slabOrder  string
	band       int
}

// Replaced in tests.
var (
	startVips = func() { vips.Startup(&vips.Config{ConcurrencyLevel: 1}) }
	stopVips  = vips.Shutdown
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "slabctl:", err)
		os.Exit(1)
	}
}

// run executes one slabctl command. libvips and the logger are released
// whether or not the command succeeds; cobra skips post-run hooks on error.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	var g globalFlags
	var log *zap.Logger
	vipsStarted := false

	defer func() {
		if vipsStarted {
			stopVips()
		}
		if log != nil {
			log.Sync()
		}
	}()

	root := &cobra.Command{
		Use:           "slabctl",
		Short:         "slabctl - inspect and convert rasters through a slab cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			var err error
			log, err = logger.New(g.logLevel, "console")
			if err != nil {
				return err
			}
			startVips()
			vipsStarted = true
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&g.slabWidth, "slab-width", 512, "slab width in pixels")
	root.PersistentFlags().IntVar(&g.slabHeight, "slab-height", 512, "slab height in pixels")
	root.PersistentFlags().StringVar(&g.slabOrder, "slab-order", "row", "slab order (row, column)")
	root.PersistentFlags().IntVar(&g.band, "band", 0, "band of a .slab source")

	root.AddCommand(
		infoCmd(),
		regionCmd(&g, &log),
		exportCmd(&g, &log),
	)
	root.SetArgs(args)
	root.SetOut(stdout)

	return root.ExecuteContext(ctx)
}

func openCache(g *globalFlags, path string, log *zap.Logger) (storage.Raster, *slab.Cache, error) {
	order, err := slab.ParseOrder(g.slabOrder)
	if err != nil {
		return nil, nil, err
	}
	raster, err := storage.Open(path, g.band)
	if err != nil {
		return nil, nil, err
	}
	c, err := slab.New(raster.Width(), raster.Height(), g.slabWidth, g.slabHeight, raster,
		slab.WithOrder(order), slab.WithLogger(log))
	if err != nil {
		raster.Close()
		return nil, nil, err
	}
	return raster, c, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <product.slab>",
		Short: "print the header of a .slab product",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			h, err := storage.ReadRawHeader(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "version: %d\nbands:   %d\nsize:    %dx%d\ntiles:   %dx%d\nbytes:   %d\n",
				h.Version, h.Bands, h.Width, h.Height, h.TileWidth, h.TileHeight, h.Size())
			return nil
		},
	}
}

func regionCmd(g *globalFlags, log **zap.Logger) *cobra.Command {
	var region slab.Rect
	var out string

	cmd := &cobra.Command{
		Use:   "region <raster>",
		Short: "read a rectangle through the slab cache and print its statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			raster, cache, err := openCache(g, args[0], *log)
			if err != nil {
				return err
			}
			defer raster.Close()

			if region.Width == 0 && region.Height == 0 {
				region = cache.Bounds()
			}
			region = region.Intersect(cache.Bounds())
			if region.Empty() {
				return fmt.Errorf("region lies outside the %s raster", cache.Bounds())
			}

			samples := make([]float32, region.Area())
			if err := cache.Read(c.Context(), region, samples); err != nil {
				return err
			}

			lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
			for _, v := range samples {
				f := float64(v)
				lo, hi, sum = math.Min(lo, f), math.Max(hi, f), sum+f
			}
			stats := cache.Stats()
			fmt.Fprintf(c.OutOrStdout(), "region: %s\nslabs:  %d (reads %d)\nmin:    %g\nmax:    %g\nmean:   %g\n",
				region, stats.Slabs, stats.Reads, lo, hi, sum/float64(len(samples)))

			if out != "" {
				if err := os.WriteFile(out, product.EncodeSamples(nil, samples), 0644); err != nil {
					return fmt.Errorf("failed to write samples: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&region.X, "x", 0, "region x")
	cmd.Flags().IntVar(&region.Y, "y", 0, "region y")
	cmd.Flags().IntVar(&region.Width, "w", 0, "region width (0 with h=0 reads the whole raster)")
	cmd.Flags().IntVar(&region.Height, "h", 0, "region height")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write little-endian float32 samples to this file")
	return cmd
}

func exportCmd(g *globalFlags, log **zap.Logger) *cobra.Command {
	var tileWidth, tileHeight, workers int
	var completeLines, deleteOnFailure bool

	cmd := &cobra.Command{
		Use:   "export <raster> <out.slab>",
		Short: "convert a raster into a .slab product",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			raster, cache, err := openCache(g, args[0], *log)
			if err != nil {
				return err
			}
			defer raster.Close()

			w, err := product.NewWriter(product.Config{
				Bands:                 1,
				Width:                 raster.Width(),
				Height:                raster.Height(),
				TileWidth:             tileWidth,
				TileHeight:            tileHeight,
				CompleteLines:         completeLines,
				DeleteOutputOnFailure: deleteOnFailure,
			}, product.NewRawWriter(args[1]), *log)
			if err != nil {
				return err
			}

			exportErr := product.Export(c.Context(), cache, w, 0, workers)
			if err := w.Close(); err != nil && exportErr == nil {
				exportErr = err
			}
			if exportErr != nil {
				return exportErr
			}

			stats := cache.Stats()
			fmt.Fprintf(c.OutOrStdout(), "wrote %s (%dx%d) from %d slab reads\n",
				args[1], raster.Width(), raster.Height(), stats.Reads)
			return nil
		},
	}
	cmd.Flags().IntVar(&tileWidth, "tile-width", 256, "product tile width")
	cmd.Flags().IntVar(&tileHeight, "tile-height", 256, "product tile height")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent tile workers")
	cmd.Flags().BoolVar(&completeLines, "complete-lines", true, "write only complete tile lines")
	cmd.Flags().BoolVar(&deleteOnFailure, "delete-on-failure", true, "delete the output when the export fails")
	return cmd
}
