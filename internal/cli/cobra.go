package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"astroseq/internal/config"
	"astroseq/internal/engine"
	"astroseq/internal/frame"
	"astroseq/internal/framestore"
	"astroseq/internal/ops"
	"astroseq/internal/sequence"
	"astroseq/internal/server"
	"astroseq/internal/stack"
	"astroseq/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, eng *engine.Engine) *cobra.Command {
	root := NewRoot(cfg, log, store, eng)

	rootCmd := &cobra.Command{
		Use:   "astroseq",
		Short: "astroseq processes astronomical image sequences",
		Long: `astroseq runs parallel per-frame operations over FITS, FITS cube
and SER backed frame sequences: quality measurement, cosmetic and
banding correction, format conversion, and stacking.`,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newCosmeticCmd(root))
	rootCmd.AddCommand(newBandingCmd(root))
	rootCmd.AddCommand(newStatsCmd(root))
	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// selectionFlags are the frame-selection options shared by most
// subcommands.
type selectionFlags struct {
	includeAll   bool
	minQuality   float64
	maxFWHM      float64
	minRoundness float64
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.includeAll, "all", false, "process every frame, including deselected ones")
	cmd.Flags().Float64Var(&f.minQuality, "min-quality", 0, "only frames with quality above this value")
	cmd.Flags().Float64Var(&f.maxFWHM, "max-fwhm", 0, "only frames with FWHM below this value")
	cmd.Flags().Float64Var(&f.minRoundness, "min-roundness", 0, "only frames with roundness above this value")
}

func (f *selectionFlags) filter() sequence.Filter {
	if f.includeAll {
		return sequence.All()
	}
	filters := []sequence.Filter{sequence.Included()}
	if f.minQuality > 0 {
		filters = append(filters, sequence.MinQuality(f.minQuality))
	}
	if f.maxFWHM > 0 {
		filters = append(filters, sequence.MaxFWHM(f.maxFWHM))
	}
	if f.minRoundness > 0 {
		filters = append(filters, sequence.MinRoundness(f.minRoundness))
	}
	return sequence.MultiFilter(filters...)
}

// outputFlags place per-frame job output.
type outputFlags struct {
	dir       string
	prefix    string
	container string
}

func (f *outputFlags) register(cmd *cobra.Command, defaultPrefix string) {
	cmd.Flags().StringVarP(&f.dir, "output-dir", "o", "", "output directory (defaults to the input's)")
	cmd.Flags().StringVar(&f.prefix, "prefix", defaultPrefix, "prefix for output frame or container names")
	cmd.Flags().StringVar(&f.container, "container", "", "force container output (fits-cube|ser)")
}

func (f *outputFlags) spec() (*engine.OutputSpec, error) {
	spec := &engine.OutputSpec{
		Prefix:    f.prefix,
		Directory: f.dir,
	}
	switch f.container {
	case "":
	case "fits-cube", "cube":
		spec.ForceContainer = true
		spec.ContainerFormat = framestore.FITSCube
	case "ser":
		spec.ForceContainer = true
		spec.ContainerFormat = framestore.SERVideo
	default:
		return nil, fmt.Errorf("unknown container format %q", f.container)
	}
	return spec, nil
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		sel       selectionFlags
		method    string
		output    string
		sigmaLow  float64
		sigmaHigh float64
		normalize bool
	)

	cmd := &cobra.Command{
		Use:   "stack <sequence>",
		Short: "Stack the selected frames of a sequence into one image",
		Long: `Combine the selected frames of a sequence into a single FITS image.

Examples:
  # Sigma-clipped mean of the good frames
  astroseq stack lights/ --method sigma-clip --min-quality 0.5 -o result.fit

  # Plain average of everything
  astroseq stack capture.ser --method mean --all -o result.fit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			m, err := stack.ParseMethod(method)
			if err != nil {
				return err
			}
			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			st := stack.NewStacker(stack.Options{
				Method:            m,
				SigmaLow:          sigmaLow,
				SigmaHigh:         sigmaHigh,
				NormalizeExposure: normalize,
				Output:            output,
			}, root.log)
			job := stack.NewJob(seq, sel.filter(), st)
			return root.runJob(ctx, job, "stack", map[string]any{
				"method": method, "output": output,
			})
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVarP(&method, "method", "m", "mean", "stacking method (mean|median|sigma-clip|winsorized|min|max)")
	cmd.Flags().StringVarP(&output, "output", "o", "stacked.fit", "path of the stacked FITS image")
	cmd.Flags().Float64Var(&sigmaLow, "sigma-low", 3, "lower rejection bound in sigma")
	cmd.Flags().Float64Var(&sigmaHigh, "sigma-high", 3, "upper rejection bound in sigma")
	cmd.Flags().BoolVar(&normalize, "normalize-exposure", false, "scale frames by exposure before stacking")
	return cmd
}

func newCosmeticCmd(root *Root) *cobra.Command {
	var (
		sel       selectionFlags
		out       outputFlags
		sigmaHot  float64
		sigmaCold float64
	)

	cmd := &cobra.Command{
		Use:   "cosmetic <sequence>",
		Short: "Replace hot and cold pixels across a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			spec, err := out.spec()
			if err != nil {
				return err
			}
			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			job := &engine.Job{
				Name:     "cosmetic",
				Seq:      seq,
				Filter:   sel.filter(),
				Image:    &ops.Cosmetic{SigmaHot: sigmaHot, SigmaCold: sigmaCold},
				Output:   spec,
				Parallel: true,
			}
			return root.runJob(ctx, job, "cosmetic", map[string]any{
				"sigmaHot": sigmaHot, "sigmaCold": sigmaCold,
			})
		},
	}

	sel.register(cmd)
	out.register(cmd, "cc_")
	cmd.Flags().Float64Var(&sigmaHot, "sigma-hot", 3, "hot pixel threshold in sigma (0 disables)")
	cmd.Flags().Float64Var(&sigmaCold, "sigma-cold", 3, "cold pixel threshold in sigma (0 disables)")
	return cmd
}

func newBandingCmd(root *Root) *cobra.Command {
	var (
		sel      selectionFlags
		out      outputFlags
		amount   float64
		vertical bool
	)

	cmd := &cobra.Command{
		Use:   "banding <sequence>",
		Short: "Remove row or column banding across a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			spec, err := out.spec()
			if err != nil {
				return err
			}
			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			job := &engine.Job{
				Name:     "banding",
				Seq:      seq,
				Filter:   sel.filter(),
				Image:    &ops.Banding{Amount: amount, Vertical: vertical},
				Output:   spec,
				Parallel: true,
			}
			return root.runJob(ctx, job, "banding", map[string]any{
				"amount": amount, "vertical": vertical,
			})
		},
	}

	sel.register(cmd)
	out.register(cmd, "bkg_")
	cmd.Flags().Float64Var(&amount, "amount", 1, "fraction of the measured offset to remove")
	cmd.Flags().BoolVar(&vertical, "vertical", false, "correct columns instead of rows")
	return cmd
}

func newStatsCmd(root *Root) *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "stats <sequence>",
		Short: "Measure per-frame quality metrics",
		Long: `Measure quality, FWHM and roundness for each selected frame, store
them in the frame database, and print a summary table.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			st := &ops.FrameStats{
				Persist: func(index int, stats frame.Stats) error {
					return root.store.SaveFrameStats(seq.Name, storage.FrameRecord{
						Index:    index,
						Stats:    stats,
						Included: seq.Frames[index].Included,
					})
				},
			}
			job := &engine.Job{
				Name:     "stats",
				Seq:      seq,
				Filter:   sel.filter(),
				Prepare:  st,
				Image:    st,
				Finalize: st,
				Parallel: true,
			}
			if err := root.runJob(ctx, job, "stats", nil); err != nil {
				return err
			}
			printFrameTable(seq)
			return nil
		},
	}

	sel.register(cmd)
	return cmd
}

func newConvertCmd(root *Root) *cobra.Command {
	var (
		out outputFlags
	)

	cmd := &cobra.Command{
		Use:   "convert <sequence>",
		Short: "Convert a sequence between backing formats",
		Long: `Rewrite a sequence into another backing: individual FITS files,
a FITS cube, or a SER video. All frames are carried over, including
deselected ones.

Examples:
  astroseq convert lights/ --container fits-cube
  astroseq convert capture.ser --container fits-cube --prefix conv_`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			spec, err := out.spec()
			if err != nil {
				return err
			}
			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			job := &engine.Job{
				Name:     "convert",
				Seq:      seq,
				Filter:   sequence.All(),
				Image:    ops.Convert{},
				Output:   spec,
				Parallel: true,
			}
			return root.runJob(ctx, job, "convert", map[string]any{
				"container": out.container,
			})
		},
	}

	out.register(cmd, "conv_")
	return cmd
}

func newInfoCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <sequence>",
		Short: "Show a sequence's shape and stored frame metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := root.openSequence(args[0])
			if err != nil {
				return err
			}
			defer seq.Close()

			// Merge in previously measured metrics.
			if recs, err := root.store.LoadFrameStats(seq.Name); err == nil {
				for _, rec := range recs {
					if rec.Index < seq.FrameCount() {
						seq.Frames[rec.Index].Stats = rec.Stats
					}
				}
			}

			geom, err := seq.Store().Geometry()
			if err != nil {
				return err
			}
			fmt.Printf("sequence: %s\n", seq.Name)
			fmt.Printf("format:   %s\n", seq.Format)
			fmt.Printf("frames:   %d (%d selected)\n", seq.FrameCount(), seq.Selnum)
			fmt.Printf("geometry: %dx%d, %d channel(s), %d bits\n",
				geom.Width, geom.Height, geom.Channels, geom.BitsPerSample)
			printFrameTable(seq)
			return nil
		},
	}
	return cmd
}

func printFrameTable(seq *sequence.Sequence) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "frame\tselected\tquality\tfwhm\troundness")
	for i, fm := range seq.Frames {
		sel := " "
		if fm.Included {
			sel = "x"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i, sel,
			metric(fm.Stats.Quality), metric(fm.Stats.FWHM), metric(fm.Stats.Roundness))
	}
	w.Flush()
}

func metric(v float64) string {
	if v != v { // NaN means never measured
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job server",
		Long: `Start an HTTP server exposing job submission, job inspection and a
websocket progress stream.

Examples:
  astroseq serve --addr :8780
  astroseq serve --addr :8780 --watch /data/capture`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			srv, err := server.New(addr, root.store, root.eng, watchPaths, root.log)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	cmd.Flags().StringArrayVar(&watchPaths, "watch", nil, "directories to watch for new frames")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("astroseq v1.0.0")
		},
	}
}
