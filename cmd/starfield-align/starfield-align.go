package main

import (
	"context"
	"fmt"
	"image"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abworrall/starfield-align/pkg/framesource"
	"github.com/abworrall/starfield-align/pkg/logging"
	"github.com/abworrall/starfield-align/pkg/starfield"
)

// Values from the command line that apply to every subcommand.
type rootFlags struct {
	configFile string
	verbosity  int
	logLevel   string
	logFormat  string
	crop       string
	debugDir   string

	// Archive source
	archiveURL string
	imageURL   string
	cacheDir   string
	dbFile     string
	maxFetches int
	interval   time.Duration

	// Time window
	from string
	to   string
}

func main() {
	log.Printf("starfield-align starting\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "starfield-align",
		Short: "Align a sequence of flyby frames so the background stars stay still",
		Long: `starfield-align detects the stars in every frame, matches them against
the first frame, estimates the transform between them, and warps each frame
so the star field lines up. Frames that can't be aligned are skipped and
listed in the run report.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rf.configFile, "config", "c", "", "yaml config file (flags override it)")
	pf.IntVarP(&rf.verbosity, "verbosity", "v", -1, "how verbose to get (0,1,2)")
	pf.StringVar(&rf.logLevel, "log-level", "", "log level (debug|info|warn|error); overrides -v")
	pf.StringVar(&rf.logFormat, "log-format", "text", "log format (text|json)")
	pf.StringVar(&rf.crop, "crop", "", "crop rectangle x0,y0,x1,y1 applied to every frame")
	pf.StringVar(&rf.debugDir, "debugdir", "", "write star / match overlays into this dir")

	pf.StringVar(&rf.archiveURL, "archive", "", "archive index page URL, with %d for the page number")
	pf.StringVar(&rf.imageURL, "image-prefix", "", "prefix for full size archive image URLs")
	pf.StringVar(&rf.cacheDir, "cache", "data/images/input", "dir for downloaded archive images")
	pf.StringVar(&rf.dbFile, "db", "data/index.db", "sqlite file for the archive index")
	pf.IntVar(&rf.maxFetches, "max-fetches", 1000, "hard cap on HTTP requests to the archive")
	pf.DurationVar(&rf.interval, "fetch-interval", time.Second, "minimum gap between HTTP requests")

	pf.StringVar(&rf.from, "from", "", "start of time window (RFC3339)")
	pf.StringVar(&rf.to, "to", "", "end of time window (RFC3339, exclusive)")

	rootCmd.AddCommand(newAlignCmd(rf))
	rootCmd.AddCommand(newDetectCmd(rf))
	rootCmd.AddCommand(newFetchCmd(rf))
	rootCmd.AddCommand(newConfigCmd(rf))

	return rootCmd
}

// loadConfig builds the config: defaults, then the config file, then
// the flags.
func (rf *rootFlags) loadConfig() (starfield.Config, error) {
	cfg := starfield.NewConfig()
	if rf.configFile != "" {
		c, err := starfield.LoadConfig(rf.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}

	if rf.verbosity >= 0 {
		cfg.Verbosity = rf.verbosity
	}
	if rf.debugDir != "" {
		cfg.DebugDir = rf.debugDir
	}
	if rf.crop != "" {
		r, err := parseRect(rf.crop)
		if err != nil {
			return cfg, err
		}
		cfg.Crop = r
	}

	return cfg, cfg.Validate()
}

func (rf *rootFlags) logger(cfg starfield.Config) *slog.Logger {
	return logging.New(logging.LevelForVerbosity(cfg.Verbosity, rf.logLevel), rf.logFormat)
}

func (rf *rootFlags) window() (starfield.TimeRange, error) {
	tr := starfield.TimeRange{}
	var err error
	if rf.from != "" {
		if tr.From, err = time.Parse(time.RFC3339, rf.from); err != nil {
			return tr, fmt.Errorf("--from: %w", err)
		}
	}
	if rf.to != "" {
		if tr.To, err = time.Parse(time.RFC3339, rf.to); err != nil {
			return tr, fmt.Errorf("--to: %w", err)
		}
	}
	return tr, nil
}

func (rf *rootFlags) archive(log *slog.Logger) (*framesource.Archive, error) {
	if rf.archiveURL == "" {
		return nil, fmt.Errorf("no --archive URL given")
	}
	if err := os.MkdirAll(filepath.Dir(rf.dbFile), 0755); err != nil {
		return nil, err
	}
	store, err := framesource.OpenStore(rf.dbFile)
	if err != nil {
		return nil, err
	}

	acfg := framesource.NewArchiveConfig()
	acfg.PageURL = rf.archiveURL
	acfg.ImagePrefix = rf.imageURL
	acfg.CacheDir = rf.cacheDir
	acfg.MaxFetches = rf.maxFetches
	acfg.MinInterval = rf.interval

	return framesource.NewArchive(acfg, store, log), nil
}

func parseRect(s string) (image.Rectangle, error) {
	var x0, y0, x1, y1 int
	if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &x0, &y0, &x1, &y1); err != nil {
		return image.Rectangle{}, fmt.Errorf("crop '%s' not x0,y0,x1,y1: %w", s, err)
	}
	r := image.Rect(x0, y0, x1, y1)
	if r.Empty() {
		return r, fmt.Errorf("crop '%s' is empty", s)
	}
	return r, nil
}

// Values from the command line that override the config file, for
// the align subcommand.
type alignFlags struct {
	output    string
	format    string
	workers   int
	seed      int64
	model     string
	radius    float64
	tolerance float64
	chain     bool
	minStars  int
	stack     time.Duration
}

func (af *alignFlags) register(cmd *cobra.Command) {
	def := starfield.NewConfig()
	cmd.Flags().StringVarP(&af.output, "out", "o", "data/images/aligned", "output dir")
	cmd.Flags().StringVar(&af.format, "format", "png", "output format (png|tiff)")
	cmd.Flags().IntVar(&af.workers, "workers", def.Pipeline.Workers, "worker goroutines (0 = GOMAXPROCS)")
	cmd.Flags().Int64Var(&af.seed, "seed", def.Pipeline.Seed, "random seed for the estimator")
	cmd.Flags().StringVar(&af.model, "model", string(def.Estimator.Model), "transform model (rigid|similarity|affine)")
	cmd.Flags().Float64Var(&af.radius, "radius", def.Matcher.Radius, "star match radius, in pixels")
	cmd.Flags().Float64Var(&af.tolerance, "tolerance", def.Estimator.Tolerance, "inlier tolerance, in pixels")
	cmd.Flags().BoolVar(&af.chain, "chain", def.Pipeline.Chain, "retry failed frames against recently aligned frames")
	cmd.Flags().IntVar(&af.minStars, "minstars", def.Detector.MinStars, "skip frames with fewer stars than this")
	cmd.Flags().DurationVar(&af.stack, "stack", def.Pipeline.StackInterval, "average output frames taken this close together (e.g. 4h)")
}

// apply copies over the flags that were given explicitly.
func (af *alignFlags) apply(cmd *cobra.Command, cfg *starfield.Config) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Pipeline.Workers = af.workers
	}
	if flags.Changed("seed") {
		cfg.Pipeline.Seed = af.seed
	}
	if flags.Changed("chain") {
		cfg.Pipeline.Chain = af.chain
	}
	if flags.Changed("stack") {
		cfg.Pipeline.StackInterval = af.stack
	}
	if flags.Changed("model") {
		cfg.Estimator.Model = starfield.Model(af.model)
	}
	if flags.Changed("radius") {
		cfg.Matcher.Radius = af.radius
	}
	if flags.Changed("tolerance") {
		cfg.Estimator.Tolerance = af.tolerance
	}
	if flags.Changed("minstars") {
		cfg.Detector.MinStars = af.minStars
	}
	return cfg.Validate()
}

func newAlignCmd(rf *rootFlags) *cobra.Command {
	af := &alignFlags{}

	cmd := &cobra.Command{
		Use:   "align [files or dirs...]",
		Short: "Align frames from files/dirs, or from the archive if none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			if err := af.apply(cmd, &cfg); err != nil {
				return err
			}

			log := rf.logger(cfg)
			if cfg.Verbosity > 0 {
				log.Debug("final configuration", "yaml", cfg.AsYaml())
			}

			window, err := rf.window()
			if err != nil {
				return err
			}

			var src starfield.FrameSource
			if len(args) > 0 {
				src = framesource.NewDirSource(args...)
			} else {
				arc, err := rf.archive(log)
				if err != nil {
					return err
				}
				defer arc.Store.Close()
				src = arc
			}

			w, err := framesource.NewWriter(af.output, af.format)
			if err != nil {
				return err
			}

			aligner := starfield.NewAligner(cfg, log)
			res, alignErr := aligner.AlignSource(cmd.Context(), src, window, cfg.Crop)
			if res == nil {
				return alignErr
			}

			files, err := w.WriteResult(res, cfg)
			if err != nil {
				return err
			}

			fmt.Printf("aligned %d frames into %d files in %s, skipped %d\n", len(res.Frames), len(files), af.output, len(res.Skipped))
			for _, s := range res.Skipped {
				fmt.Printf("  %s\n", s)
			}
			return alignErr
		},
	}

	af.register(cmd)

	return cmd
}

func newDetectCmd(rf *rootFlags) *cobra.Command {
	var overlay string

	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "List the stars detected in one frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}

			f, err := framesource.LoadFrame(args[0])
			if err != nil {
				return err
			}
			if f, err = f.Crop(cfg.Crop); err != nil {
				return err
			}

			pts := starfield.NewDetector(cfg.Detector).Detect(f)
			fmt.Printf("%s\n%s\n", f, pts)

			if overlay != "" {
				return starfield.WriteStarOverlay(overlay, f, pts)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&overlay, "overlay", "", "write a PNG with the stars circled")
	return cmd
}

func newFetchCmd(rf *rootFlags) *cobra.Command {
	var images bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Update the archive index, and optionally download the images in the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			log := rf.logger(cfg)

			arc, err := rf.archive(log)
			if err != nil {
				return err
			}
			defer arc.Store.Close()

			n, err := arc.UpdateIndex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d new index entries\n", n)

			if !images {
				return nil
			}
			window, err := rf.window()
			if err != nil {
				return err
			}
			acq, err := arc.Fetch(cmd.Context(), window)
			if err != nil {
				return err
			}
			failed := 0
			for _, a := range acq {
				if a.Err != nil {
					failed++
					fmt.Printf("  %s: %v\n", a.Name, a.Err)
				}
			}
			fmt.Printf("%d images in window, %d failed, %d requests made\n", len(acq), failed, arc.Fetches())
			return nil
		},
	}

	cmd.Flags().BoolVar(&images, "images", false, "also download the images in the time window")
	return cmd
}

func newConfigCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			fmt.Print(cfg.AsYaml())
			return nil
		},
	}
}
