package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stemimage/pkg/analysis"
	"stemimage/pkg/config"
	"stemimage/pkg/logging"
	"stemimage/pkg/simulate"
	"stemimage/pkg/stem"
	"stemimage/pkg/visualization"
)

func main() {
	// A .env file is optional; it may set STEMIMAGE_CONFIG.
	_ = godotenv.Load()

	defaultConfig := os.Getenv("STEMIMAGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "stemimage.yaml"
	}

	// Parse command line arguments
	configPath := flag.String("config", defaultConfig, "YAML configuration file (defaults are used if missing)")
	rows := flag.Int("rows", 0, "Scan rows (overrides config)")
	columns := flag.Int("columns", 0, "Scan columns (overrides config)")
	inner := flag.Int("inner", 0, "Bright-field radius in detector pixels (overrides config)")
	outer := flag.Int("outer", 0, "Dark-field outer radius in detector pixels (overrides config)")
	workers := flag.Int("workers", 0, "Number of worker goroutines (overrides config)")
	outputDir := flag.String("output", "", "Directory for exported images (overrides config)")
	stream := flag.Bool("stream", false, "Feed blocks through a channel as a live acquisition would")
	shuffle := flag.Bool("shuffle", false, "Deliver simulated blocks out of order")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Only flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rows":
			cfg.Scan.Rows = *rows
		case "columns":
			cfg.Scan.Columns = *columns
		case "inner":
			cfg.Radii.Inner = *inner
		case "outer":
			cfg.Radii.Outer = *outer
		case "workers":
			cfg.Processing.Workers = *workers
		case "output":
			cfg.Output.Directory = *outputDir
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		return
	}

	logger, err := logging.NewLogger(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	header := color.New(color.FgCyan, color.Bold)
	header.Println("================================")
	header.Println("VIRTUAL STEM IMAGING")
	header.Println("================================")
	fmt.Printf("Scan: %dx%d positions, detector %s\n", cfg.Scan.Columns, cfg.Scan.Rows, cfg.Geometry())
	fmt.Printf("Bright field: r < %d, dark field: %d <= r < %d\n", cfg.Radii.Inner, cfg.Radii.Inner, cfg.Radii.Outer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sim := simulate.New(simulate.Options{
		Rows:             cfg.Scan.Rows,
		Columns:          cfg.Scan.Columns,
		Geometry:         cfg.Geometry(),
		FramesPerBlock:   cfg.Simulation.FramesPerBlock,
		BeamRadius:       cfg.Simulation.BeamRadius,
		BeamIntensity:    cfg.Simulation.BeamIntensity,
		ScatterIntensity: cfg.Simulation.ScatterIntensity,
		Seed:             cfg.Simulation.Seed,
		Shuffle:          *shuffle,
	})

	params := cfg.Params()
	params.Logger = logger
	if cfg.Output.Verbose {
		params.Progress = func(done, total int) {
			if total > 0 {
				fmt.Printf("\rReducing blocks: %.1f%% complete", float64(done)/float64(total)*100)
			} else {
				fmt.Printf("\rReducing blocks: %d done", done)
			}
		}
	}

	assembler, err := stem.NewAssembler(params)
	if err != nil {
		log.Fatalf("Invalid geometry: %v", err)
	}

	startTime := time.Now()
	var result *stem.Result
	if *stream {
		blocks := make(chan stem.Block, 4)
		go func() {
			if err := sim.Stream(ctx, blocks); err != nil {
				logger.Warn("acquisition stopped", zap.Error(err))
			}
		}()
		result, err = assembler.ProcessStream(ctx, blocks)
	} else {
		result, err = assembler.Process(ctx, sim.Blocks())
	}
	if cfg.Output.Verbose {
		fmt.Println() // New line after progress
	}
	elapsed := time.Since(startTime)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			color.Yellow("Assembly interrupted; unreached positions are zero")
		}
		var fe *stem.FrameError
		if errors.As(err, &fe) {
			color.Yellow("%d frame(s) rejected, first: %v", len(multierr.Errors(err)), fe)
		}
	}

	report := result.Report
	color.Green("Reduced %d frames from %d blocks in %.2f seconds", report.Frames, report.Blocks, elapsed.Seconds())
	logger.Info("assembly finished",
		zap.Int("blocks", report.Blocks),
		zap.Int("frames", report.Frames),
		zap.Int("rejected", report.Rejected),
		zap.Duration("elapsed", elapsed))

	printSummary("Bright field", analysis.Summarize(result.Image.Bright))
	printSummary("Dark field", analysis.Summarize(result.Image.Dark))
	fmt.Printf("Bright/dark correlation: %.3f\n", analysis.Correlation(result.Image))

	viewer := visualization.NewViewer(result.Image)
	paths, err := viewer.SaveAll(cfg.Output.Directory, cfg.Output.Formats)
	if err != nil {
		log.Fatalf("Failed to export images: %v", err)
	}
	fmt.Println("\nImages saved to:")
	for _, p := range paths {
		fmt.Printf("- %s\n", p)
	}
}

func printSummary(name string, s analysis.Summary) {
	color.New(color.Bold).Printf("%s:", name)
	fmt.Printf(" min %.0f, max %.0f, mean %.1f, std-dev %.1f\n", s.Min, s.Max, s.Mean, s.StdDev)
}
