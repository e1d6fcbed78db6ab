package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fogleman/gg"

	"github.com/dj-oyu/crosswalk-monitor/internal/config"
	"github.com/dj-oyu/crosswalk-monitor/internal/detect"
	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
	"github.com/dj-oyu/crosswalk-monitor/internal/source"
)

func main() {
	cfg, outDir, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, outDir); err != nil {
		log.Fatalf("annotate: %v", err)
	}
}

// parseFlags reads the config file if one was given and applies the flags
// that were set explicitly. It returns the output directory as well.
func parseFlags(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	var (
		configPath string
		framesDir  string
		outDir     string
		logLevel   string
		logColor   bool
	)

	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&framesDir, "frames", "", "Directory of frames to annotate (default: source.dir of the config)")
	fs.StringVar(&outDir, "out", "./annotated", "Output directory for annotated PNGs")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frames":
			cfg.Source.Dir = framesDir
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-color":
			cfg.LogColor = logColor
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, outDir, nil
}

func run(ctx context.Context, cfg *config.Config, outDir string) error {
	src, err := source.NewDir(cfg.Source.Dir, false)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	pedestrians, err := detect.StartWorker(cfg.PedestrianDetector.WorkerConfig("PedestrianWorker"))
	if err != nil {
		return err
	}
	defer pedestrians.Close()
	zones, err := detect.StartWorker(cfg.ZoneDetector.WorkerConfig("ZoneWorker"))
	if err != nil {
		return err
	}
	defer zones.Close()

	processor, err := pipeline.NewProcessor(pedestrians, zones, cfg.Pipeline())
	if err != nil {
		return err
	}

	logger.Info("Main", "Annotating %d frame(s) from %s into %s", src.Len(), cfg.Source.Dir, outDir)

	var total, onZone, degraded int
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Main", "Skipping unreadable frame: %v", err)
			continue
		}

		res := processor.ProcessFrame(ctx, frame.Image)
		name := strings.TrimSuffix(filepath.Base(frame.Source), filepath.Ext(frame.Source)) + "_annotated.png"
		if err := gg.SavePNG(filepath.Join(outDir, name), res.Annotated); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}

		status := "ok"
		if res.Degraded {
			status = "degraded: " + res.Err.Error()
			degraded++
		}
		fmt.Printf("%s\tpedestrians=%d\ton_crosswalk=%d\tzones=%d\t%s\n",
			filepath.Base(frame.Source), res.PedestrianCount, res.OnZoneCount(), len(res.Zones), status)

		total += res.PedestrianCount
		onZone += res.OnZoneCount()
	}

	logger.Info("Main", "Done: %d pedestrian(s), %d on crosswalk, %d degraded frame(s)", total, onZone, degraded)
	return nil
}
