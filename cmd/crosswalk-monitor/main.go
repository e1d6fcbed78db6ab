package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/crosswalk-monitor/internal/config"
	"github.com/dj-oyu/crosswalk-monitor/internal/detect"
	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/internal/metrics"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
	"github.com/dj-oyu/crosswalk-monitor/internal/recorder"
	"github.com/dj-oyu/crosswalk-monitor/internal/source"
	"github.com/dj-oyu/crosswalk-monitor/internal/webmonitor"
	"github.com/dj-oyu/crosswalk-monitor/pkg/types"
)

var (
	// Command-line flags, applied over the config file when set
	configPath  = flag.String("config", "", "YAML configuration file")
	framesDir   = flag.String("frames", "", "Directory of frames to analyse")
	fps         = flag.Int("fps", 0, "Frames per second read from the source (0 = as fast as possible)")
	loop        = flag.Bool("loop", false, "Restart from the first frame at the end of the directory")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	recordPath  = flag.String("record-path", "", "Recording output path")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server is the crosswalk occupancy daemon
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cfg        *config.Config
	metrics    *metrics.Metrics
	source     *source.Dir
	workers    []*detect.Worker
	processor  *pipeline.Processor
	monitor    *webmonitor.Server
	recorder   *recorder.Recorder
	httpServer *http.Server

	// Channels for goroutine communication
	processChan  chan *types.Frame
	monitorChan  chan pipeline.Result
	recorderChan chan pipeline.Result
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Crosswalk monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// loadConfig reads the config file if one was given and applies the flags
// that were set explicitly.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frames":
			cfg.Source.Dir = *framesDir
		case "fps":
			cfg.Source.FPS = *fps
		case "loop":
			cfg.Source.Loop = *loop
		case "http":
			cfg.Monitor.Addr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "record-path":
			cfg.Recording.OutputPath = *recordPath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewServer creates the daemon and starts its detector workers
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	src, err := source.NewDir(cfg.Source.Dir, cfg.Source.Loop)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open frame source: %w", err)
	}

	pedestrians, err := detect.StartWorker(cfg.PedestrianDetector.WorkerConfig("PedestrianWorker"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start pedestrian detector: %w", err)
	}
	zones, err := detect.StartWorker(cfg.ZoneDetector.WorkerConfig("ZoneWorker"))
	if err != nil {
		cancel()
		pedestrians.Close()
		return nil, fmt.Errorf("failed to start zone detector: %w", err)
	}
	workers := []*detect.Worker{pedestrians, zones}

	processor, err := pipeline.NewProcessor(pedestrians, zones, cfg.Pipeline(), pipeline.WithMetrics(m))
	if err != nil {
		cancel()
		closeWorkers(workers)
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rec := recorder.NewRecorder(cfg.Recording.OutputPath, cfg.Monitor.JPEGQuality)

	monitor := webmonitor.NewServer(webmonitor.Config{
		Addr:           cfg.Monitor.Addr,
		StatusInterval: cfg.Monitor.StatusInterval,
		JPEGQuality:    cfg.Monitor.JPEGQuality,
		HistorySize:    cfg.Monitor.HistorySize,
	}, rec, m)

	srv := &Server{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		metrics:   m,
		source:    src,
		workers:   workers,
		processor: processor,
		monitor:   monitor,
		recorder:  rec,
		httpServer: &http.Server{
			Addr:    cfg.Monitor.Addr,
			Handler: monitor.Handler(),
		},
		processChan:  make(chan *types.Frame, 4),
		monitorChan:  make(chan pipeline.Result, 8),
		recorderChan: make(chan pipeline.Result, 30),
	}
	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting crosswalk monitor...")
	logger.Info("Main", "  Frames: %s (%d file(s), %d fps, loop=%v)",
		s.cfg.Source.Dir, s.source.Len(), s.cfg.Source.FPS, s.cfg.Source.Loop)
	logger.Info("Main", "  Stream: %s", s.processor.StreamID())
	logger.Info("Main", "  HTTP server: %s", s.cfg.Monitor.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", s.cfg.PprofAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.OutputPath)

	if s.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Monitor.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(4)
	go s.readFrames()
	go s.processFrames()
	go s.distributeMonitor()
	go s.distributeRecorder()

	logger.Info("Main", "Server started successfully")
	return nil
}

// readFrames reads frames from the source at the configured rate
func (s *Server) readFrames() {
	defer s.wg.Done()

	interval := s.cfg.FrameInterval()
	logger.Info("Reader", "Starting frame reading (interval=%v)", interval)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-s.ctx.Done():
				return
			case <-tick:
			}
		}

		frame, err := s.source.Next(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("Reader", "Source exhausted after %d frame(s)", s.metrics.FramesRead.Load())
				return
			case s.ctx.Err() != nil:
				return
			}
			s.metrics.ReadErrors.Add(1)
			logger.Warn("Reader", "Read error: %v", err)
			continue
		}

		s.metrics.FramesRead.Add(1)

		if tick == nil {
			// unpaced sources are never dropped
			select {
			case s.processChan <- frame:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		// Send to processor (non-blocking)
		select {
		case s.processChan <- frame:
		default:
			s.metrics.FramesDropped.Add(1)
			logger.Debug("Reader", "Processor busy, dropped %s", frame.Source)
		}
	}
}

// processFrames runs the occupancy pipeline on every frame
func (s *Server) processFrames() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.processChan:
			res := s.processor.ProcessFrame(s.ctx, frame.Image)
			s.metrics.UpdateFrameLatency(frame.Timestamp)

			if res.Degraded {
				logger.Debug("Processor", "Frame %d (%s) degraded: %v", res.FrameNumber, frame.Source, res.Err)
			} else {
				logger.Debug("Processor", "Frame %d (%s): %d pedestrian(s), %d on crosswalk",
					res.FrameNumber, frame.Source, res.PedestrianCount, res.OnZoneCount())
			}

			// Send to web monitor (non-blocking)
			select {
			case s.monitorChan <- res:
			default:
				logger.Debug("Processor", "Monitor busy, skipped frame %d", res.FrameNumber)
			}

			// Send to recorder (non-blocking)
			if s.recorder.IsRecording() {
				select {
				case s.recorderChan <- res:
				default:
					s.metrics.RecorderErrors.Add(1)
				}
			}
		}
	}
}

// distributeMonitor pushes results to the web monitor clients
func (s *Server) distributeMonitor() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case res := <-s.monitorChan:
			s.monitor.Publish(res)
		}
	}
}

// distributeRecorder distributes annotated frames to the recorder
func (s *Server) distributeRecorder() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case res := <-s.recorderChan:
			if !s.recorder.SendFrame(res.Annotated) && s.recorder.IsRecording() {
				s.metrics.RecorderErrors.Add(1)
			}

			// Update recording metrics
			status := s.recorder.GetStatus()
			if status.Recording {
				s.metrics.RecordingActive.Store(1)
				s.metrics.RecordingBytes.Store(status.BytesWritten)
				s.metrics.RecordingFrames.Store(status.FrameCount)
			} else {
				s.metrics.RecordingActive.Store(0)
			}
		}
	}
}

func closeWorkers(workers []*detect.Worker) {
	for _, w := range workers {
		if err := w.Close(); err != nil {
			logger.Warn("Main", "Closing detector worker: %v", err)
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	// Cancel context to stop goroutines
	s.cancel()

	// Wait for goroutines
	s.wg.Wait()

	// Streaming clients are released before the HTTP server waits on them
	s.monitor.Close()

	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Closing recorder: %v", err)
	}
	closeWorkers(s.workers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
