package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
)

// ErrWorkerClosed is returned by Detect after the worker stopped.
var ErrWorkerClosed = errors.New("detector worker closed")

const (
	defaultWorkerTimeout = 2 * time.Second
	defaultJPEGQuality   = 85
	stopGracePeriod      = 2 * time.Second
	maxResponseLine      = 4 << 20
)

// WorkerConfig describes an external detector process.
//
// The process reads one JSON request per line on stdin:
//
//	{"id":"…","image":"<base64 jpeg>","width":640,"height":480,"confidence":0.3}
//
// and answers with one JSON line on stdout:
//
//	{"id":"…","detections":[{"box":[x1,y1,x2,y2],"class_id":0,"confidence":0.9,"label":"person"}]}
//
// A non-empty "error" field marks a failed inference. Stderr lines are logged.
type WorkerConfig struct {
	Name        string
	Command     string
	Args        []string
	Env         []string
	Timeout     time.Duration
	JPEGQuality int
}

// WorkerStats are cumulative counters of a worker.
type WorkerStats struct {
	Requests     uint64
	Failures     uint64
	AvgLatencyMs float64
	LastSeenAt   time.Time
}

type workerRequest struct {
	ID         string  `json:"id"`
	Image      string  `json:"image"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

type workerDetection struct {
	Box        []float64 `json:"box"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
}

type workerResponse struct {
	ID         string            `json:"id"`
	Detections []workerDetection `json:"detections"`
	Error      string            `json:"error"`
}

// Worker is a Detector backed by an external process speaking
// newline-delimited JSON. Requests are handled one at a time.
type Worker struct {
	name        string
	timeout     time.Duration
	jpegQuality int

	mu     sync.Mutex // one request in flight
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	stop   chan struct{}
	cmd    *exec.Cmd
	closed atomic.Bool

	requests       atomic.Uint64
	failures       atomic.Uint64
	totalLatencyMs atomic.Uint64
	lastSeen       atomic.Int64
}

// StartWorker spawns the detector process described by cfg.
func StartWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker %q: command is required", cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(cmd.Environ(), cfg.Env...)
	cmd.Stderr = logger.Writer(logger.DEBUG, cfg.Name)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %q: stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %q: stdout pipe: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %q: start %s: %w", cfg.Name, cfg.Command, err)
	}

	w := newWorker(cfg, stdin, stdout)
	w.cmd = cmd
	logger.Info(cfg.Name, "Detector worker started (pid=%d, cmd=%s)", cmd.Process.Pid, cfg.Command)
	return w, nil
}

func newWorker(cfg WorkerConfig, stdin io.WriteCloser, stdout io.Reader) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWorkerTimeout
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	w := &Worker{
		name:        cfg.Name,
		timeout:     cfg.Timeout,
		jpegQuality: cfg.JPEGQuality,
		stdin:       stdin,
		lines:       make(chan []byte, 1),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
	go w.readResponses(stdout)
	return w
}

func (w *Worker) readResponses(stdout io.Reader) {
	defer close(w.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		// A late answer to a timed-out request is handed to the next request,
		// which discards it by id.
		select {
		case w.lines <- line:
		case <-w.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil && !w.closed.Load() {
		logger.Error(w.name, "Reading worker output: %v", err)
	}
}

// Detect sends frame to the worker and waits for its detections.
func (w *Worker) Detect(ctx context.Context, frame image.Image, confidence float64) ([]Detection, error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	w.requests.Add(1)
	dets, err := w.roundTrip(ctx, frame, confidence)
	if err != nil {
		w.failures.Add(1)
		return nil, fmt.Errorf("worker %q: %w", w.name, err)
	}

	w.totalLatencyMs.Add(uint64(time.Since(start).Milliseconds()))
	w.lastSeen.Store(time.Now().UnixNano())
	return dets, nil
}

func (w *Worker) roundTrip(ctx context.Context, frame image.Image, confidence float64) ([]Detection, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: w.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	bounds := frame.Bounds()
	req := workerRequest{
		ID:         uuid.NewString(),
		Image:      base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Confidence: confidence,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	writeErr := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(append(payload, '\n'))
		writeErr <- err
	}()

	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return nil, fmt.Errorf("write request: %w", err)
			}
		case line := <-w.lines:
			var resp workerResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
			}
			if resp.ID != req.ID {
				logger.Debug(w.name, "Skipping stale response %s (want %s)", resp.ID, req.ID)
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("inference failed: %s", resp.Error)
			}
			return convertDetections(resp.Detections)
		case <-w.done:
			return nil, ErrWorkerClosed
		case <-timer.C:
			return nil, fmt.Errorf("no response within %v", w.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func convertDetections(in []workerDetection) ([]Detection, error) {
	out := make([]Detection, 0, len(in))
	for i, d := range in {
		if len(d.Box) != 4 {
			return nil, fmt.Errorf("%w: detection %d has %d box values", ErrMalformedOutput, i, len(d.Box))
		}
		out = append(out, Detection{
			Box:        geometry.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			Label:      d.Label,
		})
	}
	return out, nil
}

// Stats returns the worker counters.
func (w *Worker) Stats() WorkerStats {
	s := WorkerStats{
		Requests: w.requests.Load(),
		Failures: w.failures.Load(),
	}
	if ok := s.Requests - s.Failures; ok > 0 {
		s.AvgLatencyMs = float64(w.totalLatencyMs.Load()) / float64(ok)
	}
	if ns := w.lastSeen.Load(); ns > 0 {
		s.LastSeenAt = time.Unix(0, ns)
	}
	return s
}

// Close stops the worker. The process gets a grace period to exit after its
// stdin is closed and is killed afterwards.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.stop)
	err := w.stdin.Close()

	if w.cmd == nil {
		return err
	}

	exited := make(chan error, 1)
	go func() { exited <- w.cmd.Wait() }()

	select {
	case waitErr := <-exited:
		logger.Info(w.name, "Detector worker exited")
		if waitErr != nil {
			logger.Debug(w.name, "Worker exit status: %v", waitErr)
		}
	case <-time.After(stopGracePeriod):
		logger.Warn(w.name, "Worker did not exit within %v, killing", stopGracePeriod)
		if killErr := w.cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("kill worker %q: %w", w.name, killErr)
		}
		<-exited
	}
	return err
}
