package recorder

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
)

// Recorder writes annotated frames to a Motion-JPEG file, one JPEG after
// another. Most players open such files as .mjpeg.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	w            *bufio.Writer
	filename     string
	basePath     string
	quality      int
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	writeErrors  uint64
	startTime    time.Time
	frameChan    chan image.Image
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewRecorder creates a recorder writing into basePath.
func NewRecorder(basePath string, quality int) *Recorder {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Recorder{
		basePath:  basePath,
		quality:   quality,
		frameChan: make(chan image.Image, 30),
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}

	filename := fmt.Sprintf("recording_%s.mjpeg", time.Now().Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.w = bufio.NewWriterSize(file, 256<<10)
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.writeErrors = 0
	r.startTime = time.Now()
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.stopChan)

	logger.Info("Recorder", "Recording started: %s", filename)
	return nil
}

// Stop stops recording
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	defer func() { r.file, r.w = nil, nil }()

	if err := r.w.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes)", r.filename, r.frameCount, r.bytesWritten)
	return nil
}

// SendFrame queues a frame (non-blocking). It reports false when not
// recording or when the queue is full.
func (r *Recorder) SendFrame(frame image.Image) bool {
	r.mu.RLock()
	recording := r.recording
	r.mu.RUnlock()

	if !recording || frame == nil {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeFrames(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

type countingWriter struct {
	w *bufio.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func (r *Recorder) writeFrame(frame image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return
	}

	cw := &countingWriter{w: r.w}
	err := jpeg.Encode(cw, frame, &jpeg.Options{Quality: r.quality})
	r.bytesWritten += cw.n
	if err != nil {
		r.writeErrors++
		logger.Warn("Recorder", "Write error: %v", err)
		return
	}
	r.frameCount++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		WriteErrors:  r.writeErrors,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	WriteErrors  uint64    `json:"write_errors"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
