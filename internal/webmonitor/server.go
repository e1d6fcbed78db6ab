package webmonitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/internal/metrics"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
	"github.com/dj-oyu/crosswalk-monitor/internal/recorder"
)

// Server serves the crosswalk monitor endpoints. The frame loop pushes every
// pipeline result into it with Publish.
type Server struct {
	cfg       Config
	monitor   *Monitor
	recorder  *recorder.Recorder
	metrics   *metrics.Metrics
	frames    *FrameBroadcaster
	occupancy *EventBroadcaster
	status    *StatusBroadcaster
}

// NewServer returns a configured monitor server. rec and m may be nil.
func NewServer(cfg Config, rec *recorder.Recorder, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	monitor := NewMonitor(cfg.HistorySize)

	s := &Server{
		cfg:       cfg,
		monitor:   monitor,
		recorder:  rec,
		metrics:   m,
		frames:    NewFrameBroadcaster(),
		occupancy: NewEventBroadcaster("OccupancyBroadcaster"),
		status:    NewStatusBroadcaster(monitor, cfg.StatusInterval),
	}
	if m != nil {
		// called with the broadcaster lock held, so only the passed counts are used
		var occupancyClients, statusClients atomic.Int64
		s.frames.onChange = func(n int) { m.MJPEGClients.Store(int64(n)) }
		s.occupancy.onChange = func(n int) {
			occupancyClients.Store(int64(n))
			m.SSEClients.Store(occupancyClients.Load() + statusClients.Load())
		}
		s.status.onChange = func(n int) {
			statusClients.Store(int64(n))
			m.SSEClients.Store(occupancyClients.Load() + statusClients.Load())
		}
	}
	s.status.Start()
	return s
}

// Monitor returns the result store behind the APIs.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Publish records a pipeline result and pushes it to the connected clients.
func (s *Server) Publish(res pipeline.Result) {
	result := s.monitor.Update(NewOccupancyResult(res, time.Now()))
	s.occupancy.Publish(occupancyPayload(result))

	// encoding is skipped while nobody watches
	if s.frames.ClientCount() == 0 || res.Annotated == nil {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, res.Annotated, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
		logger.Warn("WebMonitor", "JPEG encode failed: %v", err)
		return
	}
	s.frames.Broadcast(buf.Bytes())
}

// Close disconnects all streaming clients.
func (s *Server) Close() {
	s.status.Stop()
	s.occupancy.Close()
	s.frames.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/occupancy/stream", s.handleOccupancyStream)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/healthz", s.handleHealth)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh, s.cfg.KeepaliveInterval)
}

func (s *Server) currentStatus() map[string]any {
	stats, latest, history := s.monitor.Snapshot()
	return statusPayload(stats, latest, history, time.Now())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.currentStatus())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	// first snapshot right away, the ticker delivers the rest
	first, err := newSerializedEvent(s.currentStatus())
	if err != nil {
		logger.Error("WebMonitor", "Serialize status: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), first)
}

func (s *Server) handleOccupancyStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.occupancy.Subscribe()
	defer s.occupancy.Unsubscribe(id)
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), nil)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"zones":     s.monitor.Zones(),
		"timestamp": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if err := s.recorder.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	status := s.recorder.GetStatus()
	s.updateRecordingMetrics(status)
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       status.Filename,
		"started_at": float64(status.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if err := s.recorder.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	status := s.recorder.GetStatus()
	s.updateRecordingMetrics(status)
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       status.Filename,
		"stats":      status,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) updateRecordingMetrics(status recorder.RecordingStatus) {
	if s.metrics == nil {
		return
	}
	if status.Recording {
		s.metrics.RecordingActive.Store(1)
	} else {
		s.metrics.RecordingActive.Store(0)
	}
	s.metrics.RecordingBytes.Store(status.BytesWritten)
	s.metrics.RecordingFrames.Store(status.FrameCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _, _ := s.monitor.Snapshot()
	writeJSON(w, map[string]any{
		"status":           "ok",
		"frames_processed": stats.FramesProcessed,
		"mjpeg_clients":    s.frames.ClientCount(),
		"recording":        s.recorder != nil && s.recorder.IsRecording(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
