package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
)

// fanout delivers values to subscribed clients without blocking the
// producer. A slow client misses values instead of stalling the others.
type fanout[T any] struct {
	name     string
	mu       sync.Mutex
	clients  map[int]chan T
	nextID   int
	closed   bool
	onChange func(clients int)
}

func newFanout[T any](name string) *fanout[T] {
	return &fanout[T]{name: name, clients: make(map[int]chan T)}
}

// Subscribe adds a new client and returns a channel for receiving values.
func (f *fanout[T]) Subscribe() (int, <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, 2)
	if f.closed {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch

	logger.Debug(f.name, "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	f.notifyLocked()
	return id, ch
}

// Unsubscribe removes a client.
func (f *fanout[T]) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug(f.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
		f.notifyLocked()
	}
}

// ClientCount returns the number of subscribed clients.
func (f *fanout[T]) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout[T]) broadcast(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.clients {
		select {
		case ch <- v:
		default:
			// client too slow, skip this value for it
		}
	}
}

// Close disconnects every client. Later subscribers get a closed channel.
func (f *fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
	f.notifyLocked()
}

func (f *fanout[T]) notifyLocked() {
	if f.onChange != nil {
		f.onChange(len(f.clients))
	}
}

// FrameBroadcaster fans JPEG frames out to MJPEG clients.
type FrameBroadcaster struct {
	*fanout[[]byte]
}

// NewFrameBroadcaster creates an empty frame broadcaster.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{fanout: newFanout[[]byte]("FrameBroadcaster")}
}

// Broadcast sends one JPEG frame to every client.
func (fb *FrameBroadcaster) Broadcast(jpegData []byte) {
	if jpegData == nil {
		return
	}
	fb.broadcast(jpegData)
}

// SerializedEvent holds one event pre-serialized in both wire formats, so
// each client only picks the bytes it negotiated.
type SerializedEvent struct {
	JSONData     []byte // JSON object
	ProtobufData []byte // base64 of a google.protobuf.Struct, for SSE transport
}

func newSerializedEvent(payload map[string]any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("build protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster fans serialized events out to SSE clients.
type EventBroadcaster struct {
	*fanout[*SerializedEvent]
}

// NewEventBroadcaster creates an empty event broadcaster logging as name.
func NewEventBroadcaster(name string) *EventBroadcaster {
	return &EventBroadcaster{fanout: newFanout[*SerializedEvent](name)}
}

// Publish serializes payload once and sends it to every client.
func (eb *EventBroadcaster) Publish(payload map[string]any) {
	if eb.ClientCount() == 0 {
		return
	}
	event, err := newSerializedEvent(payload)
	if err != nil {
		logger.Error(eb.name, "Serialize event: %v", err)
		return
	}
	eb.broadcast(event)
}

// StatusBroadcaster periodically publishes monitor snapshots.
type StatusBroadcaster struct {
	*EventBroadcaster
	monitor  *Monitor
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		EventBroadcaster: NewEventBroadcaster("StatusBroadcaster"),
		monitor:          monitor,
		interval:         interval,
		stop:             make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the loop and disconnects the clients.
func (sb *StatusBroadcaster) Stop() {
	sb.once.Do(func() {
		close(sb.stop)
		sb.Close()
	})
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			stats, latest, history := sb.monitor.Snapshot()
			sb.Publish(statusPayload(stats, latest, history, time.Now()))
		}
	}
}

// The payload builders below only use types structpb.NewValue accepts:
// maps of string to any, []any, strings, bools and numbers.

func boxPayload(b BoundingBox) map[string]any {
	return map[string]any{"x": b.X, "y": b.Y, "w": b.W, "h": b.H}
}

func zonesPayload(zones []BoundingBox) []any {
	out := make([]any, len(zones))
	for i, z := range zones {
		out[i] = boxPayload(z)
	}
	return out
}

func occupancyPayload(r OccupancyResult) map[string]any {
	peds := make([]any, len(r.Pedestrians))
	for i, p := range r.Pedestrians {
		peds[i] = map[string]any{
			"bbox":        boxPayload(p.BBox),
			"foot_x":      p.FootX,
			"foot_y":      p.FootY,
			"on_zone":     p.OnZone,
			"criterion":   p.Criterion,
			"max_overlap": p.MaxOverlap,
		}
	}

	payload := map[string]any{
		"stream_id":        r.StreamID,
		"frame_number":     r.FrameNumber,
		"timestamp":        r.Timestamp,
		"version":          r.Version,
		"pedestrian_count": r.PedestrianCount,
		"on_zone_count":    r.OnZoneCount,
		"off_zone_count":   r.OffZoneCount,
		"zone_refreshed":   r.ZoneRefreshed,
		"degraded":         r.Degraded,
		"processing_ms":    r.ProcessingMs,
		"pedestrians":      peds,
		"zones":            zonesPayload(r.Zones),
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	return payload
}

func statusPayload(stats MonitorStats, latest *OccupancyResult, history []OccupancyResult, now time.Time) map[string]any {
	var latestPayload any
	if latest != nil {
		latestPayload = occupancyPayload(*latest)
	}

	historyPayload := make([]any, len(history))
	for i, h := range history {
		historyPayload[i] = occupancyPayload(h)
	}

	return map[string]any{
		"monitor": map[string]any{
			"frames_processed":   stats.FramesProcessed,
			"frames_degraded":    stats.FramesDegraded,
			"current_fps":        stats.CurrentFPS,
			"pedestrian_count":   stats.PedestrianCount,
			"on_zone_count":      stats.OnZoneCount,
			"zone_count":         stats.ZoneCount,
			"zone_refreshes":     stats.ZoneRefreshes,
			"uptime_seconds":     stats.UptimeSeconds,
			"last_frame_version": stats.LastFrameVersion,
		},
		"latest_occupancy":  latestPayload,
		"occupancy_history": historyPayload,
		"timestamp":         float64(now.Unix()),
	}
}
