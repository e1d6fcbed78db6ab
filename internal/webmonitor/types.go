package webmonitor

import (
	"time"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
)

// BoundingBox is the integer pixel box shape used by the monitor APIs.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func newBoundingBox(b geometry.Box) BoundingBox {
	r := b.Rect()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Pedestrian is one labelled pedestrian of a frame.
type Pedestrian struct {
	BBox       BoundingBox `json:"bbox"`
	FootX      int         `json:"foot_x"`
	FootY      int         `json:"foot_y"`
	OnZone     bool        `json:"on_zone"`
	Criterion  string      `json:"criterion"`
	MaxOverlap float64     `json:"max_overlap"`
}

// OccupancyResult is the per-frame payload of the monitor APIs.
type OccupancyResult struct {
	StreamID        string        `json:"stream_id"`
	FrameNumber     uint64        `json:"frame_number"`
	Timestamp       float64       `json:"timestamp"`
	Version         int           `json:"version"`
	PedestrianCount int           `json:"pedestrian_count"`
	OnZoneCount     int           `json:"on_zone_count"`
	OffZoneCount    int           `json:"off_zone_count"`
	ZoneRefreshed   bool          `json:"zone_refreshed"`
	Degraded        bool          `json:"degraded"`
	Error           string        `json:"error,omitempty"`
	ProcessingMs    float64       `json:"processing_ms"`
	Pedestrians     []Pedestrian  `json:"pedestrians"`
	Zones           []BoundingBox `json:"zones"`
}

// NewOccupancyResult converts a pipeline result into its API shape.
func NewOccupancyResult(r pipeline.Result, at time.Time) OccupancyResult {
	out := OccupancyResult{
		StreamID:        r.StreamID,
		FrameNumber:     r.FrameNumber,
		Timestamp:       float64(at.UnixNano()) / 1e9,
		PedestrianCount: r.PedestrianCount,
		ZoneRefreshed:   r.ZoneRefreshed,
		Degraded:        r.Degraded,
		ProcessingMs:    float64(r.Duration.Microseconds()) / 1000,
		Pedestrians:     make([]Pedestrian, len(r.Labels)),
		Zones:           make([]BoundingBox, len(r.Zones)),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	for i, l := range r.Labels {
		out.Pedestrians[i] = Pedestrian{
			BBox:       newBoundingBox(l.Box),
			FootX:      l.FootPoint.X,
			FootY:      l.FootPoint.Y,
			OnZone:     l.OnZone,
			Criterion:  l.Criterion.String(),
			MaxOverlap: l.MaxOverlap,
		}
		if l.OnZone {
			out.OnZoneCount++
		} else {
			out.OffZoneCount++
		}
	}
	for i, z := range r.Zones {
		out.Zones[i] = newBoundingBox(z)
	}
	return out
}

// MonitorStats summarises the processed stream.
type MonitorStats struct {
	FramesProcessed  int     `json:"frames_processed"`
	FramesDegraded   int     `json:"frames_degraded"`
	CurrentFPS       float64 `json:"current_fps"`
	PedestrianCount  int     `json:"pedestrian_count"`
	OnZoneCount      int     `json:"on_zone_count"`
	ZoneCount        int     `json:"zone_count"`
	ZoneRefreshes    int     `json:"zone_refreshes"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastFrameVersion int     `json:"last_frame_version"`
}
