// Package pipeline runs the per-frame crosswalk occupancy pass: pedestrian
// detection, rate-limited zone detection, classification and annotation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/crosswalk-monitor/internal/annotate"
	"github.com/dj-oyu/crosswalk-monitor/internal/detect"
	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/internal/metrics"
	"github.com/dj-oyu/crosswalk-monitor/internal/occupancy"
	"github.com/dj-oyu/crosswalk-monitor/internal/zonecache"
)

// AnyClass disables class filtering of zone detections.
const AnyClass = -1

var (
	// ErrPanic wraps a panic recovered while processing a frame.
	ErrPanic    = errors.New("panic while processing frame")
	// ErrNilFrame is reported for a nil input frame.
	ErrNilFrame = errors.New("nil frame")
)

// Config holds the per-stream pipeline settings.
type Config struct {
	PedestrianConfidence float64
	ZoneConfidence       float64
	PedestrianClassID    int
	// ZoneClassID keeps only zone detections of this class; AnyClass keeps all.
	ZoneClassID          int
	RefreshInterval      int
	Occupancy            occupancy.Config
}

// DefaultConfig returns the settings used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		PedestrianConfidence: 0.3,
		ZoneConfidence:       0.3,
		PedestrianClassID:    detect.PersonClassID,
		ZoneClassID:          AnyClass,
		RefreshInterval:      zonecache.DefaultInterval,
		Occupancy:            occupancy.DefaultConfig(),
	}
}

// Result is the outcome of one frame.
type Result struct {
	Original        image.Image
	Annotated       image.Image
	PedestrianCount int
	Labels          []occupancy.Label
	Zones           []geometry.Box
	ZoneRefreshed   bool
	FrameNumber     uint64
	StreamID        string
	Duration        time.Duration

	// Degraded is set when the frame could not be analysed. Annotated is
	// then the original frame and Err tells why.
	Degraded bool
	Err      error
}

// OnZoneCount returns the number of pedestrians labelled on a crosswalk.
func (r Result) OnZoneCount() int {
	on, _ := occupancy.Summarize(r.Labels)
	return on
}

// Option configures a Processor.
type Option func(*Processor)

// WithCache injects the zone cache, e.g. to share its state with a test.
func WithCache(c *zonecache.Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithMetrics reports every frame to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithStyle overrides the annotation style.
func WithStyle(s annotate.Style) Option {
	return func(p *Processor) { p.style = s }
}

// WithStreamID names the stream in results and log lines.
func WithStreamID(id string) Option {
	return func(p *Processor) { p.streamID = id }
}

// Processor analyses the frames of one stream. It is safe for concurrent use
// but handles one frame at a time.
type Processor struct {
	pedestrians detect.Detector
	zones       detect.Detector
	cfg         Config

	classifier       *occupancy.Classifier
	pedestrianFilter detect.Postprocessor
	zoneFilter       detect.Postprocessor
	style            annotate.Style
	metrics          *metrics.Metrics
	streamID         string

	mu     sync.Mutex
	cache  *zonecache.Cache
	frames uint64
}

// NewProcessor builds a processor around the two detectors.
func NewProcessor(pedestrians, zones detect.Detector, cfg Config, opts ...Option) (*Processor, error) {
	if pedestrians == nil || zones == nil {
		return nil, errors.New("pipeline: both detectors are required")
	}
	if cfg.PedestrianConfidence < 0 || cfg.PedestrianConfidence > 1 {
		return nil, fmt.Errorf("pipeline: pedestrian confidence must be in [0,1], got %v", cfg.PedestrianConfidence)
	}
	if cfg.ZoneConfidence < 0 || cfg.ZoneConfidence > 1 {
		return nil, fmt.Errorf("pipeline: zone confidence must be in [0,1], got %v", cfg.ZoneConfidence)
	}
	classifier, err := occupancy.New(cfg.Occupancy)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Processor{
		pedestrians: pedestrians,
		zones:       zones,
		cfg:         cfg,
		classifier:  classifier,
		pedestrianFilter: detect.Chain(
			detect.NewClassFilter(cfg.PedestrianClassID),
			detect.NewScoreFilter(cfg.PedestrianConfidence),
		),
		style: annotate.DefaultStyle(),
	}
	zoneFilters := []detect.Postprocessor{detect.NewScoreFilter(cfg.ZoneConfidence)}
	if cfg.ZoneClassID != AnyClass {
		zoneFilters = append(zoneFilters, detect.NewClassFilter(cfg.ZoneClassID))
	}
	p.zoneFilter = detect.Chain(zoneFilters...)

	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache = zonecache.New(cfg.RefreshInterval)
	}
	if p.streamID == "" {
		p.streamID = uuid.NewString()
	}
	return p, nil
}

// StreamID returns the stream name used in results.
func (p *Processor) StreamID() string {
	return p.streamID
}

// Zones returns the cached crosswalk zones.
func (p *Processor) Zones() []geometry.Box {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.CurrentZones()
}

// Process analyses frame and returns the original frame, its annotated copy
// and the number of pedestrians. On failure annotated is the original frame
// and count is 0.
func (p *Processor) Process(ctx context.Context, frame image.Image) (original, annotated image.Image, count int) {
	r := p.ProcessFrame(ctx, frame)
	return r.Original, r.Annotated, r.PedestrianCount
}

// ProcessFrame analyses frame. It never panics and never returns an error;
// failures produce a degraded Result.
func (p *Processor) ProcessFrame(ctx context.Context, frame image.Image) (res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	number := p.frames
	p.frames++

	defer func() {
		if r := recover(); r != nil {
			res = p.degraded(frame, number, start, fmt.Errorf("%w: %v", ErrPanic, r))
		}
		p.observe(res)
	}()

	if frame == nil {
		return p.degraded(frame, number, start, ErrNilFrame)
	}

	pedestrians, err := p.detect(ctx, p.pedestrians, frame, p.cfg.PedestrianConfidence, p.pedestrianFilter)
	if err != nil {
		return p.degraded(frame, number, start, fmt.Errorf("pedestrian detector: %w", err))
	}

	refresh := p.cache.ShouldRefresh()
	var zones []geometry.Box
	if refresh {
		zones, err = p.detect(ctx, p.zones, frame, p.cfg.ZoneConfidence, p.zoneFilter)
		if err != nil {
			// the cache stays due, so the next frame retries the refresh
			return p.degraded(frame, number, start, fmt.Errorf("zone detector: %w", err))
		}
		p.cache.RecordRefresh(zones)
		logger.Debug("Pipeline", "[%s] frame %d: refreshed %d zone(s)", p.streamID, number, len(zones))
	} else {
		p.cache.RecordSkip()
		zones = p.cache.CurrentZones()
	}

	var m geometry.OverlapMatrix
	if len(pedestrians) > 0 && len(zones) > 0 {
		m = geometry.NewOverlapMatrix(pedestrians, zones)
	}
	labels := p.classifier.Classify(pedestrians, zones, m)
	annotated := annotate.Render(frame, zones, labels, p.style)

	return Result{
		Original:        frame,
		Annotated:       annotated,
		PedestrianCount: len(pedestrians),
		Labels:          labels,
		Zones:           zones,
		ZoneRefreshed:   refresh,
		FrameNumber:     number,
		StreamID:        p.streamID,
		Duration:        time.Since(start),
	}
}

func (p *Processor) detect(ctx context.Context, d detect.Detector, frame image.Image, conf float64, post detect.Postprocessor) ([]geometry.Box, error) {
	dets, err := d.Detect(ctx, frame, conf)
	if err != nil {
		return nil, err
	}
	if err := detect.Validate(dets); err != nil {
		return nil, err
	}
	return detect.Boxes(post(dets)), nil
}

func (p *Processor) degraded(frame image.Image, number uint64, start time.Time, err error) Result {
	logger.Warn("Pipeline", "[%s] frame %d degraded: %v", p.streamID, number, err)
	if p.metrics != nil && !errors.Is(err, ErrNilFrame) && !errors.Is(err, ErrPanic) {
		p.metrics.DetectorErrors.Add(1)
	}
	return Result{
		Original:    frame,
		Annotated:   frame,
		FrameNumber: number,
		StreamID:    p.streamID,
		Duration:    time.Since(start),
		Degraded:    true,
		Err:         err,
	}
}

func (p *Processor) observe(r Result) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveFrame(r.PedestrianCount, r.OnZoneCount(), len(r.Zones), r.ZoneRefreshed, r.Degraded, r.Duration)
}
