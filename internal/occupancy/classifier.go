package occupancy

import (
	"fmt"
	"image"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
)

// Config holds the thresholds of the occupancy rule.
type Config struct {
	// HorizontalPad widens every zone box on the left and right, in pixels.
	HorizontalPad int `yaml:"horizontal_pad" json:"horizontal_pad"`
	// VerticalPad widens every zone box on the top and bottom, in pixels.
	VerticalPad int `yaml:"vertical_pad" json:"vertical_pad"`
	// OverlapThreshold is the overlap ratio a pedestrian must strictly exceed
	// against some zone to count as on-zone regardless of the foot-point.
	OverlapThreshold float64 `yaml:"overlap_threshold" json:"overlap_threshold"`
}

// DefaultConfig returns the thresholds tuned for 640x480 street cameras.
func DefaultConfig() Config {
	return Config{
		HorizontalPad:    20,
		VerticalPad:      10,
		OverlapThreshold: 0.2,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if c.HorizontalPad < 0 {
		return fmt.Errorf("horizontal pad must be >= 0, got %d", c.HorizontalPad)
	}
	if c.VerticalPad < 0 {
		return fmt.Errorf("vertical pad must be >= 0, got %d", c.VerticalPad)
	}
	if c.OverlapThreshold < 0 || c.OverlapThreshold > 1 {
		return fmt.Errorf("overlap threshold must be in [0,1], got %v", c.OverlapThreshold)
	}
	return nil
}

// Criterion names the rule that placed a pedestrian on a zone.
type Criterion int

const (
	CriterionNone Criterion = iota
	CriterionContainment
	CriterionOverlap
)

func (c Criterion) String() string {
	switch c {
	case CriterionContainment:
		return "containment"
	case CriterionOverlap:
		return "overlap"
	default:
		return "none"
	}
}

// Label is the occupancy decision for one pedestrian of one frame.
type Label struct {
	Box        geometry.Box
	FootPoint  image.Point
	OnZone     bool
	Criterion  Criterion
	MaxOverlap float64
}

// Classifier applies the dual-criterion occupancy rule.
type Classifier struct {
	cfg Config
}

// New returns a classifier for cfg.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Config returns the classifier thresholds.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify labels every pedestrian against the zones. labels[i] belongs to
// pedestrians[i]. m may be nil, in which case the overlap is computed here.
// With no zones every pedestrian is off-zone.
func (c *Classifier) Classify(pedestrians, zones []geometry.Box, m geometry.OverlapMatrix) []Label {
	labels := make([]Label, len(pedestrians))
	if m == nil {
		m = geometry.NewOverlapMatrix(pedestrians, zones)
	}

	for i, p := range pedestrians {
		labels[i] = Label{
			Box:       p,
			FootPoint: p.FootPoint(),
		}
		if len(zones) == 0 {
			continue
		}

		labels[i].MaxOverlap = m.RowMax(i)
		switch {
		case c.footInAnyZone(labels[i].FootPoint, zones):
			labels[i].OnZone = true
			labels[i].Criterion = CriterionContainment
		case labels[i].MaxOverlap > c.cfg.OverlapThreshold:
			labels[i].OnZone = true
			labels[i].Criterion = CriterionOverlap
		}
	}
	return labels
}

func (c *Classifier) footInAnyZone(p image.Point, zones []geometry.Box) bool {
	for _, z := range zones {
		if z.ContainsPadded(p, c.cfg.HorizontalPad, c.cfg.VerticalPad) {
			return true
		}
	}
	return false
}

// Summarize counts on-zone and off-zone labels.
func Summarize(labels []Label) (onZone, offZone int) {
	for _, l := range labels {
		if l.OnZone {
			onZone++
		} else {
			offZone++
		}
	}
	return onZone, offZone
}
