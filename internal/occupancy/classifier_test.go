package occupancy

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestClassifyCrosswalkScenario(t *testing.T) {
	c := newClassifier(t)
	peds := []geometry.Box{{X1: 100, Y1: 100, X2: 140, Y2: 200}}
	zones := []geometry.Box{{X1: 90, Y1: 190, X2: 300, Y2: 220}}

	labels := c.Classify(peds, zones, geometry.NewOverlapMatrix(peds, zones))
	require.Len(t, labels, 1)
	assert.True(t, labels[0].OnZone)
	assert.Equal(t, CriterionContainment, labels[0].Criterion)
	assert.Equal(t, image.Point{X: 120, Y: 200}, labels[0].FootPoint)
}

func TestClassifyBoundaryIsInclusive(t *testing.T) {
	c, err := New(Config{HorizontalPad: 0, VerticalPad: 0, OverlapThreshold: 0.2})
	require.NoError(t, err)
	zone := geometry.Box{X1: 100, Y1: 300, X2: 200, Y2: 400}

	// foot-point (100, 300): exactly on the zone's top-left corner
	onCorner := geometry.Box{X1: 90, Y1: 200, X2: 110, Y2: 300}
	// foot-point (200, 400): exactly on the bottom-right corner
	onFarCorner := geometry.Box{X1: 190, Y1: 380, X2: 210, Y2: 400}

	labels := c.Classify([]geometry.Box{onCorner, onFarCorner}, []geometry.Box{zone}, nil)
	assert.True(t, labels[0].OnZone)
	assert.True(t, labels[1].OnZone)
}

func TestClassifyPaddedBoundary(t *testing.T) {
	c := newClassifier(t)
	zone := geometry.Box{X1: 100, Y1: 300, X2: 200, Y2: 400}

	// foot x = 80 = zoneX1 - hPad
	atPad := geometry.Box{X1: 70, Y1: 250, X2: 90, Y2: 350}
	// foot x = 75, 25px left of the zone
	beyondPad := geometry.Box{X1: 65, Y1: 250, X2: 85, Y2: 350}

	labels := c.Classify([]geometry.Box{atPad, beyondPad}, []geometry.Box{zone}, nil)
	assert.True(t, labels[0].OnZone)
	assert.Equal(t, 0.0, labels[1].MaxOverlap)
	assert.False(t, labels[1].OnZone)
	assert.Equal(t, CriterionNone, labels[1].Criterion)
}

func TestClassifyOverlapAloneSuffices(t *testing.T) {
	c := newClassifier(t)
	peds := []geometry.Box{{X1: 0, Y1: 0, X2: 100, Y2: 1000}}
	zones := []geometry.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}}

	// foot-point (50, 1000) is far outside the padded zone; the supplied
	// matrix carries a 0.25 overlap for the pair.
	m := geometry.OverlapMatrix{{0.25}}
	labels := c.Classify(peds, zones, m)
	require.Len(t, labels, 1)
	assert.True(t, labels[0].OnZone)
	assert.Equal(t, CriterionOverlap, labels[0].Criterion)
	assert.Equal(t, 0.25, labels[0].MaxOverlap)
}

func TestClassifyOverlapThresholdIsStrict(t *testing.T) {
	c := newClassifier(t)
	peds := []geometry.Box{{X1: 0, Y1: 0, X2: 100, Y2: 1000}}
	zones := []geometry.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}}

	labels := c.Classify(peds, zones, geometry.OverlapMatrix{{0.2}})
	assert.False(t, labels[0].OnZone)
}

func TestClassifyWithComputedOverlap(t *testing.T) {
	c := newClassifier(t)
	// foot-point (150, 400) is 100px below the padded zone, but the boxes
	// share half of the pedestrian's area.
	peds := []geometry.Box{{X1: 100, Y1: 200, X2: 200, Y2: 400}}
	zones := []geometry.Box{{X1: 100, Y1: 200, X2: 200, Y2: 300}}

	labels := c.Classify(peds, zones, nil)
	assert.InDelta(t, 0.5, labels[0].MaxOverlap, 1e-9)
	assert.True(t, labels[0].OnZone)
	assert.Equal(t, CriterionOverlap, labels[0].Criterion)
}

func TestClassifyNoZones(t *testing.T) {
	c := newClassifier(t)
	peds := []geometry.Box{
		{X1: 100, Y1: 100, X2: 140, Y2: 200},
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
	}

	labels := c.Classify(peds, nil, nil)
	require.Len(t, labels, len(peds))
	for _, l := range labels {
		assert.False(t, l.OnZone)
		assert.Equal(t, 0.0, l.MaxOverlap)
	}

	on, off := Summarize(labels)
	assert.Equal(t, 0, on)
	assert.Equal(t, 2, off)
}

func TestClassifyNoPedestrians(t *testing.T) {
	c := newClassifier(t)
	labels := c.Classify(nil, []geometry.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}}, nil)
	assert.Empty(t, labels)
}

func TestClassifyMultipleZones(t *testing.T) {
	c := newClassifier(t)
	peds := []geometry.Box{
		{X1: 500, Y1: 100, X2: 540, Y2: 200}, // foot (520, 200)
		{X1: 100, Y1: 100, X2: 140, Y2: 200}, // foot (120, 200)
		{X1: 300, Y1: 0, X2: 340, Y2: 50},    // foot (320, 50)
	}
	zones := []geometry.Box{
		{X1: 0, Y1: 190, X2: 200, Y2: 220},
		{X1: 480, Y1: 195, X2: 600, Y2: 230},
	}

	labels := c.Classify(peds, zones, nil)
	assert.True(t, labels[0].OnZone)
	assert.True(t, labels[1].OnZone)
	assert.False(t, labels[2].OnZone)

	on, off := Summarize(labels)
	assert.Equal(t, 2, on)
	assert.Equal(t, 1, off)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []Config{
		{HorizontalPad: -1, VerticalPad: 10, OverlapThreshold: 0.2},
		{HorizontalPad: 20, VerticalPad: -1, OverlapThreshold: 0.2},
		{HorizontalPad: 20, VerticalPad: 10, OverlapThreshold: -0.1},
		{HorizontalPad: 20, VerticalPad: 10, OverlapThreshold: 1.5},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestCriterionString(t *testing.T) {
	assert.Equal(t, "none", CriterionNone.String())
	assert.Equal(t, "containment", CriterionContainment.String())
	assert.Equal(t, "overlap", CriterionOverlap.String())
}
