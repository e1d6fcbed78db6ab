// Package zonecache rate-limits the crosswalk zone detector.
//
// Crosswalk paint barely moves between consecutive frames while pedestrians
// do, so the zone boxes found on one frame are reused for the following
// frames of a refresh window. The cache only tracks when the caller should
// re-run the zone detector; it never runs a detector itself.
package zonecache

import "github.com/dj-oyu/crosswalk-monitor/internal/geometry"

// DefaultInterval is the number of frames between zone detections.
const DefaultInterval = 10

// Cache holds the last detected zone boxes and the number of frames processed
// since they were detected. It is not safe for concurrent use; the owning
// processor serializes access.
type Cache struct {
	interval           int
	zones              []geometry.Box
	framesSinceRefresh int
	refreshes          uint64
}

// New creates a cache that asks for a refresh every interval frames.
// A non-positive interval selects DefaultInterval.
func New(interval int) *Cache {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Cache{interval: interval}
}

// ShouldRefresh reports whether the current frame must run the zone detector.
// The first frame after construction always refreshes. After that a refresh
// is due when the current frame is interval frames past the last refresh.
func (c *Cache) ShouldRefresh() bool {
	if c.refreshes == 0 {
		return true
	}
	return c.framesSinceRefresh+1 >= c.interval
}

// RecordRefresh stores freshly detected zones and restarts the window.
// Call it only on frames where the zone detector actually ran.
func (c *Cache) RecordRefresh(zones []geometry.Box) {
	c.zones = append(c.zones[:0:0], zones...)
	c.framesSinceRefresh = 0
	c.refreshes++
}

// RecordSkip advances the window without touching the stored zones.
func (c *Cache) RecordSkip() {
	c.framesSinceRefresh++
}

// CurrentZones returns a copy of the stored zones. It is empty until the
// first refresh, or when the last refresh found nothing.
func (c *Cache) CurrentZones() []geometry.Box {
	return append([]geometry.Box(nil), c.zones...)
}

// Interval returns the configured refresh interval.
func (c *Cache) Interval() int {
	return c.interval
}

// FramesSinceRefresh returns the frames processed after the last refresh.
func (c *Cache) FramesSinceRefresh() int {
	return c.framesSinceRefresh
}

// Refreshes returns how many times RecordRefresh was called.
func (c *Cache) Refreshes() uint64 {
	return c.refreshes
}
