package webmonitor

import (
	"sync"
	"time"
)

// Monitor keeps the latest occupancy result and a short history of frames
// that contained pedestrians.
type Monitor struct {
	startTime   time.Time
	historySize int

	mu              sync.Mutex
	version         int
	framesProcessed int
	framesDegraded  int
	zoneRefreshes   int
	fps             float64
	lastUpdate      time.Time
	latest          *OccupancyResult
	history         []OccupancyResult
	zones           []BoundingBox
}

// NewMonitor creates a Monitor keeping historySize past results.
func NewMonitor(historySize int) *Monitor {
	if historySize <= 0 {
		historySize = DefaultConfig().HistorySize
	}
	return &Monitor{
		startTime:   time.Now(),
		historySize: historySize,
	}
}

// Update stores a new result and returns it with its version set.
func (m *Monitor) Update(result OccupancyResult) OccupancyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.lastUpdate.IsZero() {
		if dt := now.Sub(m.lastUpdate).Seconds(); dt > 0 {
			// exponential moving average over roughly ten frames
			inst := 1 / dt
			if m.fps == 0 {
				m.fps = inst
			} else {
				m.fps = 0.9*m.fps + 0.1*inst
			}
		}
	}
	m.lastUpdate = now

	m.version++
	m.framesProcessed++
	if result.Degraded {
		m.framesDegraded++
	}
	if result.ZoneRefreshed {
		m.zoneRefreshes++
	}
	if !result.Degraded {
		m.zones = result.Zones
	}

	result.Version = m.version
	m.latest = &result
	if result.PedestrianCount > 0 {
		m.history = append([]OccupancyResult{result}, m.history...)
		if len(m.history) > m.historySize {
			m.history = m.history[:m.historySize]
		}
	}
	return result
}

// Snapshot returns the stream statistics, the latest result and the history,
// newest first.
func (m *Monitor) Snapshot() (MonitorStats, *OccupancyResult, []OccupancyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesProcessed:  m.framesProcessed,
		FramesDegraded:   m.framesDegraded,
		CurrentFPS:       m.fps,
		ZoneCount:        len(m.zones),
		ZoneRefreshes:    m.zoneRefreshes,
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		LastFrameVersion: m.version,
	}

	var latest *OccupancyResult
	if m.latest != nil {
		cp := *m.latest
		latest = &cp
		stats.PedestrianCount = cp.PedestrianCount
		stats.OnZoneCount = cp.OnZoneCount
	}

	history := make([]OccupancyResult, len(m.history))
	copy(history, m.history)
	return stats, latest, history
}

// Zones returns the zones of the last frame that was analysed successfully.
func (m *Monitor) Zones() []BoundingBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BoundingBox{}, m.zones...)
}
