package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveFrame(t *testing.T) {
	m := New()

	m.ObserveFrame(3, 1, 2, true, false, 20*time.Millisecond)
	m.ObserveFrame(2, 2, 2, false, false, 10*time.Millisecond)
	m.ObserveFrame(0, 0, 0, false, true, time.Millisecond)

	assert.Equal(t, uint64(3), m.FramesProcessed.Load())
	assert.Equal(t, uint64(1), m.FramesDegraded.Load())
	assert.Equal(t, uint64(1), m.ZoneRefreshes.Load())
	assert.Equal(t, uint64(1), m.ZoneCacheReuse.Load())
	assert.Equal(t, uint64(0), m.Pedestrians.Load())
	assert.Equal(t, uint64(1), m.ProcessLatencyMs.Load())
}

func TestHandlerExposesCrosswalkMetrics(t *testing.T) {
	m := New()
	m.FramesRead.Add(5)
	m.ObserveFrame(4, 3, 1, true, false, 5*time.Millisecond)

	body := scrape(t, m)
	for _, name := range []string{
		"crosswalk_frames_read_total 5",
		"crosswalk_frames_processed_total 1",
		"crosswalk_zone_refreshes_total 1",
		"crosswalk_pedestrians 4",
		"crosswalk_pedestrians_on_zone 3",
		"crosswalk_detector_errors_total 0",
		"crosswalk_process_duration_seconds_count 1",
		"crosswalk_recording_active 0",
	} {
		assert.Contains(t, body, name)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.FramesDropped.Add(7)

	assert.Contains(t, scrape(t, a), "crosswalk_frames_dropped_total 7")
	assert.Contains(t, scrape(t, b), "crosswalk_frames_dropped_total 0")
}
