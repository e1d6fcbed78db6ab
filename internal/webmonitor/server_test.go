package webmonitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
	"github.com/dj-oyu/crosswalk-monitor/internal/metrics"
	"github.com/dj-oyu/crosswalk-monitor/internal/occupancy"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
	"github.com/dj-oyu/crosswalk-monitor/internal/recorder"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StatusInterval = time.Hour
	cfg.KeepaliveInterval = 20 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, rec *recorder.Recorder, m *metrics.Metrics) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(testConfig(), rec, m)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func sampleResult() pipeline.Result {
	return pipeline.Result{
		Annotated:       image.NewRGBA(image.Rect(0, 0, 64, 48)),
		PedestrianCount: 2,
		Labels: []occupancy.Label{
			{
				Box:        geometry.Box{X1: 10, Y1: 10, X2: 20, Y2: 40},
				FootPoint:  image.Pt(15, 40),
				OnZone:     true,
				Criterion:  occupancy.CriterionContainment,
				MaxOverlap: 0.5,
			},
			{
				Box:       geometry.Box{X1: 200, Y1: 10, X2: 220, Y2: 40},
				FootPoint: image.Pt(210, 40),
			},
		},
		Zones:         []geometry.Box{{X1: 0, Y1: 30, X2: 100, Y2: 60}},
		ZoneRefreshed: true,
		FrameNumber:   3,
		StreamID:      "cam-1",
		Duration:      1500 * time.Microsecond,
	}
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func post(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

// openStream starts a streaming request that is cancelled when the test ends.
func openStream(t *testing.T, url, accept string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data)
		}
	}
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "/api/occupancy/stream")

	resp, err = http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusAfterPublish(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)

	_, payload := getJSON(t, ts.URL+"/api/status")
	assert.Nil(t, payload["latest_occupancy"])
	assert.Empty(t, payload["occupancy_history"])

	s.Publish(sampleResult())

	resp, payload := getJSON(t, ts.URL+"/api/status")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	monitor := payload["monitor"].(map[string]any)
	assert.EqualValues(t, 1, monitor["frames_processed"])
	assert.EqualValues(t, 2, monitor["pedestrian_count"])
	assert.EqualValues(t, 1, monitor["on_zone_count"])
	assert.EqualValues(t, 1, monitor["zone_count"])
	assert.EqualValues(t, 1, monitor["zone_refreshes"])

	latest := payload["latest_occupancy"].(map[string]any)
	assert.Equal(t, "cam-1", latest["stream_id"])
	assert.EqualValues(t, 3, latest["frame_number"])
	assert.EqualValues(t, 1, latest["version"])
	assert.EqualValues(t, 1, latest["off_zone_count"])
	assert.InDelta(t, 1.5, latest["processing_ms"], 1e-9)

	peds := latest["pedestrians"].([]any)
	require.Len(t, peds, 2)
	first := peds[0].(map[string]any)
	assert.Equal(t, true, first["on_zone"])
	assert.Equal(t, "containment", first["criterion"])
	assert.Equal(t, map[string]any{"x": 10.0, "y": 10.0, "w": 10.0, "h": 30.0}, first["bbox"])

	assert.Len(t, payload["occupancy_history"], 1)
}

func TestZonesEndpoint(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)
	s.Publish(sampleResult())

	_, payload := getJSON(t, ts.URL+"/api/zones")
	zones := payload["zones"].([]any)
	require.Len(t, zones, 1)
	assert.Equal(t, map[string]any{"x": 0.0, "y": 30.0, "w": 100.0, "h": 30.0}, zones[0])
}

func TestHealth(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)
	s.Publish(sampleResult())

	_, payload := getJSON(t, ts.URL+"/healthz")
	assert.Equal(t, "ok", payload["status"])
	assert.EqualValues(t, 1, payload["frames_processed"])
	assert.Equal(t, false, payload["recording"])
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(t.TempDir(), 80)
	defer rec.Close()
	m := metrics.New()
	_, ts := newTestServer(t, rec, m)

	resp, err := http.Get(ts.URL + "/api/recording/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, payload := post(t, ts.URL+"/api/recording/start")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recording", payload["status"])
	assert.Regexp(t, `^recording_.*\.mjpeg$`, payload["file"])
	assert.Equal(t, uint64(1), m.RecordingActive.Load())

	resp, payload = post(t, ts.URL+"/api/recording/start")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "already recording", payload["error"])

	_, payload = getJSON(t, ts.URL+"/api/recording/status")
	assert.Equal(t, true, payload["recording"])

	resp, payload = post(t, ts.URL+"/api/recording/stop")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", payload["status"])
	assert.Equal(t, uint64(0), m.RecordingActive.Load())

	resp, _ = post(t, ts.URL+"/api/recording/stop")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordingWithoutRecorder(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, payload := post(t, ts.URL+"/api/recording/start")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, payload["error"])

	_, payload = getJSON(t, ts.URL+"/api/recording/status")
	assert.Equal(t, false, payload["recording"])
}

func TestOccupancyStreamJSON(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)

	resp := openStream(t, ts.URL+"/api/occupancy/stream", "")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))
	require.Equal(t, 1, s.occupancy.ClientCount())

	s.Publish(sampleResult())

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, bufio.NewReader(resp.Body))), &payload))
	assert.Equal(t, "cam-1", payload["stream_id"])
	assert.EqualValues(t, 2, payload["pedestrian_count"])
	assert.EqualValues(t, 1, payload["on_zone_count"])
}

func TestOccupancyStreamProtobuf(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)

	resp := openStream(t, ts.URL+"/api/occupancy/stream", "application/protobuf")
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	res := sampleResult()
	res.Degraded = true
	res.Err = assert.AnError
	s.Publish(res)

	raw, err := base64.StdEncoding.DecodeString(readSSEData(t, bufio.NewReader(resp.Body)))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))

	fields := st.GetFields()
	assert.Equal(t, "cam-1", fields["stream_id"].GetStringValue())
	assert.Equal(t, 3.0, fields["frame_number"].GetNumberValue())
	assert.True(t, fields["degraded"].GetBoolValue())
	assert.Equal(t, assert.AnError.Error(), fields["error"].GetStringValue())
	assert.Len(t, fields["pedestrians"].GetListValue().GetValues(), 2)
}

func TestStatusStreamSendsSnapshotFirst(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)
	s.Publish(sampleResult())

	resp := openStream(t, ts.URL+"/api/status/stream", "")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, bufio.NewReader(resp.Body))), &payload))
	monitor := payload["monitor"].(map[string]any)
	assert.EqualValues(t, 1, monitor["frames_processed"])
	assert.NotNil(t, payload["latest_occupancy"])
}

func TestMJPEGStream(t *testing.T) {
	m := metrics.New()
	s, ts := newTestServer(t, nil, m)

	resp := openStream(t, ts.URL+"/stream", "")
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1), m.MJPEGClients.Load())

	mr := multipart.NewReader(resp.Body, "frame")

	// nothing published yet, so the placeholder arrives
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())

	s.Publish(sampleResult())

	found := false
	for i := 0; i < 10 && !found; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		img, err := jpeg.Decode(part)
		require.NoError(t, err)
		found = img.Bounds() == image.Rect(0, 0, 64, 48)
	}
	assert.True(t, found, "annotated frame not streamed")
}

func TestMonitorHistory(t *testing.T) {
	m := NewMonitor(2)

	empty := OccupancyResult{FrameNumber: 0}
	m.Update(empty)
	for i := 1; i <= 3; i++ {
		m.Update(OccupancyResult{FrameNumber: uint64(i), PedestrianCount: i})
	}

	stats, latest, history := m.Snapshot()
	assert.Equal(t, 4, stats.FramesProcessed)
	assert.Equal(t, 4, stats.LastFrameVersion)
	require.NotNil(t, latest)
	assert.Equal(t, 4, latest.Version)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(3), history[0].FrameNumber)
	assert.Equal(t, uint64(2), history[1].FrameNumber)
}

func TestMonitorKeepsZonesOfLastGoodFrame(t *testing.T) {
	m := NewMonitor(4)
	zones := []BoundingBox{{X: 1, Y: 2, W: 3, H: 4}}

	m.Update(OccupancyResult{Zones: zones})
	m.Update(OccupancyResult{Degraded: true})

	assert.Equal(t, zones, m.Zones())
	stats, _, _ := m.Snapshot()
	assert.Equal(t, 1, stats.FramesDegraded)
	assert.Equal(t, 1, stats.ZoneCount)
}

func TestNewOccupancyResult(t *testing.T) {
	at := time.Unix(100, 500_000_000)
	r := NewOccupancyResult(sampleResult(), at)

	assert.Equal(t, 100.5, r.Timestamp)
	assert.Equal(t, 2, r.PedestrianCount)
	assert.Equal(t, 1, r.OnZoneCount)
	assert.Equal(t, 1, r.OffZoneCount)
	assert.Equal(t, "none", r.Pedestrians[1].Criterion)
	assert.Equal(t, 210, r.Pedestrians[1].FootX)
	assert.Empty(t, r.Error)
}

func TestFanoutSkipsSlowClient(t *testing.T) {
	fb := NewFrameBroadcaster()
	id, ch := fb.Subscribe()

	for i := 0; i < 5; i++ {
		fb.Broadcast([]byte{byte(i)})
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, []byte{0}, <-ch)

	fb.Unsubscribe(id)
	assert.Equal(t, []byte{1}, <-ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, fb.ClientCount())
}

func TestFanoutClose(t *testing.T) {
	var counts []int
	eb := NewEventBroadcaster("test")
	eb.onChange = func(n int) { counts = append(counts, n) }

	_, ch := eb.Subscribe()
	eb.Close()

	_, ok := <-ch
	assert.False(t, ok)

	_, late := eb.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, []int{1, 0}, counts)

	// no clients, nothing to serialize
	eb.Publish(map[string]any{"x": 1})
}

func TestSerializedEventFormats(t *testing.T) {
	event, err := newSerializedEvent(map[string]any{"count": 2, "zones": []any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2,"zones":[]}`, string(event.JSONData))

	_, err = newSerializedEvent(map[string]any{"bad": []int{1}})
	assert.Error(t, err)
}
