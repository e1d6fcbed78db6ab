package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker plays the process side of the protocol over pipes. respond
// returns the lines to write back for a request.
func fakeWorker(t *testing.T, timeout time.Duration, respond func(req workerRequest) []workerResponse) (*Worker, <-chan workerRequest) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	seen := make(chan workerRequest, 16)

	go func() {
		defer stdoutW.Close()
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
		enc := json.NewEncoder(stdoutW)
		for scanner.Scan() {
			var req workerRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			seen <- req
			for _, resp := range respond(req) {
				if err := enc.Encode(resp); err != nil {
					return
				}
			}
		}
	}()

	w := newWorker(WorkerConfig{Name: "TestWorker", Timeout: timeout}, stdinW, stdoutR)
	t.Cleanup(func() {
		_ = w.Close()
		_ = stdinR.Close()
	})
	return w, seen
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

func TestWorkerDetect(t *testing.T) {
	w, seen := fakeWorker(t, time.Second, func(req workerRequest) []workerResponse {
		return []workerResponse{{
			ID: req.ID,
			Detections: []workerDetection{
				{Box: []float64{1, 2, 30, 40}, ClassID: 0, Confidence: 0.9, Label: "person"},
				{Box: []float64{5, 5, 10, 10}, ClassID: 2, Confidence: 0.4, Label: "car"},
			},
		}}
	})

	dets, err := w.Detect(context.Background(), testFrame(), 0.3)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 30.0, dets[0].Box.X2)
	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, 2, dets[1].ClassID)

	req := <-seen
	assert.Equal(t, 64, req.Width)
	assert.Equal(t, 48, req.Height)
	assert.Equal(t, 0.3, req.Confidence)
	assert.NotEmpty(t, req.ID)

	raw, err := base64.StdEncoding.DecodeString(req.Image)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(0), stats.Failures)
	assert.False(t, stats.LastSeenAt.IsZero())
}

func TestWorkerSkipsStaleResponses(t *testing.T) {
	w, _ := fakeWorker(t, time.Second, func(req workerRequest) []workerResponse {
		return []workerResponse{
			{ID: "stale", Detections: []workerDetection{{Box: []float64{0, 0, 1, 1}}}},
			{ID: req.ID},
		}
	})

	dets, err := w.Detect(context.Background(), testFrame(), 0.3)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestWorkerInferenceError(t *testing.T) {
	w, _ := fakeWorker(t, time.Second, func(req workerRequest) []workerResponse {
		return []workerResponse{{ID: req.ID, Error: "model not loaded"}}
	})

	_, err := w.Detect(context.Background(), testFrame(), 0.3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
	assert.Equal(t, uint64(1), w.Stats().Failures)
}

func TestWorkerMalformedBox(t *testing.T) {
	w, _ := fakeWorker(t, time.Second, func(req workerRequest) []workerResponse {
		return []workerResponse{{ID: req.ID, Detections: []workerDetection{{Box: []float64{1, 2, 3}}}}}
	})

	_, err := w.Detect(context.Background(), testFrame(), 0.3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedOutput))
}

func TestWorkerTimeout(t *testing.T) {
	w, _ := fakeWorker(t, 50*time.Millisecond, func(workerRequest) []workerResponse {
		return nil
	})

	_, err := w.Detect(context.Background(), testFrame(), 0.3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response within")
}

func TestWorkerContextCancel(t *testing.T) {
	w, _ := fakeWorker(t, time.Second, func(workerRequest) []workerResponse {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Detect(ctx, testFrame(), 0.3)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWorkerClosed(t *testing.T) {
	w, _ := fakeWorker(t, time.Second, func(req workerRequest) []workerResponse {
		return []workerResponse{{ID: req.ID}}
	})

	require.NoError(t, w.Close())
	_, err := w.Detect(context.Background(), testFrame(), 0.3)
	assert.True(t, errors.Is(err, ErrWorkerClosed))
	assert.NoError(t, w.Close())
}

func TestStartWorkerRequiresCommand(t *testing.T) {
	_, err := StartWorker(WorkerConfig{Name: "Empty"})
	assert.Error(t, err)
}
