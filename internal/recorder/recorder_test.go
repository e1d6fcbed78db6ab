package recorder

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMJPEG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRecorder(dir, 90)

	assert.False(t, r.SendFrame(image.NewRGBA(image.Rect(0, 0, 16, 16))), "not recording yet")

	require.NoError(t, r.Start())
	assert.True(t, r.IsRecording())
	assert.Error(t, r.Start())

	for i := 0; i < 3; i++ {
		require.True(t, r.SendFrame(image.NewRGBA(image.Rect(0, 0, 16, 16))))
	}
	require.NoError(t, r.Stop())
	assert.False(t, r.IsRecording())

	status := r.GetStatus()
	assert.Equal(t, uint64(3), status.FrameCount)
	assert.Regexp(t, `^recording_\d{8}_\d{6}\.mjpeg$`, status.Filename)

	data, err := os.ReadFile(filepath.Join(dir, status.Filename))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), status.BytesWritten)
	assert.Equal(t, 3, bytes.Count(data, []byte{0xFF, 0xD8, 0xFF}))

	// the first JPEG of the stream decodes on its own
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestStopWithoutStart(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0)
	assert.Error(t, r.Stop())
	assert.NoError(t, r.Close())
}

func TestSendNilFrame(t *testing.T) {
	r := NewRecorder(t.TempDir(), 80)
	require.NoError(t, r.Start())
	defer r.Close()
	assert.False(t, r.SendFrame(nil))
}

func TestRestartRecording(t *testing.T) {
	r := NewRecorder(t.TempDir(), 80)
	require.NoError(t, r.Start())
	require.True(t, r.SendFrame(image.NewGray(image.Rect(0, 0, 4, 4))))
	require.NoError(t, r.Close())

	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	assert.Zero(t, r.GetStatus().FrameCount)
}
