// Package source produces frames for the pipeline.
package source

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/pkg/types"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
}

// Dir replays the still images of a directory in lexical order.
type Dir struct {
	path  string
	files []string
	loop  bool

	next     int
	frameNum uint64
}

// NewDir lists the images in path. With loop set, Next starts over after
// the last file instead of returning io.EOF.
func NewDir(path string, loop bool) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}
	sort.Strings(files)

	logger.Info("Source", "Found %d frame(s) in %s", len(files), path)
	return &Dir{path: path, files: files, loop: loop}, nil
}

// Len returns the number of images in the directory.
func (d *Dir) Len() int {
	return len(d.files)
}

// Next decodes the next image. It returns io.EOF once every file was read
// and looping is off. Undecodable files are returned as errors; the following
// call moves on to the next file.
func (d *Dir) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.files) {
		if !d.loop {
			return nil, io.EOF
		}
		d.next = 0
	}

	path := d.files[d.next]
	d.next++

	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	frame := &types.Frame{
		Image:     img,
		Timestamp: time.Now(),
		FrameNum:  d.frameNum,
		Source:    path,
	}
	d.frameNum++
	return frame, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	logger.Debug("Source", "Decoded %s (%s, %dx%d)", filepath.Base(path), format, img.Bounds().Dx(), img.Bounds().Dy())
	return img, nil
}
