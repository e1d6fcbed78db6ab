package types

import (
	"image"
	"time"
)

// Frame is one decoded video frame with metadata
type Frame struct {
	Image     image.Image // Decoded pixels
	Timestamp time.Time   // Capture timestamp
	FrameNum  uint64      // Sequential frame number
	Source    string      // Origin, e.g. file path or camera name
}

// Width returns the frame width in pixels, 0 for an empty frame
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels, 0 for an empty frame
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
