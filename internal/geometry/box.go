package geometry

import "image"

// Box is an axis-aligned rectangle in image pixel coordinates.
// Detectors are expected to emit X1 < X2 and Y1 < Y2; nothing here enforces it.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box.
func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns Width*Height. Inverted boxes yield a non-positive area.
func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

// Pixels truncates the box to integer pixel coordinates.
func (b Box) Pixels() (x1, y1, x2, y2 int) {
	return int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)
}

// Rect returns the box as an image.Rectangle on truncated pixel coordinates.
func (b Box) Rect() image.Rectangle {
	x1, y1, x2, y2 := b.Pixels()
	return image.Rect(x1, y1, x2, y2)
}

// FootPoint is the ground-contact point of a standing person: horizontal
// midpoint of the box rounded down, bottom edge.
func (b Box) FootPoint() image.Point {
	x1, _, x2, y2 := b.Pixels()
	return image.Point{X: (x1 + x2) >> 1, Y: y2}
}

// ContainsPadded reports whether p falls inside b grown by hPad on the left and
// right and vPad on the top and bottom. Bounds are inclusive.
func (b Box) ContainsPadded(p image.Point, hPad, vPad int) bool {
	x1, y1, x2, y2 := b.Pixels()
	return p.X >= x1-hPad && p.X <= x2+hPad &&
		p.Y >= y1-vPad && p.Y <= y2+vPad
}
