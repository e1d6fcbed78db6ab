// Package annotate draws occupancy decisions onto a copy of a frame.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
	"github.com/dj-oyu/crosswalk-monitor/internal/occupancy"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Style controls how zones and pedestrians are drawn.
type Style struct {
	ZoneColor    color.RGBA
	OnZoneColor  color.RGBA
	OffZoneColor color.RGBA
	TextColor    color.RGBA
	LineWidth    float64
	FootRadius   float64
	FontSize     float64
	ShowHeader   bool
}

// DefaultStyle draws zones blue, on-zone pedestrians green and off-zone
// pedestrians red.
func DefaultStyle() Style {
	return Style{
		ZoneColor:    color.RGBA{R: 0, G: 0, B: 255, A: 255},
		OnZoneColor:  color.RGBA{R: 0, G: 255, B: 0, A: 255},
		OffZoneColor: color.RGBA{R: 255, G: 0, B: 0, A: 255},
		TextColor:    color.RGBA{R: 255, G: 255, B: 255, A: 255},
		LineWidth:    2,
		FootRadius:   3,
		FontSize:     14,
		ShowHeader:   true,
	}
}

// LabelColor returns the color a pedestrian with the given decision is drawn in.
func (s Style) LabelColor(onZone bool) color.RGBA {
	if onZone {
		return s.OnZoneColor
	}
	return s.OffZoneColor
}

// LabelText returns the caption drawn above a pedestrian box.
func LabelText(onZone bool) string {
	if onZone {
		return "OnZebra"
	}
	return "OffZebra"
}

// Clone copies src into a new RGBA image whose bounds start at the origin.
func Clone(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Render returns an annotated copy of frame. frame itself is not modified.
// Boxes are clipped to the frame; captions and foot markers outside it are
// skipped.
func Render(frame image.Image, zones []geometry.Box, labels []occupancy.Label, style Style) *image.RGBA {
	dst := Clone(frame)
	dc := gg.NewContextForRGBA(dst)
	bounds := frame.Bounds()
	dc.Translate(float64(-bounds.Min.X), float64(-bounds.Min.Y))
	face := truetype.NewFace(labelFont, &truetype.Options{Size: style.FontSize})
	defer face.Close()
	dc.SetFontFace(face)

	// the rasterizer works in int32 fixed point, so nothing far outside the
	// frame may reach it
	margin := int(math.Ceil(max(style.LineWidth, style.FootRadius))) + 1
	clip := bounds.Inset(-margin)

	for _, z := range zones {
		r := z.Rect().Intersect(clip)
		if r.Empty() {
			continue
		}
		drawRect(dc, r, style.ZoneColor, style.LineWidth)
		drawCaption(dc, "Zebra", r, bounds, style.ZoneColor)
	}

	for _, l := range labels {
		c := style.LabelColor(l.OnZone)
		if r := l.Box.Rect().Intersect(clip); !r.Empty() {
			drawRect(dc, r, c, style.LineWidth)
			drawCaption(dc, LabelText(l.OnZone), r, bounds, c)
		}

		if l.FootPoint.In(clip) {
			dc.SetColor(c)
			dc.DrawCircle(float64(l.FootPoint.X)+0.5, float64(l.FootPoint.Y)+0.5, style.FootRadius)
			dc.Fill()
		}
	}

	if style.ShowHeader {
		onZone, _ := occupancy.Summarize(labels)
		drawHeader(dc, fmt.Sprintf("Pedestrians: %d  On crosswalk: %d", len(labels), onZone), bounds.Min, style)
	}
	return dst
}

func drawRect(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// drawCaption writes text 10px above r, or just inside it when r touches the
// top of the frame.
func drawCaption(dc *gg.Context, text string, r, frame image.Rectangle, c color.Color) {
	y := float64(r.Min.Y - 10)
	if y < float64(frame.Min.Y+12) {
		y = float64(r.Min.Y) + 14
	}
	dc.SetColor(c)
	dc.DrawString(text, float64(r.Min.X), y)
}

func drawHeader(dc *gg.Context, text string, origin image.Point, style Style) {
	w, h := dc.MeasureString(text)
	x, y := float64(origin.X)+8, float64(origin.Y)+8

	dc.SetColor(color.RGBA{A: 180})
	dc.DrawRectangle(x-4, y-2, w+8, h+8)
	dc.Fill()

	dc.SetColor(style.TextColor)
	dc.DrawStringAnchored(text, x, y, 0, 1)
}
