package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/andresmejia3/vigil/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	AlertText   = "DROWSINESS ALERT!"
	textMargin  = 10
	textBaseY   = 30
	earTextSpan = 150 // "EAR: 0.00" starts this far from the right edge
)

var (
	HullColor = color.RGBA{0, 255, 0, 255}
	TextColor = color.RGBA{255, 0, 0, 255}
)

// Annotate copies img and draws the overlay on it: eye hulls, the EAR readout
// and the alert banner.
func Annotate(img image.Image, ov Overlay) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	for _, eye := range ov.Eyes {
		drawPolygon(dst, ConvexHull(eye), HullColor)
	}
	if ov.HasRatio {
		x := b.Max.X - earTextSpan
		if x < b.Min.X+textMargin {
			x = b.Min.X + textMargin
		}
		drawText(dst, fmt.Sprintf("EAR: %.2f", ov.Ratio), x, b.Min.Y+textBaseY, TextColor)
	}
	if ov.Alerting {
		drawText(dst, AlertText, b.Min.X+textMargin, b.Min.Y+textBaseY, TextColor)
	}
	return dst
}

// AnnotateJPEG decodes a JPEG frame, annotates it and re-encodes it.
func AnnotateJPEG(data []byte, ov Overlay) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Annotate(img, ov), &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func drawText(dst draw.Image, s string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawPolygon(dst *image.RGBA, pts []types.Point, c color.RGBA) {
	switch len(pts) {
	case 0:
		return
	case 1:
		dst.SetRGBA(round(pts[0].X), round(pts[0].Y), c)
		return
	}
	for i := range pts {
		a, b := pts[i], pts[(i+1)%len(pts)]
		drawLine(dst, round(a.X), round(a.Y), round(b.X), round(b.Y), c)
	}
}

// drawLine is Bresenham; SetRGBA clips pixels outside the image.
func drawLine(dst *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		dst.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func round(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
