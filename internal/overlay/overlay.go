// Package overlay draws recognition results onto frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/andresmejia3/rollcall/internal/confirm"
	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	ColorConfirmed = color.RGBA{0, 200, 0, 255}
	ColorTentative = color.RGBA{230, 180, 0, 255}
	ColorUnknown   = color.RGBA{220, 0, 0, 255}
	colorText      = color.RGBA{255, 255, 255, 255}
)

const (
	lineWidth   = 2
	labelHeight = 16
)

// Annotation is one box to draw.
type Annotation struct {
	Rect    image.Rectangle
	Label   string
	Color   color.RGBA
	Unknown bool
}

// Annotations builds the overlay for one processed frame. The face the tracker follows
// is labelled with its confirmation state; other accepted faces show their name.
func Annotations(candidates []types.MatchCandidate, obs confirm.Observation) []Annotation {
	out := make([]Annotation, 0, len(candidates))
	for _, c := range candidates {
		a := Annotation{Rect: c.Region.Rect()}
		switch {
		case !c.Accepted():
			a.Label, a.Color, a.Unknown = "Unknown", ColorUnknown, true
		case c.IdentityID == obs.IdentityID && obs.State == confirm.Confirmed:
			a.Label, a.Color = c.Name, ColorConfirmed
		default:
			a.Label, a.Color = fmt.Sprintf("%s?", c.Name), ColorTentative
		}
		out = append(out, a)
	}
	return out
}

// Options control how annotations are rendered.
type Options struct {
	// RedactUnknown fills unrecognized faces instead of outlining them.
	RedactUnknown bool
}

// Draw renders annotations in place.
func Draw(img *image.RGBA, anns []Annotation, opts Options) {
	for _, a := range anns {
		if a.Unknown && opts.RedactUnknown {
			Redact(img, a.Rect)
			continue
		}
		Box(img, a.Rect, a.Color)
		if a.Label != "" {
			Label(img, a.Rect.Min, a.Label, a.Color)
		}
	}
}

// Box draws a rectangle outline.
func Box(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	r := rect
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth), c)
	FillRect(img, image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y), c)
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y), c)
	FillRect(img, image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// Label draws text on a filled strip just above pt, or inside the box at the top edge.
func Label(img *image.RGBA, pt image.Point, text string, bg color.RGBA) {
	width := font.MeasureString(basicfont.Face7x13, text).Ceil() + 6
	top := pt.Y - labelHeight
	if top < img.Bounds().Min.Y {
		top = pt.Y
	}
	FillRect(img, image.Rect(pt.X, top, pt.X+width, top+labelHeight), bg)
	Text(img, image.Pt(pt.X+3, top+12), text, colorText)
}

// Text draws a string with its baseline at pt.
func Text(img *image.RGBA, pt image.Point, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(pt.X, pt.Y),
	}
	d.DrawString(text)
}

// FillRect paints rect, clipped to the image, with a solid color.
func FillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// Redact fills rect with the average color of its one-pixel border, blending the face
// into the background.
func Redact(img *image.RGBA, rect image.Rectangle) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	var r, g, b, count uint64
	stride := img.Stride
	pix := img.Pix
	bounds := img.Bounds()
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	sample := func(x, y int) {
		off := (y-imgMinY)*stride + (x-imgMinX)*4
		r += uint64(pix[off])
		g += uint64(pix[off+1])
		b += uint64(pix[off+2])
		count++
	}

	for x := rect.Min.X; x < rect.Max.X; x++ {
		if y := rect.Min.Y - 1; y >= bounds.Min.Y {
			sample(x, y)
		}
		if y := rect.Max.Y; y < bounds.Max.Y {
			sample(x, y)
		}
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		if x := rect.Min.X - 1; x >= bounds.Min.X {
			sample(x, y)
		}
		if x := rect.Max.X; x < bounds.Max.X {
			sample(x, y)
		}
	}

	fill := color.RGBA{A: 255}
	if count > 0 {
		fill.R, fill.G, fill.B = uint8(r/count), uint8(g/count), uint8(b/count)
	}
	FillRect(img, rect, fill)
}

// Encode compresses img to JPEG.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
