package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/paulmach/orb"
)

// ColorRamp maps a normalised value in [0,1] to a colour.
type ColorRamp interface {
	Color(normalized float64) color.NRGBA
}

// RedRamp is constant red with green and blue fading out as the value
// grows: low values are pale pink, high values saturated red.
type RedRamp struct {
	Alpha uint8
}

// DefaultRamp is the ramp used for overlays unless configured otherwise.
var DefaultRamp = RedRamp{Alpha: 200}

func (r RedRamp) Color(n float64) color.NRGBA {
	gb := uint8(math.Floor(255 * (1 - n)))
	return color.NRGBA{R: 255, G: gb, B: gb, A: r.Alpha}
}

// Rasterize colours every sample of d into a non-premultiplied buffer of the
// same size. Pixel i of the buffer is sample i; no-data samples are left
// fully transparent.
func Rasterize(d *Dataset, ramp ColorRamp) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, d.width, d.height))
	for i, v := range d.samples {
		if d.IsNoData(v) {
			continue
		}
		c := ramp.Color(d.Normalize(v))
		p := img.Pix[i*4 : i*4+4 : i*4+4]
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	}
	return img
}

// Mask clears the pixels of img whose centre, placed inside placement, is
// rejected by contains. It returns the number of pixels cleared.
func Mask(img *image.NRGBA, placement orb.Bound, contains func(orb.Point) bool) int {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	dx := placement.Max[0] - placement.Min[0]
	dy := placement.Max[1] - placement.Min[1]

	cleared := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		lat := placement.Max[1] - (float64(y-b.Min.Y)+0.5)/h*dy
		for x := b.Min.X; x < b.Max.X; x++ {
			off := img.PixOffset(x, y)
			if img.Pix[off+3] == 0 {
				continue
			}
			lon := placement.Min[0] + (float64(x-b.Min.X)+0.5)/w*dx
			if contains(orb.Point{lon, lat}) {
				continue
			}
			img.Pix[off], img.Pix[off+1], img.Pix[off+2], img.Pix[off+3] = 0, 0, 0, 0
			cleared++
		}
	}
	return cleared
}
