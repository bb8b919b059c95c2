package server

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/cwbudde/descentreg/internal/transform"
)

var (
	colorMoving = color.NRGBA{R: 40, G: 120, B: 220, A: 255}
	colorMapped = color.NRGBA{R: 220, G: 60, B: 40, A: 255}
)

// renderOverlay plots the first two coordinates of the moving points and
// the mapped fixed points on a white size x size canvas. A perfect
// registration draws every red marker on top of a blue one.
func renderOverlay(moving, mapped []transform.Point, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, set := range [][]transform.Point{moving, mapped} {
		for _, p := range set {
			if len(p) < 2 || !finitePoint(p) {
				continue
			}
			minX, maxX = math.Min(minX, p[0]), math.Max(maxX, p[0])
			minY, maxY = math.Min(minY, p[1]), math.Max(maxY, p[1])
		}
	}
	if math.IsInf(minX, 1) {
		return img
	}

	extent := math.Max(maxX-minX, maxY-minY)
	if extent == 0 {
		extent = 1
	}
	margin := float64(size) * 0.05
	scale := (float64(size) - 2*margin) / extent

	project := func(p transform.Point) (int, int) {
		x := margin + (p[0]-minX)*scale
		// image y grows downwards
		y := float64(size) - margin - (p[1]-minY)*scale
		return int(math.Round(x)), int(math.Round(y))
	}

	for _, p := range moving {
		if len(p) >= 2 && finitePoint(p) {
			x, y := project(p)
			drawMarker(img, x, y, 3, colorMoving)
		}
	}
	for _, p := range mapped {
		if len(p) >= 2 && finitePoint(p) {
			x, y := project(p)
			drawMarker(img, x, y, 1, colorMapped)
		}
	}
	return img
}

func drawMarker(img *image.NRGBA, cx, cy, r int, c color.NRGBA) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if image.Pt(x, y).In(img.Bounds()) {
				img.SetNRGBA(x, y, c)
			}
		}
	}
}

func finitePoint(p transform.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
