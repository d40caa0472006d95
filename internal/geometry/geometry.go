// Package geometry maps between viewport transforms and crop rectangles
// expressed in the pixel space of the original asset.
package geometry

import (
	"fmt"
	"math"
)

// DefaultMaxZoom is the largest magnification a user can apply on top of
// the cover fit.
const DefaultMaxZoom = 5.0

// MinZoom is the cover fit itself.
const MinZoom = 1.0

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both sides are finite and positive.
func (s Size) Valid() bool {
	return positive(s.Width) && positive(s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.Width, s.Height)
}

// Transform is the live gesture state: a magnification relative to the
// cover fit and a translation in viewport pixels.
type Transform struct {
	Scale      float64 `json:"scale"`
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
}

// Identity is the uncropped cover fit.
var Identity = Transform{Scale: MinZoom}

// Fit is the result of fitting an asset to cover a container.
type Fit struct {
	BaseScale     float64 `json:"baseScale"`
	DisplayWidth  float64 `json:"displayWidth"`
	DisplayHeight float64 `json:"displayHeight"`
}

// BaseFit computes the smallest uniform scale at which natural covers
// container on both axes. Degenerate sizes get a scale of 1.
func BaseFit(container, natural Size) Fit {
	scale := 1.0
	if container.Valid() && natural.Valid() {
		scale = math.Max(container.Width/natural.Width, container.Height/natural.Height)
	}
	return Fit{
		BaseScale:     scale,
		DisplayWidth:  natural.Width * scale,
		DisplayHeight: natural.Height * scale,
	}
}

// TranslateBounds returns how far the image may be moved off-center on
// each axis at the given user scale before a viewport edge uncovers.
func TranslateBounds(fit Fit, container Size, scale float64) (maxX, maxY float64) {
	maxX = math.Max((fit.DisplayWidth*scale-container.Width)/2, 0)
	maxY = math.Max((fit.DisplayHeight*scale-container.Height)/2, 0)
	return maxX, maxY
}

// ClampTransform brings t back into the range reachable by gestures:
// scale in [MinZoom, maxZoom] and translate within the bounds for that scale.
func ClampTransform(t Transform, fit Fit, container Size, maxZoom float64) Transform {
	if !positive(maxZoom) || maxZoom < MinZoom {
		maxZoom = DefaultMaxZoom
	}
	scale := t.Scale
	if !finite(scale) {
		scale = MinZoom
	}
	scale = clamp(scale, MinZoom, maxZoom)

	maxX, maxY := TranslateBounds(fit, container, scale)
	tx, ty := t.TranslateX, t.TranslateY
	if !finite(tx) {
		tx = 0
	}
	if !finite(ty) {
		ty = 0
	}
	return Transform{
		Scale:      scale,
		TranslateX: clamp(tx, -maxX, maxX),
		TranslateY: clamp(ty, -maxY, maxY),
	}
}

// TransformToCrop maps a viewport transform to the region of the original
// asset the viewport shows.
func TransformToCrop(container, natural Size, baseScale float64, t Transform) CropRect {
	if !natural.Valid() || !container.Valid() {
		return fullFrame(natural)
	}
	if !positive(baseScale) {
		baseScale = BaseFit(container, natural).BaseScale
	}
	scale := t.Scale
	if !finite(scale) || scale < MinZoom {
		scale = MinZoom
	}
	tx, ty := t.TranslateX, t.TranslateY
	if !finite(tx) {
		tx = 0
	}
	if !finite(ty) {
		ty = 0
	}

	total := baseScale * scale
	imageLeft := (container.Width-natural.Width*total)/2 + tx
	imageTop := (container.Height-natural.Height*total)/2 + ty

	width := math.Min(container.Width/total, natural.Width)
	height := math.Min(container.Height/total, natural.Height)

	return CropRect{
		X:             clamp(-imageLeft/total, 0, natural.Width-width),
		Y:             clamp(-imageTop/total, 0, natural.Height-height),
		Width:         width,
		Height:        height,
		Zoom:          scale,
		NaturalWidth:  natural.Width,
		NaturalHeight: natural.Height,
	}
}

// CropToTransform is the inverse of TransformToCrop. It is used to put the
// editor back into the state that produced a saved crop.
func CropToTransform(container, natural Size, baseScale float64, crop CropRect) Transform {
	if !natural.Valid() || !container.Valid() {
		return Identity
	}
	if !positive(baseScale) {
		baseScale = BaseFit(container, natural).BaseScale
	}
	scale := crop.Zoom
	if !finite(scale) || scale < MinZoom {
		scale = MinZoom
	}
	x, y := crop.X, crop.Y
	if !finite(x) {
		x = 0
	}
	if !finite(y) {
		y = 0
	}

	total := baseScale * scale
	return Transform{
		Scale:      scale,
		TranslateX: -(x * total) - (container.Width-natural.Width*total)/2,
		TranslateY: -(y * total) - (container.Height-natural.Height*total)/2,
	}
}

// CenterCrop returns the largest rectangle of the given ratio that fits
// inside natural, centered, at zoom 1.
func CenterCrop(natural Size, ratio AspectRatio) CropRect {
	if !natural.Valid() {
		return fullFrame(natural)
	}
	target := ratio.For(natural)

	width := natural.Width
	height := width / target
	if height > natural.Height {
		height = natural.Height
		width = height * target
	}

	return CropRect{
		X:             (natural.Width - width) / 2,
		Y:             (natural.Height - height) / 2,
		Width:         width,
		Height:        height,
		Zoom:          MinZoom,
		NaturalWidth:  natural.Width,
		NaturalHeight: natural.Height,
	}
}

func fullFrame(natural Size) CropRect {
	w, h := natural.Width, natural.Height
	if !positive(w) {
		w = 0
	}
	if !positive(h) {
		h = 0
	}
	return CropRect{
		Width:         w,
		Height:        h,
		Zoom:          MinZoom,
		NaturalWidth:  w,
		NaturalHeight: h,
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(math.Max(v, lo), hi)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positive(v float64) bool {
	return finite(v) && v > 0
}
