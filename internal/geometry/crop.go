package geometry

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrGeometryDegenerate marks sizes that are zero, negative or not finite.
	ErrGeometryDegenerate = errors.New("degenerate geometry")
	// ErrBoundsViolation marks a crop that reaches outside its source.
	ErrBoundsViolation = errors.New("crop exceeds source bounds")
	// ErrMissingNaturalDimensions marks media whose pixel size is unknown.
	ErrMissingNaturalDimensions = errors.New("missing natural dimensions")
	ErrInvalidAspectRatio       = errors.New("invalid aspect ratio")
)

// CropRect describes a crop in the pixel space of the original asset. It
// carries the asset's natural size so it can be applied on its own.
type CropRect struct {
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Zoom          float64 `json:"zoom"`
	NaturalWidth  float64 `json:"naturalWidth"`
	NaturalHeight float64 `json:"naturalHeight"`
}

func (c CropRect) Natural() Size {
	return Size{Width: c.NaturalWidth, Height: c.NaturalHeight}
}

func (c CropRect) String() string {
	return fmt.Sprintf("crop(x=%.2f,y=%.2f,w=%.2f,h=%.2f,zoom=%.3f)", c.X, c.Y, c.Width, c.Height, c.Zoom)
}

// Clamp pulls the rectangle inside its natural bounds, shrinking it only
// when it is larger than the source.
func (c CropRect) Clamp() CropRect {
	natural := c.Natural()
	if !natural.Valid() {
		return fullFrame(natural)
	}
	if !finite(c.Zoom) || c.Zoom < MinZoom {
		c.Zoom = MinZoom
	}
	if !positive(c.Width) || c.Width > natural.Width {
		c.Width = natural.Width
	}
	if !positive(c.Height) || c.Height > natural.Height {
		c.Height = natural.Height
	}
	if !finite(c.X) {
		c.X = 0
	}
	if !finite(c.Y) {
		c.Y = 0
	}
	c.X = clamp(c.X, 0, natural.Width-c.Width)
	c.Y = clamp(c.Y, 0, natural.Height-c.Height)
	return c
}

// Check reports why c cannot be applied to its source as is.
func (c CropRect) Check() error {
	if !c.Natural().Valid() {
		return fmt.Errorf("natural size %s: %w", c.Natural(), ErrGeometryDegenerate)
	}
	if !positive(c.Width) || !positive(c.Height) {
		return fmt.Errorf("crop size %gx%g: %w", c.Width, c.Height, ErrGeometryDegenerate)
	}
	// sub-pixel slack for float rounding
	const eps = 1e-6
	if !finite(c.X) || !finite(c.Y) || c.X < -eps || c.Y < -eps ||
		c.X+c.Width > c.NaturalWidth+eps || c.Y+c.Height > c.NaturalHeight+eps {
		return fmt.Errorf("%s in %s: %w", c, c.Natural(), ErrBoundsViolation)
	}
	return nil
}

// Scaled maps the crop onto a copy of the asset with a different pixel
// size, e.g. a resized display rendition.
func (c CropRect) Scaled(to Size) CropRect {
	if !to.Valid() || !c.Natural().Valid() {
		return c
	}
	sx := to.Width / c.NaturalWidth
	sy := to.Height / c.NaturalHeight
	if math.Abs(sx-1) < 1e-9 && math.Abs(sy-1) < 1e-9 {
		return c
	}
	return CropRect{
		X:             c.X * sx,
		Y:             c.Y * sy,
		Width:         c.Width * sx,
		Height:        c.Height * sy,
		Zoom:          c.Zoom,
		NaturalWidth:  to.Width,
		NaturalHeight: to.Height,
	}
}
