package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"framecrop/internal/geometry"
)

// ImagingCropper applies crop rectangles with disintegration/imaging.
type ImagingCropper struct {
	Quality int
}

func NewImagingCropper() *ImagingCropper {
	return &ImagingCropper{Quality: 90}
}

// Crop decodes an image from r, cuts out crop and writes the result to w as
// JPEG. The crop is rescaled when the decoded image is not the size the crop
// was made against, e.g. when r is a downsized rendition.
func (c *ImagingCropper) Crop(ctx context.Context, r io.Reader, w io.Writer, crop geometry.CropRect) error {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	decoded := geometry.Size{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}
	if !crop.Natural().Valid() {
		return fmt.Errorf("crop %s: %w", crop, geometry.ErrMissingNaturalDimensions)
	}
	if crop.Natural() != decoded {
		log.Ctx(ctx).Debug().
			Stringer("crop_natural", crop.Natural()).
			Stringer("decoded", decoded).
			Msg("rescaling crop to decoded image")
	}

	crop = crop.Scaled(decoded).Clamp()
	if err := crop.Check(); err != nil {
		return fmt.Errorf("invalid crop: %w", err)
	}

	x := int(math.Round(crop.X))
	y := int(math.Round(crop.Y))
	rect := image.Rect(x, y, x+int(math.Round(crop.Width)), y+int(math.Round(crop.Height))).
		Add(bounds.Min).
		Intersect(bounds)
	if rect.Empty() {
		return fmt.Errorf("crop %s: %w", crop, geometry.ErrBoundsViolation)
	}

	quality := c.Quality
	if quality <= 0 {
		quality = 90
	}
	return imaging.Encode(w, imaging.Crop(src, rect), imaging.JPEG, imaging.JPEGQuality(quality))
}
