package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

const originalLabel = "original"

// AspectRatio is a width/height ratio. The zero value is Original, which
// follows each asset's own ratio.
type AspectRatio struct {
	value float64
	label string
}

var (
	Original  = AspectRatio{}
	Square    = Ratio(1, 1)
	Portrait  = Ratio(4, 5)
	Landscape = Ratio(16, 9)
)

// Ratio builds the aspect ratio w:h. Non-positive sides yield Original.
func Ratio(w, h float64) AspectRatio {
	if !positive(w) || !positive(h) || !positive(w/h) {
		return Original
	}
	return AspectRatio{
		value: w / h,
		label: strconv.FormatFloat(w, 'f', -1, 64) + ":" + strconv.FormatFloat(h, 'f', -1, 64),
	}
}

// ParseAspectRatio accepts "original", "w:h", "w/h" or a decimal ratio.
func ParseAspectRatio(s string) (AspectRatio, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == originalLabel {
		return Original, nil
	}

	for _, sep := range []string{":", "/", "x"} {
		w, h, ok := strings.Cut(s, sep)
		if !ok {
			continue
		}
		wf, errW := strconv.ParseFloat(strings.TrimSpace(w), 64)
		hf, errH := strconv.ParseFloat(strings.TrimSpace(h), 64)
		if errW != nil || errH != nil || !positive(wf) || !positive(hf) || !positive(wf/hf) {
			return Original, fmt.Errorf("%q: %w", s, ErrInvalidAspectRatio)
		}
		return Ratio(wf, hf), nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !positive(v) {
		return Original, fmt.Errorf("%q: %w", s, ErrInvalidAspectRatio)
	}
	return AspectRatio{value: v, label: strconv.FormatFloat(v, 'f', -1, 64)}, nil
}

func (a AspectRatio) IsOriginal() bool {
	return !positive(a.value)
}

// For returns the width/height ratio to use for an asset of the given size.
func (a AspectRatio) For(natural Size) float64 {
	if !a.IsOriginal() {
		return a.value
	}
	if !natural.Valid() {
		return 1
	}
	return natural.Width / natural.Height
}

// ContainerFor shapes a viewport of the given width to the ratio.
func (a AspectRatio) ContainerFor(width float64, natural Size) Size {
	if !positive(width) {
		return Size{}
	}
	return Size{Width: width, Height: width / a.For(natural)}
}

func (a AspectRatio) String() string {
	if a.IsOriginal() {
		return originalLabel
	}
	return a.label
}

func (a AspectRatio) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AspectRatio) UnmarshalText(text []byte) error {
	parsed, err := ParseAspectRatio(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
