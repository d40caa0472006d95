// Package gesture turns pan and pinch input into a bounded viewport
// transform and commits a crop once per finished gesture.
package gesture

import (
	"fmt"
	"math"

	"framecrop/internal/geometry"
)

type State int

const (
	Idle State = iota
	Interacting
	// Committing is only observable from inside a commit.
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Interacting:
		return "interacting"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Interacting, Committing} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown gesture state %q", text)
}

// Gesture is a set of gesture kinds; pan and pinch can run together.
type Gesture uint8

const (
	Pan Gesture = 1 << iota
	Pinch
)

func (g Gesture) String() string {
	switch g {
	case Pan:
		return "pan"
	case Pinch:
		return "pinch"
	case Pan | Pinch:
		return "pan+pinch"
	default:
		return "none"
	}
}

type Option func(*Machine)

// WithMaxZoom caps the magnification on top of the cover fit.
func WithMaxZoom(z float64) Option {
	return func(m *Machine) {
		if z >= geometry.MinZoom && !math.IsInf(z, 0) {
			m.maxZoom = z
		}
	}
}

// Machine holds the live transform of one media item. It is not safe for
// concurrent use; Loop gives it a single owner goroutine.
type Machine struct {
	container geometry.Size
	natural   geometry.Size
	fit       geometry.Fit
	maxZoom   float64

	state  State
	active Gesture

	live      geometry.Transform
	committed geometry.Transform
}

func New(container, natural geometry.Size, opts ...Option) *Machine {
	m := &Machine{
		maxZoom: geometry.DefaultMaxZoom,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resize(container, natural)
	m.Restore(nil)
	return m
}

func (m *Machine) State() State {
	return m.state
}

// Active returns the gestures currently in progress.
func (m *Machine) Active() Gesture {
	return m.active
}

// Transform returns the live transform the rendering surface should show.
func (m *Machine) Transform() geometry.Transform {
	return m.live
}

func (m *Machine) Container() geometry.Size {
	return m.container
}

func (m *Machine) Fit() geometry.Fit {
	return m.fit
}

func (m *Machine) Begin(g Gesture) {
	g &= Pan | Pinch
	if g == 0 {
		return
	}
	m.active |= g
	m.state = Interacting
}

// Pan moves the image by a per-frame delta in viewport pixels.
func (m *Machine) Pan(dx, dy float64) {
	if !finite(dx) || !finite(dy) {
		return
	}
	m.Begin(Pan)
	m.live.TranslateX += dx
	m.live.TranslateY += dy
	m.clampTranslate()
}

// Pinch multiplies the scale by an incremental factor.
func (m *Machine) Pinch(factor float64) {
	if !finite(factor) || factor <= 0 {
		return
	}
	m.Begin(Pinch)
	m.live.Scale = math.Min(math.Max(m.live.Scale*factor, geometry.MinZoom), m.maxZoom)
	m.clampTranslate()
}

// End finishes gesture g and returns the crop it commits. Nothing is
// committed when g was not in progress or the sizes are degenerate; the
// last committed crop stays the valid one.
func (m *Machine) End(g Gesture) (geometry.CropRect, bool) {
	g &= m.active
	if g == 0 {
		return geometry.CropRect{}, false
	}
	if !m.Measurable() {
		m.active &^= g
		if m.active == 0 {
			m.state = Idle
		}
		return geometry.CropRect{}, false
	}
	return m.finish(g, true)
}

// Measurable reports whether the container and asset sizes are known, i.e.
// whether a transform can be mapped to a crop.
func (m *Machine) Measurable() bool {
	return m.container.Valid() && m.natural.Valid()
}

// Abandon drops every gesture in progress without committing; the live
// transform falls back to the last committed one.
func (m *Machine) Abandon() {
	if m.active == 0 {
		return
	}
	m.finish(m.active, false)
}

// Restore seeds the transform from a saved crop, or the cover fit when
// crop is nil. Any gesture in progress is abandoned.
func (m *Machine) Restore(crop *geometry.CropRect) {
	m.active = 0
	m.state = Idle

	t := geometry.Identity
	if crop != nil {
		t = geometry.CropToTransform(m.container, m.natural, m.fit.BaseScale, *crop)
	}
	m.live = geometry.ClampTransform(t, m.fit, m.container, m.maxZoom)
	m.committed = m.live
}

// Reset re-fits the machine to a new container or asset size and restores
// crop in it.
func (m *Machine) Reset(container, natural geometry.Size, crop *geometry.CropRect) {
	m.resize(container, natural)
	m.Restore(crop)
}

// Crop maps the live transform without committing it.
func (m *Machine) Crop() geometry.CropRect {
	return geometry.TransformToCrop(m.container, m.natural, m.fit.BaseScale, m.live)
}

func (m *Machine) finish(g Gesture, commit bool) (geometry.CropRect, bool) {
	var crop geometry.CropRect
	if commit {
		m.state = Committing
		crop = geometry.TransformToCrop(m.container, m.natural, m.fit.BaseScale, m.live)
		m.committed = m.live
	} else {
		m.live = m.committed
	}

	m.active &^= g
	if !commit {
		m.active = 0
	}
	if m.active == 0 {
		m.state = Idle
	} else {
		m.state = Interacting
	}
	return crop, commit
}

func (m *Machine) resize(container, natural geometry.Size) {
	m.container = container
	m.natural = natural
	m.fit = geometry.BaseFit(container, natural)
}

func (m *Machine) clampTranslate() {
	maxX, maxY := geometry.TranslateBounds(m.fit, m.container, m.live.Scale)
	m.live.TranslateX = math.Min(math.Max(m.live.TranslateX, -maxX), maxX)
	m.live.TranslateY = math.Min(math.Max(m.live.TranslateY, -maxY), maxY)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
