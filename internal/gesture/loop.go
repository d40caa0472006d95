package gesture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"framecrop/internal/geometry"
)

var ErrLoopClosed = errors.New("gesture loop closed")

type EventKind int

const (
	EventBegin EventKind = iota
	EventPan
	EventPinch
	EventEnd
	EventAbandon
	EventReset
	eventSync
)

var eventKindNames = map[EventKind]string{
	EventBegin:   "begin",
	EventPan:     "pan",
	EventPinch:   "pinch",
	EventEnd:     "end",
	EventAbandon: "abandon",
	EventReset:   "reset",
	eventSync:    "sync",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one input frame for a Loop.
type Event struct {
	Kind    EventKind
	Gesture Gesture
	DX, DY  float64
	Factor  float64

	// EventReset only
	Container  geometry.Size
	Natural    geometry.Size
	Crop       *geometry.CropRect
	Generation uint64

	ack chan struct{}
}

func BeginEvent(g Gesture) Event { return Event{Kind: EventBegin, Gesture: g} }
func PanEvent(dx, dy float64) Event { return Event{Kind: EventPan, DX: dx, DY: dy} }
func PinchEvent(factor float64) Event { return Event{Kind: EventPinch, Factor: factor} }
func EndEvent(g Gesture) Event { return Event{Kind: EventEnd, Gesture: g} }
func AbandonEvent() Event { return Event{Kind: EventAbandon} }

// ResetEvent re-fits the loop and moves it to a new generation. Commits
// made after the reset carry that generation.
func ResetEvent(container, natural geometry.Size, crop *geometry.CropRect, generation uint64) Event {
	return Event{Kind: EventReset, Container: container, Natural: natural, Crop: crop, Generation: generation}
}

// Commit is the only message a Loop sends out: the crop produced by one
// finished gesture.
type Commit struct {
	ItemID     string
	Generation uint64
	Crop       geometry.CropRect
}

// Snapshot is what a rendering surface needs to paint the item.
type Snapshot struct {
	State     State              `json:"state"`
	Transform geometry.Transform `json:"transform"`
	Container geometry.Size      `json:"container"`
	Fit       geometry.Fit       `json:"fit"`
}

// Loop runs the per-frame gesture math for one item on its own goroutine.
// Frames never leave the loop; only commits do.
type Loop struct {
	itemID  string
	machine *Machine
	events  chan Event
	commits chan<- Commit

	// owned by the Run goroutine
	generation uint64

	snapshot atomic.Pointer[Snapshot]

	done      chan struct{}
	closeOnce sync.Once
}

const eventBacklog = 128

type LoopOption func(*Loop)

// WithGeneration sets the generation commits carry until the first reset.
func WithGeneration(g uint64) LoopOption {
	return func(l *Loop) {
		l.generation = g
	}
}

func NewLoop(itemID string, machine *Machine, commits chan<- Commit, opts ...LoopOption) *Loop {
	l := &Loop{
		itemID:  itemID,
		machine: machine,
		events:  make(chan Event, eventBacklog),
		commits: commits,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publish()
	return l
}

func (l *Loop) ItemID() string {
	return l.itemID
}

// Snapshot returns the latest published state without waiting for the loop.
func (l *Loop) Snapshot() Snapshot {
	return *l.snapshot.Load()
}

func (l *Loop) Transform() geometry.Transform {
	return l.Snapshot().Transform
}

// Send queues ev for the loop.
func (l *Loop) Send(ctx context.Context, ev Event) error {
	select {
	case <-l.done:
		return ErrLoopClosed
	default:
	}
	select {
	case l.events <- ev:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every event sent before it has been applied.
func (l *Loop) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	if err := l.Send(ctx, Event{Kind: eventSync, ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. A gesture still in progress is dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Run applies events until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) {
	logger := log.Ctx(ctx).With().Str("item", l.itemID).Logger()
	logger.Debug().Msg("gesture loop started")
	defer logger.Debug().Msg("gesture loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case ev := <-l.events:
			if ev.Kind == eventSync {
				close(ev.ack)
				continue
			}
			crop, ok := l.apply(ev)
			l.publish()
			if ev.Kind == EventEnd && !l.machine.Measurable() {
				logger.Debug().Err(geometry.ErrGeometryDegenerate).
					Stringer("gesture", ev.Gesture).
					Msg("gesture ended without a crop")
			}
			if !ok {
				continue
			}
			logger.Debug().Stringer("gesture", ev.Gesture).Stringer("crop", crop).Msg("gesture committed")
			select {
			case l.commits <- Commit{ItemID: l.itemID, Generation: l.generation, Crop: crop}:
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}
}

func (l *Loop) apply(ev Event) (geometry.CropRect, bool) {
	m := l.machine
	switch ev.Kind {
	case EventBegin:
		m.Begin(ev.Gesture)
	case EventPan:
		m.Pan(ev.DX, ev.DY)
	case EventPinch:
		m.Pinch(ev.Factor)
	case EventEnd:
		return m.End(ev.Gesture)
	case EventAbandon:
		m.Abandon()
	case EventReset:
		l.generation = ev.Generation
		m.Reset(ev.Container, ev.Natural, ev.Crop)
	}
	return geometry.CropRect{}, false
}

func (l *Loop) publish() {
	m := l.machine
	l.snapshot.Store(&Snapshot{
		State:     m.State(),
		Transform: m.Transform(),
		Container: m.Container(),
		Fit:       m.Fit(),
	})
}
