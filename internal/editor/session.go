package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"framecrop/internal/geometry"
	"framecrop/internal/gesture"
)

var (
	ErrItemNotFound    = errors.New("media item not found")
	ErrSessionEnded    = errors.New("edit session ended")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNoNaturalSize   = fmt.Errorf("cannot crop: %w", geometry.ErrMissingNaturalDimensions)
)

const (
	defaultViewport     = 1080.0
	commitChannelBuffer = 64
)

type Config struct {
	// Viewport is the editor's container width in pixels. The height
	// follows the active aspect ratio.
	Viewport float64
	Ratio    geometry.AspectRatio
	MaxZoom  float64

	OnCropCommitted func(itemID string, crop geometry.CropRect)
	OnSessionEnd    func()
}

// BatchResult reports what an aspect ratio switch did to each item.
type BatchResult struct {
	Ratio     geometry.AspectRatio `json:"ratio"`
	Updated   []string             `json:"updated"`
	Skipped   []string             `json:"skipped"`
	Unchanged []string             `json:"unchanged"`
}

// Session is one editing session over an ordered selection of media.
type Session struct {
	config Config

	mu      sync.RWMutex
	items   []*MediaItem
	byID    map[string]*MediaItem
	current int
	ratio   geometry.AspectRatio
	ended   bool

	// A generation names one placement of an item's crop. Recentering
	// starts a new one and commits from an older one are stale.
	generations map[string]uint64
	lastGen     uint64

	loops   map[string]*gesture.Loop
	commits chan gesture.Commit
	wg      conc.WaitGroup

	endOnce sync.Once
}

func NewSession(config Config) *Session {
	if config.Viewport <= 0 {
		config.Viewport = defaultViewport
	}
	if config.MaxZoom < geometry.MinZoom {
		config.MaxZoom = geometry.DefaultMaxZoom
	}
	return &Session{
		config:  config,
		byID:        make(map[string]*MediaItem),
		current:     -1,
		ratio:       config.Ratio,
		generations: make(map[string]uint64),
		loops:       make(map[string]*gesture.Loop),
		commits:     make(chan gesture.Commit, commitChannelBuffer),
	}
}

// Add appends a selected asset. Selecting an asset that is already part of
// the session returns the existing item.
func (s *Session) Add(sel Selection) (MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return MediaItem{}, ErrSessionEnded
	}
	id := ItemID(sel.URI)
	if item, ok := s.byID[id]; ok {
		return item.clone(), nil
	}

	item := newMediaItem(sel)
	s.items = append(s.items, item)
	s.byID[id] = item
	s.generations[id] = s.nextGeneration()
	if s.current < 0 {
		s.current = 0
	}
	return item.clone(), nil
}

// Items returns copies of all items in selection order.
func (s *Session) Items() []MediaItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MediaItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.clone())
	}
	return out
}

func (s *Session) Item(id string) (MediaItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.byID[id]
	if !ok {
		return MediaItem{}, false
	}
	return item.clone(), true
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Current returns the index of the item in view; false when there is none.
func (s *Session) Current() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current >= 0
}

// SetCurrentID brings the item with the given id into view and returns its
// index.
func (s *Session) SetCurrentID(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if item.ID == id {
			s.current = i
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s: %w", id, ErrItemNotFound)
}

func (s *Session) SetCurrent(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return fmt.Errorf("current %d of %d items: %w", index, len(s.items), ErrIndexOutOfRange)
	}
	s.current = index
	return nil
}

func (s *Session) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *Session) Ratio() geometry.AspectRatio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratio
}

// Container returns the viewport size the item is edited in.
func (s *Session) Container(id string) (geometry.Size, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.byID[id]
	if !ok {
		return geometry.Size{}, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	return s.containerFor(item), nil
}

// GetCurrentCrop returns the crop last stored on the item, if any.
func (s *Session) GetCurrentCrop(id string) (geometry.CropRect, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.byID[id]
	if !ok || item.Crop == nil {
		return geometry.CropRect{}, false
	}
	return *item.Crop, true
}

// EffectiveCrop is the stored crop or, without one, what the untouched
// cover fit shows.
func (s *Session) EffectiveCrop(id string) (geometry.CropRect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.byID[id]
	if !ok {
		return geometry.CropRect{}, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	if item.Crop != nil {
		return *item.Crop, nil
	}
	if !item.HasNaturalSize() {
		return geometry.CropRect{}, fmt.Errorf("%s: %w", id, ErrNoNaturalSize)
	}
	container := s.containerFor(item)
	fit := geometry.BaseFit(container, item.Natural())
	return geometry.TransformToCrop(container, item.Natural(), fit.BaseScale, geometry.Identity), nil
}

// SetDisplayURI points the editor at another rendition of the item, e.g. a
// pre-cropped export. The original stays untouched.
func (s *Session) SetDisplayURI(id, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	item.DisplayURI = uri
	return nil
}

// OnCropCommitted stores the crop of a finished gesture. Commits for items
// that are gone are dropped; a later commit always replaces an earlier one.
func (s *Session) OnCropCommitted(ctx context.Context, id string, crop geometry.CropRect) {
	s.store(ctx, id, crop, func(uint64) bool { return true })
}

// commit stores a crop coming from a gesture loop unless the item was
// recentered after the gesture ended.
func (s *Session) commit(ctx context.Context, c gesture.Commit) {
	s.store(ctx, c.ItemID, c.Crop, func(current uint64) bool {
		return c.Generation == current
	})
}

func (s *Session) store(ctx context.Context, id string, crop geometry.CropRect, fresh func(generation uint64) bool) {
	logger := log.Ctx(ctx)

	s.mu.Lock()
	item, ok := s.byID[id]
	stale := ok && !fresh(s.generations[id])
	if ok && !stale {
		item.setCrop(crop)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		logger.Debug().Str("item", id).Msg("dropping commit for removed item")
		return
	case stale:
		logger.Debug().Str("item", id).Stringer("crop", crop).Msg("dropping commit made before recentering")
		return
	}
	logger.Debug().Str("item", id).Stringer("crop", crop).Msg("crop committed")
	if fn := s.config.OnCropCommitted; fn != nil {
		fn(id, crop)
	}
}

// ApplyAspectRatio recenters every photo on the given ratio, starting from
// its original asset. Videos keep their free-form crop and their container,
// photos with no known size are left alone.
func (s *Session) ApplyAspectRatio(ctx context.Context, ratio geometry.AspectRatio) BatchResult {
	logger := log.Ctx(ctx)
	result := BatchResult{Ratio: ratio}

	type update struct {
		item *MediaItem
		crop geometry.CropRect
	}

	s.mu.Lock()
	updates := make([]update, 0, len(s.items))
	for _, item := range s.items {
		switch {
		case item.Kind != KindPhoto:
			result.Unchanged = append(result.Unchanged, item.ID)
		case !item.HasNaturalSize():
			logger.Warn().Err(geometry.ErrMissingNaturalDimensions).
				Str("item", item.ID).
				Str("uri", item.OriginalURI).
				Msg("leaving crop as is")
			result.Skipped = append(result.Skipped, item.ID)
		default:
			updates = append(updates, update{item: item, crop: geometry.CenterCrop(item.Natural(), ratio)})
		}
	}

	s.ratio = ratio
	for _, u := range updates {
		u.item.DisplayURI = u.item.OriginalURI
		u.item.setCrop(u.crop)
		result.Updated = append(result.Updated, u.item.ID)
	}

	resets := make(map[*gesture.Loop]gesture.Event, len(s.loops))
	for _, item := range s.items {
		if item.Kind != KindPhoto {
			continue
		}
		gen := s.nextGeneration()
		s.generations[item.ID] = gen

		loop, ok := s.loops[item.ID]
		if !ok {
			continue
		}
		var crop *geometry.CropRect
		if item.Crop != nil {
			c := *item.Crop
			crop = &c
		}
		resets[loop] = gesture.ResetEvent(s.containerFor(item), item.Natural(), crop, gen)
	}
	s.mu.Unlock()

	for loop, ev := range resets {
		if err := loop.Send(ctx, ev); err != nil {
			logger.Debug().Err(err).Str("item", loop.ItemID()).Msg("gesture loop not reset")
		}
	}

	logger.Info().
		Stringer("ratio", ratio).
		Int("updated", len(result.Updated)).
		Int("skipped", len(result.Skipped)).
		Msg("aspect ratio applied")
	return result
}

// DeleteItem removes an item. Removing the last one ends the session.
func (s *Session) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, item := range s.items {
		if item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}

	s.items = append(s.items[:idx], s.items[idx+1:]...)
	delete(s.byID, id)
	delete(s.generations, id)
	loop, hadLoop := s.loops[id]
	delete(s.loops, id)

	switch {
	case len(s.items) == 0:
		s.current = -1
		s.ended = true
	case idx == s.current:
		s.current = min(s.current, len(s.items)-1)
	case idx < s.current:
		s.current--
	}
	ended := s.ended
	s.mu.Unlock()

	if hadLoop {
		loop.Close()
	}
	log.Ctx(ctx).Debug().Str("item", id).Msg("media item removed")

	if ended {
		s.endOnce.Do(func() {
			log.Ctx(ctx).Info().Msg("last media item removed, edit session ended")
			if fn := s.config.OnSessionEnd; fn != nil {
				fn()
			}
		})
	}
	return nil
}

// Attach returns the gesture loop of an item, starting it on first use.
// The loop outlives ctx's cancellation; it stops when the item is deleted
// or the session is closed.
func (s *Session) Attach(ctx context.Context, id string) (*gesture.Loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loop, ok := s.loops[id]; ok {
		return loop, nil
	}
	item, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}

	machine := gesture.New(s.containerFor(item), item.Natural(), gesture.WithMaxZoom(s.config.MaxZoom))
	machine.Restore(item.Crop)

	loop := gesture.NewLoop(id, machine, s.commits, gesture.WithGeneration(s.generations[id]))
	s.loops[id] = loop

	loopCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		loop.Run(loopCtx)
	})
	return loop, nil
}

// Run stores commits from the gesture loops until ctx is done. A commit
// from a gesture that ended before its item was recentered is dropped.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.commits:
			s.commit(ctx, c)
		}
	}
}

// Close stops every gesture loop and waits for them to exit.
func (s *Session) Close() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*gesture.Loop)
	s.mu.Unlock()

	for _, loop := range loops {
		loop.Close()
	}
	s.wg.Wait()
}

// containerFor shapes the viewport to the active ratio for photos. Videos
// are cropped free-form and always use their own ratio.
func (s *Session) containerFor(item *MediaItem) geometry.Size {
	ratio := s.ratio
	if item.Kind == KindVideo {
		ratio = geometry.Original
	}
	return ratio.ContainerFor(s.config.Viewport, item.Natural())
}

func (s *Session) nextGeneration() uint64 {
	s.lastGen++
	return s.lastGen
}
