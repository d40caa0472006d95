package editor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framecrop/internal/geometry"
	"framecrop/internal/gesture"
)

func photo(uri string, w, h float64) Selection {
	return Selection{URI: uri, Kind: KindPhoto, NaturalWidth: w, NaturalHeight: h}
}

func video(uri string, w, h float64) Selection {
	return Selection{URI: uri, Kind: KindVideo, NaturalWidth: w, NaturalHeight: h}
}

func newSession(t *testing.T, cfg Config, sels ...Selection) (*Session, []MediaItem) {
	t.Helper()
	s := NewSession(cfg)
	t.Cleanup(s.Close)

	items := make([]MediaItem, 0, len(sels))
	for _, sel := range sels {
		item, err := s.Add(sel)
		require.NoError(t, err)
		items = append(items, item)
	}
	return s, items
}

func runSession(t *testing.T, s *Session) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func TestSession_AddKeepsSelectionOrder(t *testing.T) {
	s, items := newSession(t, Config{},
		photo("file:///c.jpg", 100, 100),
		photo("file:///a.jpg", 100, 100),
		video("file:///b.mp4", 0, 0),
	)

	got := s.Items()
	require.Len(t, got, 3)
	for i := range items {
		assert.Equal(t, items[i].ID, got[i].ID)
	}
	assert.Equal(t, "file:///c.jpg", got[0].OriginalURI)
	assert.Equal(t, got[0].OriginalURI, got[0].DisplayURI)
	assert.Nil(t, got[0].Crop)

	current, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, 0, current)
}

func TestSession_ReselectionIsStable(t *testing.T) {
	s, items := newSession(t, Config{}, photo("file:///a.jpg", 100, 100))

	again, err := s.Add(photo("file:///a.jpg", 100, 100))
	require.NoError(t, err)

	assert.Equal(t, items[0].ID, again.ID)
	assert.Equal(t, ItemID("file:///a.jpg"), again.ID)
	assert.Equal(t, 1, s.Len())
}

func TestSession_ApplyAspectRatio_CentersPhotos(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1000, Ratio: geometry.Square},
		photo("file:///wide.jpg", 4000, 3000),
	)
	id := items[0].ID
	require.NoError(t, s.SetDisplayURI(id, "file:///output/wide-cropped.jpg"))

	result := s.ApplyAspectRatio(context.Background(), geometry.Portrait)
	assert.Equal(t, []string{id}, result.Updated)
	assert.Empty(t, result.Skipped)

	crop, ok := s.GetCurrentCrop(id)
	require.True(t, ok)
	assert.InDelta(t, 800, crop.X, 1e-9)
	assert.InDelta(t, 0, crop.Y, 1e-9)
	assert.InDelta(t, 2400, crop.Width, 1e-9)
	assert.InDelta(t, 3000, crop.Height, 1e-9)
	assert.Equal(t, 1.0, crop.Zoom)

	item, ok := s.Item(id)
	require.True(t, ok)
	assert.Equal(t, "file:///wide.jpg", item.DisplayURI, "recrop starts from the original")
	assert.Equal(t, crop.NaturalWidth, item.NaturalWidth)
	assert.Equal(t, crop.NaturalHeight, item.NaturalHeight)
	assert.Equal(t, geometry.Portrait, s.Ratio())

	container, err := s.Container(id)
	require.NoError(t, err)
	assert.InDelta(t, 1000, container.Width, 1e-9)
	assert.InDelta(t, 1250, container.Height, 1e-9)
}

func TestSession_ApplyAspectRatio_IsIdempotent(t *testing.T) {
	s, _ := newSession(t, Config{},
		photo("file:///a.jpg", 4000, 3000),
		photo("file:///b.jpg", 1080, 1920),
		photo("file:///c.jpg", 1234, 987),
	)

	for _, ratio := range []geometry.AspectRatio{geometry.Square, geometry.Portrait, geometry.Landscape, geometry.Original} {
		s.ApplyAspectRatio(context.Background(), ratio)
		first := s.Items()
		s.ApplyAspectRatio(context.Background(), ratio)
		assert.Equal(t, first, s.Items(), ratio.String())
	}
}

func TestSession_ApplyAspectRatio_SkipsVideosAndUnknownSizes(t *testing.T) {
	s, items := newSession(t, Config{},
		photo("file:///a.jpg", 4000, 3000),
		video("file:///clip.mp4", 1920, 1080),
		photo("file:///broken.jpg", 0, 0),
		photo("file:///b.jpg", 3000, 4000),
	)

	videoCrop := geometry.CropRect{X: 10, Y: 20, Width: 100, Height: 100, Zoom: 2, NaturalWidth: 1920, NaturalHeight: 1080}
	s.OnCropCommitted(context.Background(), items[1].ID, videoCrop)

	result := s.ApplyAspectRatio(context.Background(), geometry.Square)

	assert.Equal(t, []string{items[0].ID, items[3].ID}, result.Updated)
	assert.Equal(t, []string{items[2].ID}, result.Skipped)
	assert.Equal(t, []string{items[1].ID}, result.Unchanged)

	got, ok := s.GetCurrentCrop(items[1].ID)
	require.True(t, ok)
	assert.Equal(t, videoCrop, got, "videos keep their free-form crop")

	_, ok = s.GetCurrentCrop(items[2].ID)
	assert.False(t, ok)

	got, ok = s.GetCurrentCrop(items[3].ID)
	require.True(t, ok)
	assert.InDelta(t, 3000, got.Width, 1e-9)
	assert.InDelta(t, 500, got.Y, 1e-9)
}

func TestSession_DeleteOnlyItemEndsSession(t *testing.T) {
	var ended atomic.Int32
	s, items := newSession(t, Config{OnSessionEnd: func() { ended.Add(1) }},
		photo("file:///a.jpg", 100, 100),
	)

	require.NoError(t, s.DeleteItem(context.Background(), items[0].ID))

	assert.Empty(t, s.Items())
	_, ok := s.Current()
	assert.False(t, ok)
	assert.True(t, s.Ended())
	assert.Equal(t, int32(1), ended.Load())

	_, err := s.Add(photo("file:///b.jpg", 100, 100))
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSession_DeleteKeepsCurrentInRange(t *testing.T) {
	tests := []struct {
		name        string
		current     int
		deleteIndex int
		wantCurrent int
	}{
		{"delete current last item", 2, 2, 1},
		{"delete current middle item", 1, 1, 1},
		{"delete before current", 2, 0, 1},
		{"delete after current", 0, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, items := newSession(t, Config{},
				photo("file:///a.jpg", 100, 100),
				photo("file:///b.jpg", 100, 100),
				photo("file:///c.jpg", 100, 100),
			)
			require.NoError(t, s.SetCurrent(tt.current))

			require.NoError(t, s.DeleteItem(context.Background(), items[tt.deleteIndex].ID))

			current, ok := s.Current()
			require.True(t, ok)
			assert.Equal(t, tt.wantCurrent, current)
			assert.Len(t, s.Items(), 2)
			assert.False(t, s.Ended())
		})
	}
}

func TestSession_DeleteUnknownItem(t *testing.T) {
	s, _ := newSession(t, Config{}, photo("file:///a.jpg", 100, 100))

	assert.ErrorIs(t, s.DeleteItem(context.Background(), "nope"), ErrItemNotFound)
	assert.ErrorIs(t, s.SetCurrent(1), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.SetCurrent(-1), ErrIndexOutOfRange)
}

func TestSession_GestureCommitReachesItem(t *testing.T) {
	var committed atomic.Int32
	s, items := newSession(t, Config{
		Viewport:        1000,
		Ratio:           geometry.Square,
		OnCropCommitted: func(string, geometry.CropRect) { committed.Add(1) },
	}, photo("file:///wide.jpg", 4000, 3000))
	ctx := runSession(t, s)
	id := items[0].ID

	loop, err := s.Attach(ctx, id)
	require.NoError(t, err)
	same, err := s.Attach(ctx, id)
	require.NoError(t, err)
	assert.Same(t, loop, same)

	for _, ev := range []gesture.Event{
		gesture.BeginEvent(gesture.Pinch),
		gesture.PinchEvent(1.5),
		gesture.PinchEvent(1.5),
		gesture.EndEvent(gesture.Pinch),
	} {
		require.NoError(t, loop.Send(ctx, ev))
	}

	require.Eventually(t, func() bool {
		_, ok := s.GetCurrentCrop(id)
		return ok
	}, time.Second, 5*time.Millisecond)

	crop, _ := s.GetCurrentCrop(id)
	assert.InDelta(t, 2.25, crop.Zoom, 1e-9)
	assert.InDelta(t, 3000/2.25, crop.Width, 1e-6)
	assert.NoError(t, crop.Check())
	require.Eventually(t, func() bool {
		return committed.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_AttachRestoresStoredCrop(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1000, Ratio: geometry.Square}, photo("file:///wide.jpg", 4000, 3000))
	id := items[0].ID

	s.OnCropCommitted(context.Background(), id, geometry.CropRect{
		X: 1000, Y: 500, Width: 1500, Height: 1500, Zoom: 2, NaturalWidth: 4000, NaturalHeight: 3000,
	})

	loop, err := s.Attach(context.Background(), id)
	require.NoError(t, err)

	tr := loop.Transform()
	assert.InDelta(t, 2, tr.Scale, 1e-9)
	// centered would be x=1250; 250 source px further left is +166.7 viewport px
	assert.InDelta(t, 250*2.0/3, tr.TranslateX, 1e-6)
	assert.InDelta(t, 250*2.0/3, tr.TranslateY, 1e-6)
}

func TestSession_AspectRatioResetsAttachedLoops(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1000, Ratio: geometry.Square}, photo("file:///wide.jpg", 4000, 3000))
	ctx := runSession(t, s)
	id := items[0].ID

	loop, err := s.Attach(ctx, id)
	require.NoError(t, err)
	require.NoError(t, loop.Send(ctx, gesture.PinchEvent(3)))

	s.ApplyAspectRatio(ctx, geometry.Portrait)
	require.NoError(t, loop.Sync(ctx))

	snap := loop.Snapshot()
	assert.Equal(t, gesture.Idle, snap.State)
	assert.InDelta(t, 1250, snap.Container.Height, 1e-9)
	assert.InDelta(t, 1, snap.Transform.Scale, 1e-9)
	assert.InDelta(t, 0, snap.Transform.TranslateX, 1e-6)
}

func TestSession_DeleteStopsLoopAndDropsLateCommits(t *testing.T) {
	s, items := newSession(t, Config{}, photo("file:///a.jpg", 100, 100), photo("file:///b.jpg", 100, 100))
	id := items[0].ID

	loop, err := s.Attach(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, s.DeleteItem(context.Background(), id))

	assert.ErrorIs(t, loop.Send(context.Background(), gesture.PanEvent(1, 1)), gesture.ErrLoopClosed)

	s.OnCropCommitted(context.Background(), id, geometry.CropRect{Width: 1, Height: 1, Zoom: 1, NaturalWidth: 100, NaturalHeight: 100})
	_, ok := s.GetCurrentCrop(id)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	_, err = s.Attach(context.Background(), id)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestSession_EffectiveCrop(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1000, Ratio: geometry.Square},
		photo("file:///wide.jpg", 4000, 3000),
		photo("file:///unknown.jpg", 0, 0),
	)

	crop, err := s.EffectiveCrop(items[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 500, crop.X, 1e-6)
	assert.InDelta(t, 3000, crop.Width, 1e-6)

	_, err = s.EffectiveCrop(items[1].ID)
	assert.ErrorIs(t, err, geometry.ErrMissingNaturalDimensions)

	_, err = s.EffectiveCrop("nope")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestSession_OriginalRatioFollowsEachItem(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1200, Ratio: geometry.Original},
		photo("file:///wide.jpg", 4000, 3000),
		photo("file:///tall.jpg", 3000, 4000),
	)

	wide, err := s.Container(items[0].ID)
	require.NoError(t, err)
	tall, err := s.Container(items[1].ID)
	require.NoError(t, err)

	assert.InDelta(t, 900, wide.Height, 1e-9)
	assert.InDelta(t, 1600, tall.Height, 1e-9)

	s.ApplyAspectRatio(context.Background(), geometry.Original)
	crop, ok := s.GetCurrentCrop(items[1].ID)
	require.True(t, ok)
	assert.InDelta(t, 0, crop.X, 1e-9)
	assert.InDelta(t, 3000, crop.Width, 1e-9)
	assert.InDelta(t, 4000, crop.Height, 1e-9)
}

func TestSession_RecenterWinsOverQueuedCommit(t *testing.T) {
	var committed atomic.Int32
	s, items := newSession(t, Config{
		Viewport:        1000,
		Ratio:           geometry.Square,
		OnCropCommitted: func(string, geometry.CropRect) { committed.Add(1) },
	}, photo("file:///wide.jpg", 4000, 3000))
	id := items[0].ID
	ctx := context.Background()

	loop, err := s.Attach(ctx, id)
	require.NoError(t, err)

	// the commit waits in the session until Run starts
	require.NoError(t, loop.Send(ctx, gesture.PinchEvent(2)))
	require.NoError(t, loop.Send(ctx, gesture.EndEvent(gesture.Pinch)))
	require.NoError(t, loop.Sync(ctx))

	s.ApplyAspectRatio(ctx, geometry.Portrait)
	recentered, ok := s.GetCurrentCrop(id)
	require.True(t, ok)
	assert.Equal(t, geometry.CenterCrop(geometry.Size{Width: 4000, Height: 3000}, geometry.Portrait), recentered)

	runCtx := runSession(t, s)

	// a gesture after the switch still lands, behind the stale one
	require.NoError(t, loop.Send(runCtx, gesture.PinchEvent(1.5)))
	require.NoError(t, loop.Send(runCtx, gesture.EndEvent(gesture.Pinch)))
	require.Eventually(t, func() bool {
		return committed.Load() == 1
	}, time.Second, 5*time.Millisecond)

	crop, ok := s.GetCurrentCrop(id)
	require.True(t, ok)
	assert.Equal(t, 1.5, crop.Zoom)
	assert.InDelta(t, 0.8, crop.Width/crop.Height, 1e-9)
	assert.NoError(t, crop.Check())
	assert.Equal(t, int32(1), committed.Load())
}

func TestSession_VideoContainerIgnoresRatio(t *testing.T) {
	s, items := newSession(t, Config{Viewport: 1080, Ratio: geometry.Square}, video("file:///clip.mp4", 1920, 1080))
	ctx := runSession(t, s)
	id := items[0].ID

	before, err := s.Container(id)
	require.NoError(t, err)
	assert.InDelta(t, 607.5, before.Height, 1e-9)

	loop, err := s.Attach(ctx, id)
	require.NoError(t, err)
	require.NoError(t, loop.Send(ctx, gesture.PinchEvent(2)))
	require.NoError(t, loop.Send(ctx, gesture.PanEvent(100, 0)))
	require.NoError(t, loop.Send(ctx, gesture.EndEvent(gesture.Pan|gesture.Pinch)))
	require.Eventually(t, func() bool {
		_, ok := s.GetCurrentCrop(id)
		return ok
	}, time.Second, 5*time.Millisecond)

	for _, ratio := range []geometry.AspectRatio{geometry.Landscape, geometry.Portrait} {
		s.ApplyAspectRatio(ctx, ratio)
		require.NoError(t, loop.Sync(ctx))

		after, err := s.Container(id)
		require.NoError(t, err)
		assert.Equal(t, before, after, ratio.String())

		stored, ok := s.GetCurrentCrop(id)
		require.True(t, ok)
		snap := loop.Snapshot()
		shown := geometry.TransformToCrop(snap.Container, stored.Natural(), snap.Fit.BaseScale, snap.Transform)
		assert.InDelta(t, stored.X, shown.X, 1e-6, ratio.String())
		assert.InDelta(t, stored.Width, shown.Width, 1e-6, ratio.String())
		assert.InDelta(t, stored.Height, shown.Height, 1e-6, ratio.String())
		assert.Equal(t, 2.0, stored.Zoom)
	}
}

func TestSession_UnknownVideoSizeStoresNoCrop(t *testing.T) {
	s, items := newSession(t, Config{}, video("file:///clip.mp4", 0, 0))
	ctx := runSession(t, s)
	id := items[0].ID

	loop, err := s.Attach(ctx, id)
	require.NoError(t, err)
	require.NoError(t, loop.Send(ctx, gesture.PinchEvent(3)))
	require.NoError(t, loop.Send(ctx, gesture.EndEvent(gesture.Pinch)))
	require.NoError(t, loop.Sync(ctx))

	assert.Never(t, func() bool {
		_, ok := s.GetCurrentCrop(id)
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_SetCurrentID(t *testing.T) {
	s, items := newSession(t, Config{},
		photo("file:///a.jpg", 100, 100),
		photo("file:///b.jpg", 100, 100),
		photo("file:///c.jpg", 100, 100),
	)

	idx, err := s.SetCurrentID(items[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	require.NoError(t, s.DeleteItem(context.Background(), items[0].ID))
	idx, err = s.SetCurrentID(items[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	current, _ := s.Current()
	assert.Equal(t, 1, current)

	_, err = s.SetCurrentID(items[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
	current, _ = s.Current()
	assert.Equal(t, 1, current, "unknown id leaves the current item")
}
