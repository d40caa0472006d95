// Package editor keeps the ordered set of media items being edited and is
// the only writer of their crops.
package editor

import (
	"github.com/google/uuid"

	"framecrop/internal/geometry"
)

type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Selection is what a media picker hands over for one asset. Zero natural
// dimensions mean the picker could not tell.
type Selection struct {
	URI           string  `json:"uri" validate:"required"`
	Kind          Kind    `json:"kind" validate:"required,oneof=photo video"`
	NaturalWidth  float64 `json:"naturalWidth" validate:"gte=0"`
	NaturalHeight float64 `json:"naturalHeight" validate:"gte=0"`
}

type MediaItem struct {
	ID            string             `json:"id"`
	Kind          Kind               `json:"kind"`
	DisplayURI    string             `json:"displayUri"`
	OriginalURI   string             `json:"originalUri"`
	NaturalWidth  float64            `json:"naturalWidth"`
	NaturalHeight float64            `json:"naturalHeight"`
	Crop          *geometry.CropRect `json:"crop,omitempty"`
}

// ItemID derives the id of the asset at uri. Selecting the same asset
// again yields the same id.
func ItemID(uri string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String()
}

func newMediaItem(sel Selection) *MediaItem {
	return &MediaItem{
		ID:            ItemID(sel.URI),
		Kind:          sel.Kind,
		DisplayURI:    sel.URI,
		OriginalURI:   sel.URI,
		NaturalWidth:  sel.NaturalWidth,
		NaturalHeight: sel.NaturalHeight,
	}
}

func (m MediaItem) Natural() geometry.Size {
	return geometry.Size{Width: m.NaturalWidth, Height: m.NaturalHeight}
}

func (m MediaItem) HasNaturalSize() bool {
	return m.Natural().Valid()
}

// setCrop is the only way an item's crop changes. The crop carries its own
// copy of the natural size and both are replaced together.
func (m *MediaItem) setCrop(crop geometry.CropRect) {
	m.Crop = &crop
	m.NaturalWidth = crop.NaturalWidth
	m.NaturalHeight = crop.NaturalHeight
}

func (m *MediaItem) clone() MediaItem {
	c := *m
	if m.Crop != nil {
		crop := *m.Crop
		c.Crop = &crop
	}
	return c
}
