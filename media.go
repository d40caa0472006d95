package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/facette/natsort"
	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"

	"framecrop/internal/editor"
)

var (
	photoExtensions = []string{".jpg", ".jpeg", ".png"}
	videoExtensions = []string{".mp4", ".mov", ".m4v", ".webm"}

	errUnsupportedMedia = errors.New("unsupported media type")
)

type MediaFile struct {
	Name       string      `json:"name"`
	Kind       editor.Kind `json:"kind"`
	SizeBytes  int64       `json:"size_bytes"`
	ModifiedAt time.Time   `json:"modified_at"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
}

// Selection turns the file into what the editor expects from a media
// picker. The relative name doubles as the asset URI.
func (f MediaFile) Selection() editor.Selection {
	return editor.Selection{
		URI:           f.Name,
		Kind:          f.Kind,
		NaturalWidth:  float64(f.Width),
		NaturalHeight: float64(f.Height),
	}
}

func mediaKind(path string) (editor.Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range photoExtensions {
		if ext == e {
			return editor.KindPhoto, true
		}
	}
	for _, e := range videoExtensions {
		if ext == e {
			return editor.KindVideo, true
		}
	}
	return "", false
}

// walkMedia lists photos and videos under rootPath in natural name order,
// skipping the directory exports are written to.
func walkMedia(ctx context.Context, rootPath, skipDir string) ([]MediaFile, error) {
	var files []MediaFile

	if err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir != "" && path == skipDir {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		file, err := probeMedia(rootPath, relPath)
		if errors.Is(err, errUnsupportedMedia) {
			return nil
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("filename", relPath).Msg("cannot read media dimensions")
		}
		files = append(files, file)
		return nil
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return natsort.Compare(files[i].Name, files[j].Name)
	})
	return files, nil
}

// probeMedia stats a file under rootPath and reads a photo's pixel size.
// Video sizes are left at zero. A returned error other than
// errUnsupportedMedia still comes with a usable MediaFile.
func probeMedia(rootPath, name string) (MediaFile, error) {
	kind, ok := mediaKind(name)
	if !ok {
		return MediaFile{}, fmt.Errorf("%s: %w", name, errUnsupportedMedia)
	}

	fullPath := filepath.Join(rootPath, name)
	info, err := os.Stat(fullPath)
	if err != nil {
		return MediaFile{}, fmt.Errorf("failed to stat file: %w", err)
	}

	file := MediaFile{
		Name:       filepath.ToSlash(name),
		Kind:       kind,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
	}
	if kind != editor.KindPhoto {
		return file, nil
	}

	w, h, err := readPhotoDimensions(fullPath)
	if err != nil {
		return file, err
	}
	file.Width, file.Height = w, h
	return file, nil
}

// readPhotoDimensions returns the size the photo has once its EXIF
// orientation is applied, which is the space crops are expressed in.
func readPhotoDimensions(filePath string) (width, height int, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	config, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image config: %w", err)
	}
	width, height = config.Width, config.Height

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("failed to seek file: %w", err)
	}
	// orientations 5-8 rotate by 90 degrees
	if orientation(file) >= 5 {
		width, height = height, width
	}
	return width, height, nil
}

func orientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return o
}
