package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"framecrop/internal/editor"
	"framecrop/internal/geometry"
)

type Operations = []Operation

// Operation is one export step for a media item. Exactly one of the fields
// is set.
type Operation struct {
	Crop *CropOperation
	Pick *PickOperation
}

func (o Operation) ItemID() string {
	switch {
	case o.Crop != nil:
		return o.Crop.ItemID
	case o.Pick != nil:
		return o.Pick.ItemID
	}
	return ""
}

func (o Operation) MarshalJSON() ([]byte, error) {
	switch {
	case o.Crop != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*CropOperation
		}{"crop", o.Crop})
	case o.Pick != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*PickOperation
		}{"pick", o.Pick})
	}
	return nil, errors.New("empty operation")
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var op struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("failed to unmarshal operation: %w", err)
	}

	switch op.Type {
	case "crop":
		var crop CropOperation
		if err := json.Unmarshal(data, &crop); err != nil {
			return fmt.Errorf("failed to unmarshal crop operation: %w", err)
		}
		o.Crop = &crop
	case "pick":
		var pick PickOperation
		if err := json.Unmarshal(data, &pick); err != nil {
			return fmt.Errorf("failed to unmarshal pick operation: %w", err)
		}
		o.Pick = &pick
	default:
		return fmt.Errorf("unknown operation %q", op.Type)
	}
	return nil
}

type CropOperation struct {
	ItemID   string            `json:"item_id"`
	Filename string            `json:"filename"`
	Crop     geometry.CropRect `json:"crop"`
}

// PickOperation copies the file unchanged. A video's crop rides along for
// whatever transcodes it later.
type PickOperation struct {
	ItemID   string             `json:"item_id"`
	Filename string             `json:"filename"`
	Crop     *geometry.CropRect `json:"crop,omitempty"`
}

func cropID(crop geometry.CropRect) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(crop.String())))
}

// buildOperations turns the session into export steps, in item order.
// Photos that were never touched are exported with the crop the editor
// shows for them.
func buildOperations(ctx context.Context, session *editor.Session) Operations {
	items := session.Items()
	ops := make(Operations, 0, len(items))
	for _, item := range items {
		if item.Kind == editor.KindVideo {
			ops = append(ops, Operation{Pick: &PickOperation{
				ItemID:   item.ID,
				Filename: item.OriginalURI,
				Crop:     item.Crop,
			}})
			continue
		}

		crop, err := session.EffectiveCrop(item.ID)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("filename", item.OriginalURI).Msg("exporting uncropped")
			ops = append(ops, Operation{Pick: &PickOperation{ItemID: item.ID, Filename: item.OriginalURI}})
			continue
		}
		ops = append(ops, Operation{Crop: &CropOperation{
			ItemID:   item.ID,
			Filename: item.OriginalURI,
			Crop:     crop,
		}})
	}
	return ops
}

type Cropper interface {
	Crop(ctx context.Context, r io.Reader, w io.Writer, crop geometry.CropRect) error
}

// ExportResult names the file an operation produced, relative to the base
// directory.
type ExportResult struct {
	ItemID  string `json:"item_id"`
	Cropped bool   `json:"cropped"`
	Output  string `json:"output"`
}

type OperationExecutor struct {
	BaseDir   string
	OutputDir string
	Cropper   Cropper
}

func (r OperationExecutor) Exec(ctx context.Context, ops []Operation) ([]ExportResult, error) {
	if len(ops) == 0 {
		log.Ctx(ctx).Warn().Msg("no operations to execute")
		return nil, nil
	}

	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", r.OutputDir, err)
	}

	pooler := pool.NewWithResults[ExportResult]().
		WithErrors().
		WithContext(ctx).
		WithMaxGoroutines(runtime.NumCPU())
	for _, op := range ops {
		pooler.Go(func(ctx context.Context) (ExportResult, error) {
			out, err := r.executeOperation(ctx, op)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).
					Interface("op", op).
					Msg("failed to execute operation")
				return ExportResult{}, err
			}
			return ExportResult{ItemID: op.ItemID(), Cropped: op.Crop != nil, Output: r.relative(out)}, nil
		})
	}

	results, err := pooler.Wait()
	if err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Msg("finished with errors")
		return results, err
	}
	return results, nil
}

func (r OperationExecutor) executeOperation(ctx context.Context, op Operation) (string, error) {
	switch {
	case op.Crop != nil:
		return r.executeCrop(ctx, *op.Crop)
	case op.Pick != nil:
		return r.executePick(ctx, *op.Pick)
	}
	return "", errors.New("empty operation")
}

func (r OperationExecutor) executeCrop(ctx context.Context, op CropOperation) (string, error) {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Stringer("crop", op.Crop).Msg("cropping")
	sourcePath := filepath.Join(r.BaseDir, op.Filename)
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", sourcePath, err)
	}
	defer f.Close()

	var b bytes.Buffer
	if err := r.Cropper.Crop(ctx, f, &b, op.Crop); err != nil {
		return "", fmt.Errorf("failed to crop %s: %w", op.Filename, err)
	}

	newName := fmt.Sprintf("%s-%s.jpg", filepath.Base(op.Filename), cropID(op.Crop))
	croppedPath := filepath.Join(r.OutputDir, newName)
	wf, err := os.Create(croppedPath)
	if err != nil {
		return "", fmt.Errorf("failed to create cropped file %s: %w", newName, err)
	}
	defer wf.Close()
	if _, err := b.WriteTo(wf); err != nil {
		return "", fmt.Errorf("failed to write cropped data to file %s: %w", newName, err)
	}
	return croppedPath, nil
}

func (r OperationExecutor) executePick(ctx context.Context, op PickOperation) (string, error) {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Msg("picking")
	sourcePath := filepath.Join(r.BaseDir, op.Filename)
	savePath := filepath.Join(r.OutputDir, op.Filename)
	if err := os.MkdirAll(filepath.Dir(savePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", op.Filename, err)
	}
	if err := copyFile(sourcePath, savePath); err != nil {
		return "", fmt.Errorf("failed to pick file %s: %w", op.Filename, err)
	}
	return savePath, nil
}

func (r OperationExecutor) relative(path string) string {
	rel, err := filepath.Rel(r.BaseDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func copyFile(sourcePath, destPath string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", sourcePath, err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destPath, err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file from %s to %s: %w", sourcePath, destPath, err)
	}
	return nil
}
