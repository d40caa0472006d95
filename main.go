package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"framecrop/internal/editor"
	"framecrop/internal/geometry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("framecrop"),
		kong.Description("Crop a batch of photos and videos to a common aspect ratio."),
		kong.UsageOnError(),
	)
	if err := cliCtx.Run(); err != nil {
		return err
	}

	return nil
}

type cliArgs struct {
	Serve  serveCmd  `cmd:"" default:"withargs" help:"Start the crop editor for a directory"`
	Center centerCmd `cmd:"" help:"Print the centered crop of every photo in a directory"`
}

type serveCmd struct {
	RootDir string               `arg:"" type:"existingdir" help:"Root directory to serve files from"`
	Ratio   geometry.AspectRatio `help:"Aspect ratio to start with: original, 1:1, 4:5, 16:9 or any w:h" default:"1:1" env:"FRAMECROP_RATIO"`
	Width   float64              `name:"viewport" help:"Width of the editor viewport in pixels" default:"1080" env:"FRAMECROP_VIEWPORT"`
	MaxZoom float64              `help:"Largest zoom on top of the cover fit" default:"5" env:"FRAMECROP_MAX_ZOOM"`
	Open    bool                 `help:"Open the browser automatically when the server starts" default:"true" negatable:"" env:"FRAMECROP_OPEN"`
	JSON    bool                 `help:"Output operations in JSON format without executing" env:"FRAMECROP_JSON"`
	Once    bool                 `help:"Run the server once and exit after save" default:"true" negatable:"" env:"FRAMECROP_ONCE"`
	Verbose bool                 `help:"Enable verbose logging" default:"false" env:"FRAMECROP_VERBOSE"`
}

func (cmd *serveCmd) Run() error {
	setupLogging(cmd.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = log.Logger.WithContext(ctx)

	outputDir := filepath.Join(cmd.RootDir, "output")
	executor := &OperationExecutor{
		BaseDir:   cmd.RootDir,
		OutputDir: outputDir,
		Cropper:   NewImagingCropper(),
	}

	session := editor.NewSession(editor.Config{
		Viewport: cmd.Width,
		Ratio:    cmd.Ratio,
		MaxZoom:  cmd.MaxZoom,
		OnCropCommitted: func(itemID string, crop geometry.CropRect) {
			log.Ctx(ctx).Info().Str("item", itemID).Stringer("crop", crop).Msg("Crop saved")
		},
		OnSessionEnd: func() {
			log.Ctx(ctx).Info().Msg("Nothing left to edit")
			cancel()
		},
	})
	defer session.Close()

	if err := selectAll(ctx, session, cmd.RootDir, outputDir); err != nil {
		return err
	}

	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() {
		if err := session.Run(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Edit session failed")
		}
	})

	app := NewWebApp(Config{
		RootDir:   cmd.RootDir,
		OutputDir: outputDir,
		Session:   session,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
		OnSave: func(ops Operations) {
			if cmd.JSON {
				printJSONL(ops)
			} else {
				results, err := executor.Exec(ctx, ops)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("Failed to execute operations")
				}
				for _, res := range results {
					if !res.Cropped {
						continue
					}
					if err := session.SetDisplayURI(res.ItemID, res.Output); err != nil {
						log.Ctx(ctx).Debug().Err(err).Str("item", res.ItemID).Msg("Export of removed item")
					}
				}
			}

			if cmd.Once {
				cancel()
			}
		},
	})

	err := app.Run(ctx)
	cancel()
	return err
}

// selectAll adds every media file under rootDir to the session, as if the
// user had picked the whole directory.
func selectAll(ctx context.Context, session *editor.Session, rootDir, outputDir string) error {
	files, err := walkMedia(ctx, rootDir, outputDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, err := session.Add(f.Selection()); err != nil {
			return err
		}
	}
	log.Ctx(ctx).Info().Int("count", len(files)).Stringer("ratio", session.Ratio()).Msg("Media selected")
	return nil
}

type centerCmd struct {
	RootDir string               `arg:"" type:"existingdir" help:"Directory to scan"`
	Ratio   geometry.AspectRatio `help:"Aspect ratio to center on" default:"1:1" env:"FRAMECROP_RATIO"`
	Verbose bool                 `help:"Enable verbose logging" default:"false" env:"FRAMECROP_VERBOSE"`
}

type centeredCrop struct {
	Filename string            `json:"filename"`
	Ratio    string            `json:"ratio"`
	Crop     geometry.CropRect `json:"crop"`
}

func (cmd *centerCmd) Run() error {
	setupLogging(cmd.Verbose)
	ctx := log.Logger.WithContext(context.Background())

	files, err := walkMedia(ctx, cmd.RootDir, filepath.Join(cmd.RootDir, "output"))
	if err != nil {
		return err
	}

	var crops []centeredCrop
	for _, f := range files {
		sel := f.Selection()
		natural := geometry.Size{Width: sel.NaturalWidth, Height: sel.NaturalHeight}
		if f.Kind != editor.KindPhoto || !natural.Valid() {
			log.Ctx(ctx).Debug().Str("filename", f.Name).Msg("skipping")
			continue
		}
		crops = append(crops, centeredCrop{
			Filename: f.Name,
			Ratio:    cmd.Ratio.String(),
			Crop:     geometry.CenterCrop(natural, cmd.Ratio),
		})
	}
	printJSONL(crops)
	return nil
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(level)
	zerolog.DefaultContextLogger = &log.Logger
}

func printJSONL[T any](data []T) {
	enc := json.NewEncoder(os.Stdout)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
