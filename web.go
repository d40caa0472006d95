package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/rs/zerolog/log"

	"framecrop/internal/editor"
	"framecrop/internal/geometry"
	"framecrop/internal/gesture"
)

var isDebug = os.Getenv("DEBUG") == "1"

type Config struct {
	RootDir          string
	OutputDir        string
	Session          *editor.Session
	OnBeforeShutdown func()
	OnReady          func(addr string)
	OnSave           func(ops Operations)
}

type WebApp struct {
	config       Config
	validate     *validator.Validate
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewWebApp(config Config) *WebApp {
	return &WebApp{
		config:     config,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.routes(ctx)

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	// Let the OS assign a random available port
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", 0))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// routes builds the editor API. Handlers run session work on ctx rather
// than the request context, which fasthttp recycles once the handler
// returns.
func (a *WebApp) routes(ctx context.Context) *fiber.App {
	session := a.config.Session

	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := statusFor(err)
			event := log.Ctx(ctx).Error()
			if code < http.StatusInternalServerError {
				event = log.Ctx(ctx).Debug()
			}
			event.Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Request failed")

			if code == http.StatusNotFound && c.Path() == "/favicon.ico" {
				return nil
			}
			msg := err.Error()
			if code == http.StatusInternalServerError {
				msg = "Internal Server Error"
			}
			return c.Status(code).JSON(fiber.Map{"error": msg})
		},
	})

	filesRoot := http.Dir(a.config.RootDir)
	webapp.Get("/api/view", func(c *fiber.Ctx) error {
		filePath := c.Query("file")
		return filesystem.SendFile(c, filesRoot, filePath)
	})

	webapp.Get("/api/ls", func(c *fiber.Ctx) error {
		files, err := walkMedia(ctx, a.config.RootDir, a.config.OutputDir)
		if err != nil {
			return fmt.Errorf("failed to walk dir: %w", err)
		}

		type fileView struct {
			MediaFile
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		response := make([]fileView, 0, len(files))
		for _, f := range files {
			response = append(response, fileView{
				MediaFile: f,
				ID:        editor.ItemID(f.Name),
				URL:       "/api/view?file=" + url.QueryEscape(f.Name),
			})
		}
		return c.JSON(fiber.Map{"name": filepath.Base(a.config.RootDir), "files": response})
	})

	webapp.Get("/api/items", func(c *fiber.Ctx) error {
		items := session.Items()
		current, _ := session.Current()

		response := itemsResponse{
			Ratio:   session.Ratio(),
			Current: current,
			Ended:   session.Ended(),
			Items:   make([]itemView, 0, len(items)),
		}
		for _, item := range items {
			response.Items = append(response.Items, a.view(item))
		}
		return c.JSON(response)
	})

	webapp.Post("/api/items", func(c *fiber.Ctx) error {
		// Natural dimensions fill in for what probing cannot read, e.g.
		// video frame sizes.
		var request struct {
			File          string  `json:"file" validate:"required"`
			NaturalWidth  float64 `json:"naturalWidth" validate:"required_with=NaturalHeight,gte=0"`
			NaturalHeight float64 `json:"naturalHeight" validate:"required_with=NaturalWidth,gte=0"`
		}
		if err := a.bind(c, &request); err != nil {
			return err
		}
		if !filepath.IsLocal(filepath.FromSlash(request.File)) {
			return fiber.NewError(http.StatusBadRequest, "file must be inside the root directory")
		}

		file, err := probeMedia(a.config.RootDir, filepath.FromSlash(request.File))
		switch {
		case errors.Is(err, errUnsupportedMedia):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, os.ErrNotExist):
			return fiber.NewError(http.StatusNotFound, fmt.Sprintf("%s not found", request.File))
		case err != nil && file.Name == "":
			return err
		case err != nil:
			log.Ctx(ctx).Warn().Err(err).Str("filename", request.File).Msg("adding media with unknown size")
		}

		sel := file.Selection()
		if sel.NaturalWidth <= 0 || sel.NaturalHeight <= 0 {
			sel.NaturalWidth, sel.NaturalHeight = request.NaturalWidth, request.NaturalHeight
		}
		if err := a.validate.Struct(sel); err != nil {
			return err
		}
		item, err := session.Add(sel)
		if err != nil {
			return err
		}
		return c.Status(http.StatusCreated).JSON(a.view(item))
	})

	webapp.Delete("/api/items/:id", func(c *fiber.Ctx) error {
		if err := session.DeleteItem(ctx, c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/items/:id/current", func(c *fiber.Ctx) error {
		current, err := session.SetCurrentID(c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"current": current})
	})

	webapp.Get("/api/items/:id/crop", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, ok := session.Item(id); !ok {
			return fmt.Errorf("%s: %w", id, editor.ErrItemNotFound)
		}
		crop, ok := session.GetCurrentCrop(id)
		if !ok {
			return fiber.NewError(http.StatusNotFound, "no crop committed yet")
		}
		return c.JSON(crop)
	})

	webapp.Get("/api/items/:id/transform", func(c *fiber.Ctx) error {
		loop, err := session.Attach(ctx, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(loop.Snapshot())
	})

	webapp.Post("/api/items/:id/gestures", func(c *fiber.Ctx) error {
		var request struct {
			Events []gestureEvent `json:"events" validate:"required,min=1,dive"`
		}
		if err := a.bind(c, &request); err != nil {
			return err
		}

		loop, err := session.Attach(ctx, c.Params("id"))
		if err != nil {
			return err
		}
		for _, ev := range request.Events {
			if err := loop.Send(ctx, ev.event()); err != nil {
				return err
			}
		}
		if err := loop.Sync(ctx); err != nil {
			return err
		}
		return c.JSON(loop.Snapshot())
	})

	webapp.Post("/api/aspect", func(c *fiber.Ctx) error {
		var request struct {
			Ratio string `json:"ratio" validate:"required"`
		}
		if err := a.bind(c, &request); err != nil {
			return err
		}
		ratio, err := geometry.ParseAspectRatio(request.Ratio)
		if err != nil {
			return err
		}
		return c.JSON(session.ApplyAspectRatio(ctx, ratio))
	})

	webapp.Post("/api/save", func(c *fiber.Ctx) error {
		ops := buildOperations(ctx, session)
		if fn := a.config.OnSave; fn != nil {
			fn(ops)
		}
		return c.JSON(fiber.Map{"operations": ops})
	})

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	if isDebug {
		log.Ctx(ctx).Debug().Msg("Debug mode enabled, serving static files from './static' directory")
		webapp.Static("/", "static")
	}
	return webapp
}

func (a *WebApp) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return a.validate.Struct(out)
}

type itemsResponse struct {
	Ratio   geometry.AspectRatio `json:"ratio"`
	Current int                  `json:"current"`
	Ended   bool                 `json:"ended"`
	Items   []itemView           `json:"items"`
}

type itemView struct {
	editor.MediaItem
	URL       string             `json:"url"`
	Container geometry.Size      `json:"container"`
	Effective *geometry.CropRect `json:"effectiveCrop,omitempty"`
}

func (a *WebApp) view(item editor.MediaItem) itemView {
	v := itemView{
		MediaItem: item,
		URL:       "/api/view?file=" + url.QueryEscape(item.DisplayURI),
	}
	session := a.config.Session
	if container, err := session.Container(item.ID); err == nil {
		v.Container = container
	}
	if crop, err := session.EffectiveCrop(item.ID); err == nil {
		v.Effective = &crop
	}
	return v
}

type gestureEvent struct {
	Type    string  `json:"type" validate:"required,oneof=begin pan pinch end abandon"`
	Gesture string  `json:"gesture" validate:"omitempty,oneof=pan pinch both"`
	DX      float64 `json:"dx"`
	DY      float64 `json:"dy"`
	Factor  float64 `json:"factor" validate:"required_if=Type pinch,gte=0"`
}

func (e gestureEvent) event() gesture.Event {
	g := gesture.Pan | gesture.Pinch
	switch e.Gesture {
	case "pan":
		g = gesture.Pan
	case "pinch":
		g = gesture.Pinch
	}

	switch e.Type {
	case "begin":
		return gesture.BeginEvent(g)
	case "pan":
		return gesture.PanEvent(e.DX, e.DY)
	case "pinch":
		return gesture.PinchEvent(e.Factor)
	case "end":
		return gesture.EndEvent(g)
	default:
		return gesture.AbandonEvent()
	}
}

func statusFor(err error) int {
	var fiberErr *fiber.Error
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.As(err, &validationErrs),
		errors.Is(err, geometry.ErrInvalidAspectRatio),
		errors.Is(err, editor.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, editor.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, editor.ErrSessionEnded),
		errors.Is(err, gesture.ErrLoopClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
