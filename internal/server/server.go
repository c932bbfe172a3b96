// Package server is the public HTTP front of the proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/spotproxy/internal/health"
	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/internal/spotify"
	"github.com/p-blackswan/spotproxy/pkg/tokenstore"
)

// Config holds configuration for the HTTP server.
type Config struct {
	ListenAddr  string
	CORSOrigins string
	RateLimit   RateLimitConfig
}

// TokenSource hands out a usable token, acquiring one when none is pooled.
type TokenSource interface {
	Token(ctx context.Context) (tokenstore.Token, error)
}

// Server is the Fiber application serving the API.
type Server struct {
	app     *fiber.App
	limiter *rateLimiter
	logger  zerolog.Logger
	config  Config
}

// New creates and configures the server. checker and m may be nil.
func New(
	cfg Config,
	api *spotify.Service,
	tokens TokenSource,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	logger = logger.With().Str("component", "server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger,
		config: cfg,
	}

	s.setupMiddleware(cfg, m)
	s.setupRoutes(&handlers{api: api, tokens: tokens, logger: logger}, checker, m)

	return s
}

func (s *Server) setupMiddleware(cfg Config, m *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestIDMiddleware())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		s.app.Use(s.limiter.middleware())
	}

	s.app.Use(accessLogMiddleware(s.logger, m))
}

func (s *Server) setupRoutes(h *handlers, checker *health.Checker, m *metrics.Metrics) {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/readyz", func(c *fiber.Ctx) error {
		if checker == nil {
			return c.JSON(fiber.Map{"status": "ready"})
		}
		resp, code := checker.Report(c.UserContext())
		return c.Status(code).JSON(resp)
	})

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	api := s.app.Group("/api")

	api.Get("/token", h.token)
	api.Get("/search", h.search)
	api.Get("/analyze", h.searchAnalysis)
	api.Get("/featured", h.featured)
	api.Get("/markets/best", h.bestMarket)
	api.Get("/recommendations", h.recommendations)

	api.Get("/artists", h.artists)
	api.Get("/artist/:id", h.artist)
	api.Get("/artist/:id/albums", h.artistAlbums)
	api.Get("/artist/:id/top-tracks", h.artistTopTracks)
	api.Get("/artist/:id/related", h.relatedArtists)
	api.Get("/artist/:id/analysis", h.artistAnalysis)

	api.Get("/album/:id", h.album)
	api.Get("/album/:id/tracks", h.albumTracks)
	api.Get("/album/:id/analysis", h.albumAnalysis)

	api.Get("/tracks", h.tracks)
	api.Get("/track/:id", h.track)
	api.Get("/track/:id/audio-features", h.audioFeatures)

	api.Get("/playlist/:id", h.playlist)
	api.Get("/playlist/:id/tracks", h.playlistTracks)

	api.Get("/new-releases", h.newReleases)
	api.Get("/categories", h.categories)
	api.Get("/category/:id/playlists", h.categoryPlaylists)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8000"
	}
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
		}

		msg := err.Error()
		if code == fiber.StatusInternalServerError {
			msg = "An internal error occurred"
		}
		return c.Status(code).JSON(errorBody(httpCode(code), msg))
	}
}

func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	case fiber.StatusBadRequest:
		return "VALIDATION_ERROR"
	}
	return "INTERNAL_ERROR"
}
