package main

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"pixsimrelay/store"
)

// APIServer provides the operator-facing REST surface: health, public room
// listings, audit log, and runtime metrics. It runs on a separate TCP port
// from the relay's WebSocket/WebTransport listeners.
type APIServer struct {
	broker *Broker
	store  *store.Store
	echo   *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(broker *Broker, st *store.Store) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{broker: broker, store: st, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/pixsim-api/rooms", s.handleRooms)
	s.echo.GET("/pixsim-api/dialects", s.handleDialects)
	s.echo.GET("/pixsim-api/audit", s.handleGetAuditLog)
	s.echo.GET("/pixsim-api/metrics", s.handleMetrics)
	s.echo.GET("/pixsim-api/version", s.handleVersion)
	s.echo.GET("/list/:gameMode", s.handleListMaps)
	s.echo.GET("/:gameMode/:id", s.handleGetMap)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Warn("api server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		slog.Warn("api shutdown", "err", err)
	}
}

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// VersionResponse is the payload for GET /pixsim-api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Rooms:  s.broker.RoomCount(),
	})
}

func (s *APIServer) handleRooms(c echo.Context) error {
	mode := GameMode(c.QueryParam("type"))
	rooms := s.broker.PublicRooms(mode)
	if rooms == nil {
		rooms = []PublicRoomSummary{}
	}
	return c.JSON(http.StatusOK, rooms)
}

// DialectsResponse is the payload for GET /pixsim-api/dialects.
type DialectsResponse struct {
	Dialects []string `json:"dialects"`
	Maps     []string `json:"maps"`
}

func (s *APIServer) handleDialects(c echo.Context) error {
	resp := DialectsResponse{Dialects: []string{}, Maps: []string{}}
	if conv := s.broker.Converter(); conv != nil {
		resp.Dialects = conv.Formats()
	}
	if cat := s.broker.Catalog(); cat != nil {
		for _, mode := range []GameMode{ModePixelCrash, ModeResourceRace} {
			resp.Maps = append(resp.Maps, cat.List(string(mode))...)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListMaps implements spec.md §6's "/list/<gameMode>" HTTP surface.
func (s *APIServer) handleListMaps(c echo.Context) error {
	cat := s.broker.Catalog()
	if cat == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, cat.List(c.Param("gameMode")))
}

// handleGetMap implements spec.md §6's "/<gameMode>/<id>?format=..." HTTP
// surface, returning the map re-serialized into the requested dialect.
func (s *APIServer) handleGetMap(c echo.Context) error {
	cat := s.broker.Catalog()
	if cat == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no map catalog loaded")
	}
	format := c.QueryParam("format")
	if format == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "format is required")
	}
	encoded, err := cat.Get(c.Param("gameMode"), c.Param("id"), format)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if encoded == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such map")
	}
	return c.JSON(http.StatusOK, encoded)
}

func (s *APIServer) handleGetAuditLog(c echo.Context) error {
	action := c.QueryParam("action")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.store.GetAuditLog(action, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// MetricsResponse includes runtime metrics for health monitoring.
type MetricsResponse struct {
	Status     string `json:"status"`
	Rooms      int    `json:"rooms"`
	Goroutines int    `json:"goroutines"`
}

func (s *APIServer) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, MetricsResponse{
		Status:     "ok",
		Rooms:      s.broker.RoomCount(),
		Goroutines: runtime.NumGoroutine(),
	})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
