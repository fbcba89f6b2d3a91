// Package admin implements the autohost-adjacent HTTP surface: health,
// version, prometheus metrics, and a read-only state dump for ops tooling.
//
// Grounded on bken server/api.go's APIServer: an echo.Echo with a recovery
// middleware, JSON error handler, and a handful of plain GET routes —
// generalized from a voice-room's REST surface (rooms/channels/uploads) to
// the game server's runtime-state surface (participants/teams/version).
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/dcfnet/coreserver/internal/dispatch"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags, mirroring bken's api.Version.
var Version = "0.1.0-dev"

// Server is the admin HTTP surface for one running game server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	echo       *echo.Echo
	log        *zap.Logger
}

// New constructs a Server and registers all routes.
func New(d *dispatch.Dispatcher, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{dispatcher: d, echo: e, log: log}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("admin server error", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil && s.log != nil {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Participants: len(s.dispatcher.DumpState()),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// ParticipantView is the JSON projection of model.Participant for the
// dump_state endpoint; it omits the Connection field, which isn't
// serializable and isn't ops-relevant.
type ParticipantView struct {
	Name              string  `json:"name"`
	Spectator         bool    `json:"spectator"`
	Team              int     `json:"team"`
	Ready             bool    `json:"ready"`
	CPUUsage          float64 `json:"cpu_usage"`
	LastFrameResponse int32   `json:"last_frame_response"`
}

// StateResponse is the payload for GET /api/state (mirroring dump_state,
// exposed over HTTP for ops tooling rather than the wire protocol).
type StateResponse struct {
	Participants []ParticipantView `json:"participants"`
	MedianPing   int32             `json:"median_ping_ms"`
	DesyncFlag   bool              `json:"desync_has_occurred"`
	SyncErrFrame int32             `json:"sync_error_frame"`
}

func (s *Server) handleState(c echo.Context) error {
	participants := s.dispatcher.DumpState()
	views := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, ParticipantView{
			Name:              p.Name,
			Spectator:         p.Spectator,
			Team:              p.Team,
			Ready:             p.Ready,
			CPUUsage:          p.CPUUsage,
			LastFrameResponse: p.LastFrameResponse,
		})
	}
	occurred, frame := s.dispatcher.DesyncState()
	return c.JSON(http.StatusOK, StateResponse{
		Participants: views,
		MedianPing:   s.dispatcher.MedianPing(),
		DesyncFlag:   occurred,
		SyncErrFrame: frame,
	})
}

// jsonErrorHandler ensures all error responses carry a consistent JSON body
// (mirrors bken api.go's jsonErrorHandler).
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
			_ = c.NoContent(code)
		} else {
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}
}
