// Package web provides the HTTP status page and device control API.
package web

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/prefs"
	"github.com/doncaruana/zwave-switch/internal/status"
)

// Controller forwards requests to the dispatcher. Implementations must not
// touch the reconciler from the calling goroutine.
type Controller interface {
	Command(ctx context.Context, device string, on bool) error
	SetPreferences(ctx context.Context, device string, patch prefs.Patch) (prefs.Preferences, error)
	InitDevice(ctx context.Context, device string) error
}

// CommandRequest is the body of POST /devices/:id/command.
type CommandRequest struct {
	State string `json:"state"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the status page and API over HTTP.
type Server struct {
	echo    *echo.Echo
	addr    string
	tracker *status.Tracker
	ctl     Controller
	log     zerolog.Logger
}

// New creates a Server that reads state from the tracker and sends changes
// through ctl.
func New(addr string, tracker *status.Tracker, ctl Controller) *Server {
	s := &Server{
		echo:    echo.New(),
		addr:    addr,
		tracker: tracker,
		ctl:     ctl,
		log:     logging.For("web"),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug().Str("method", v.Method).Str("uri", v.URI).
				Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))

	e.GET("/", s.handleIndex)
	e.GET("/index.html", s.handleIndex)
	e.GET("/index.json", s.handleJSON)
	e.GET("/devices/:id", s.handleDevice)
	e.POST("/devices/:id/command", s.handleCommand)
	e.PUT("/devices/:id/preferences", s.handlePreferences)
	e.POST("/devices/:id/init", s.handleInit)
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.echo.Start(s.addr)
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	return s.echo.Start("")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleIndex(c echo.Context) error {
	var buf bytes.Buffer
	if err := renderHTML(&buf, s.tracker.Snapshot()); err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (s *Server) handleJSON(c echo.Context) error {
	return c.JSONPretty(http.StatusOK, status.BuildJSON(s.tracker.Snapshot()), "  ")
}

func (s *Server) handleDevice(c echo.Context) error {
	d, ok := s.tracker.Snapshot().Device(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: status.ErrUnknownDevice.Error()})
	}
	return c.JSON(http.StatusOK, status.BuildDevice(d))
}

func (s *Server) handleCommand(c echo.Context) error {
	id := c.Param("id")

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	var on bool
	switch strings.ToUpper(strings.TrimSpace(req.State)) {
	case "ON":
		on = true
	case "OFF":
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "state must be ON or OFF"})
	}

	if err := s.ctl.Command(c.Request().Context(), id, on); err != nil {
		return s.controlError(c, err)
	}
	s.log.Info().Str("device", id).Bool("on", on).Msg("command accepted")
	return c.JSON(http.StatusAccepted, CommandRequest{State: strings.ToUpper(req.State)})
}

func (s *Server) handlePreferences(c echo.Context) error {
	id := c.Param("id")

	var patch prefs.Patch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	p, err := s.ctl.SetPreferences(c.Request().Context(), id, patch)
	if err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleInit resets a device to the unknown state, as after re-inclusion.
func (s *Server) handleInit(c echo.Context) error {
	id := c.Param("id")
	if err := s.ctl.InitDevice(c.Request().Context(), id); err != nil {
		return s.controlError(c, err)
	}
	s.log.Info().Str("device", id).Msg("init accepted")
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) controlError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, status.ErrUnknownDevice):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, prefs.ErrInvalidPreference):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("control request failed")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
