package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/gateway"
	"github.com/matheus3301/warelay/internal/relay"
	"github.com/matheus3301/warelay/internal/status"
	"go.uber.org/zap"
)

// Server is the daemon's HTTP surface: health, socket info and the WebSocket
// upgrade endpoint.
type Server struct {
	echo       *echo.Echo
	addr       string
	machine    *status.Machine
	controller *relay.Controller
	hub        *gateway.Hub
	logger     *zap.Logger
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	SocketConnections int    `json:"socketConnections"`
	WhatsAppStatus    string `json:"whatsappStatus"`
}

// socketInfoResponse is the GET /socket-info body.
type socketInfoResponse struct {
	Path        string `json:"path"`
	Connections int    `json:"connections"`
}

// NewServer builds the echo server and registers routes.
func NewServer(p Params, cfg *config.Config, gw *gateway.Gateway, machine *status.Machine, controller *relay.Controller, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	corsConfig := middleware.DefaultCORSConfig
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	e.Use(middleware.CORSWithConfig(corsConfig))
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		addr:       fmt.Sprintf(":%d", cfg.Port),
		machine:    machine,
		controller: controller,
		hub:        gw.Hub(),
		logger:     logger,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/socket-info", s.handleSocketInfo)
	e.GET("/ws", gw.HandleWS)

	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:            "ok",
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		SocketConnections: s.hub.Count(),
		WhatsAppStatus:    status.WireStatus(s.machine.Current()),
	})
}

func (s *Server) handleSocketInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, socketInfoResponse{
		Path:        "/ws",
		Connections: s.hub.Count(),
	})
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("HTTP server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
}
