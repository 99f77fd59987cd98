package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"auction-engine/internal/api/handlers"
	apimiddleware "auction-engine/internal/api/middleware"
	"auction-engine/internal/config"
	"auction-engine/internal/infrastructure/websocket"
	"auction-engine/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Engine is everything the transport needs from the auction engine.
type Engine interface {
	handlers.AuctionEngine
	handlers.EventSource
}

// Server exposes the REST API and the websocket subscription stream on one
// listener.
type Server struct {
	echo        *echo.Echo
	connManager *websocket.ConnectionManager
	addr        string
	log         logger.Logger
}

func NewServer(cfg config.ServerConfig, engine Engine, log logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.HEAD, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			handlers.BidderHeader,
		},
		MaxAge: 86400,
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			log.Debug("Request handled",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"remote_addr", c.RealIP(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"latency", time.Since(start))
			return err
		}
	})

	connManager := websocket.NewConnectionManager(log.With("component", "ws"))

	handlers.NewAuctionHandler(engine, log.With("component", "api")).RegisterRoutes(e)

	wsHandler := handlers.NewWebSocketHandler(engine, connManager, cfg.PingInterval, log.With("component", "ws"))
	router := wsHandler.Router()
	router.Use(apimiddleware.RequestLogging(log.With("component", "ws")))
	e.GET("/ws/*", echo.WrapHandler(router))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "auction-engine",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	return &Server{
		echo:        e,
		connManager: connManager,
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:         log,
	}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "address", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes subscriber sockets, which http.Server.Shutdown does not
// track once hijacked, then drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connManager.CloseAll()
	return s.echo.Shutdown(ctx)
}
