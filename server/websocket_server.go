package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/room4-2/realtime-relay/config"
	"github.com/room4-2/realtime-relay/logging"
	"github.com/room4-2/realtime-relay/messages"
	"github.com/room4-2/realtime-relay/session"
)

// clientReadLimit caps a single client frame; base64 inflates PCM by a third
const clientReadLimit = 4 << 20

type Server struct {
	httpServer     *http.Server
	router         *gin.Engine
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         *slog.Logger
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, logger *slog.Logger) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	s.router = router

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and those whose Origin is listed. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("relay server starting", "port", s.config.Port, "endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every relay session, then stops the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Warn("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	conn.SetReadLimit(clientReadLimit)

	relay, err := s.sessionManager.CreateSession(conn)
	if err != nil {
		s.logger.Warn("failed to create session", "remote", c.ClientIP(), "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, messages.NewErrorMessage(err.Error()).Encode())
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}

	relay.Run()
	s.sessionManager.RemoveSession(relay.ID)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
}
