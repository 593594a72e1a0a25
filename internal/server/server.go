// Package server exposes the coordinator to browser surfaces over HTTP and
// WebSocket.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/config"
	"github.com/eachlabs/kbridge/internal/coordinator"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/session"
)

// Coordinator is what the server needs from the coordinator.
type Coordinator interface {
	Attach(role protocol.Role, p channel.Port)
	Detach(role protocol.Role, id string)
	Submit(role protocol.Role, raw []byte)
	Snapshot() coordinator.Snapshot
}

// Extractions is the extraction slot as seen by the HTTP writer.
type Extractions interface {
	Put(e session.Extraction) error
	Get() (session.Extraction, error)
	Clear() error
}

// Config holds server settings.
type Config struct {
	Addr         string
	Token        string
	AllowOrigins []string
	Logger       zerolog.Logger
}

// Server is the surface-facing HTTP server.
type Server struct {
	cfg      Config
	coord    Coordinator
	slot     Extractions
	log      zerolog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	httpSrv *http.Server
}

// New builds the server and its routes. Nothing listens until Listen.
func New(cfg Config, coord Coordinator, slot Extractions) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:   cfg,
		coord: coord,
		slot:  slot,
		log:   cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())
	if len(cfg.AllowOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:           cfg.AllowOrigins,
			AllowMethods:           []string{"GET", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:           []string{"Origin", "Content-Type", "Authorization"},
			AllowWildcard:          true,
			AllowBrowserExtensions: true,
			AllowWebSockets:        true,
			MaxAge:                 12 * time.Hour,
		}))
	}
	engine.Use(tokenAuth(cfg.Token))

	engine.GET("/port/:role", s.handlePort)
	engine.PUT("/extraction", s.putExtraction)
	engine.GET("/extraction", s.getExtraction)
	engine.DELETE("/extraction", s.deleteExtraction)
	engine.GET("/status", s.status)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured address, which must be a loopback address.
func (s *Server) Listen() error {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s.cfg.Addr, err)
	}
	if !config.IsLoopback(host) {
		return fmt.Errorf("listen address must bind to loopback, got %q", s.cfg.Addr)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.httpSrv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("surface server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown; the
	// coordinator closes their ports on its own way out.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePort(c *gin.Context) {
	role, err := protocol.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("role", string(role)).Msg("websocket upgrade failed")
		return
	}

	port := channel.NewWebSocketPort(role, conn)
	s.coord.Attach(role, port)

	err = port.ReadLoop(func(raw []byte) {
		s.coord.Submit(role, raw)
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug().Err(err).Str("role", string(role)).Str("port", port.ID()).Msg("port read ended")
	}

	s.coord.Detach(role, port.ID())
	_ = port.Close()
}

type extractionBody struct {
	Title       string `json:"title"`
	TextContent string `json:"textContent" binding:"required"`
}

func (s *Server) putExtraction(c *gin.Context) {
	var body extractionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.slot.Put(session.Extraction{Title: body.Title, TextContent: body.TextContent}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getExtraction(c *gin.Context) {
	e, err := s.slot.Get()
	if errors.Is(err, session.ErrEmpty) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) deleteExtraction(c *gin.Context) {
	if err := s.slot.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Snapshot())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// originAllowed accepts requests without an Origin (local tools) and
// browser origins matching one of the configured patterns.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, pattern := range s.cfg.AllowOrigins {
		if pattern == "*" || pattern == origin {
			return true
		}
		if ok, _ := path.Match(pattern, origin); ok {
			return true
		}
	}
	return false
}

// tokenAuth checks the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so the token is also accepted as a query parameter.
func tokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
