// Package admin exposes health, metrics and routed-connection views of a
// running node over HTTP.
package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/msgconn/internal/dispatch"
	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/observability"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var ErrPeerNotFound = errors.New("admin: peer not found")

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	routes *dispatch.Router
	router *gin.Engine
	srv    *http.Server
	log    zerolog.Logger
}

func New(id, addr string, corsOrigins []string, routes *dispatch.Router) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	logger := logging.Logger("admin")
	r.Use(observability.AdminRequests(id, logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		routes:   routes,
		router:   r,
		log:      logger,
	}
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/conns", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"conns": s.routes.List()})
	})

	s.router.POST("/conns/:peer/close", func(c *gin.Context) {
		peer := transport.Identity(c.Param("peer"))
		if err := s.closePeer(peer); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed", "peer": peer})
	})
}

func (s *Server) closePeer(peer transport.Identity) error {
	c, ok := s.routes.Lookup(peer)
	if !ok {
		return ErrPeerNotFound
	}
	s.routes.Unregister(peer)
	s.log.Info().Str("peer", peer.String()).Msg("connection closed by admin")
	return c.Close()
}

// Serve blocks serving HTTP until Shutdown.
func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
