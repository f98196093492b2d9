// Package status serves the daemon's local HTTP surface: health, a relay
// snapshot, and Prometheus metrics. It is read-only and never touches the
// control channel or the relay stream.
package status

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"vcrelay/internal/observability"
)

// Snapshot is the daemon state reported on /status and /ready.
type Snapshot struct {
	Channel    string `json:"channel"`
	RelayState string `json:"relay_state"`
	Ready      bool   `json:"ready"`
}

// Provider returns the current snapshot. It is called per request and must
// be safe for concurrent use.
type Provider func() Snapshot

type Server struct {
	service   string
	provider  Provider
	router    *gin.Engine
	startedAt time.Time
}

func New(service string, provider Provider, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(service))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		service:   service,
		provider:  provider,
		router:    r,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).String(),
			"service": s.service,
			"version": "0.0.1",
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		snap := s.provider()
		c.JSON(http.StatusOK, gin.H{
			"service":     s.service,
			"uptime":      time.Since(s.startedAt).String(),
			"channel":     snap.Channel,
			"relay_state": snap.RelayState,
			"ready":       snap.Ready,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		snap := s.provider()
		status := http.StatusOK
		if !snap.Ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   snap.Ready,
			"service": s.service,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails. It blocks.
func (s *Server) Run(addr string) error {
	log.Info().Str("addr", addr).Str("service", s.service).Msg("status.Server listening")
	return s.router.Run(addr)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
