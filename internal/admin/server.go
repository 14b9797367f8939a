// Package admin serves a small HTTP surface for inspecting and steering one
// client session: health, metrics, session status and connect/disconnect/ping
// controls.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/auth"
	"github.com/danmuck/xmppctl/internal/client"
	"github.com/danmuck/xmppctl/internal/observability"
	"github.com/danmuck/xmppctl/internal/protocol/session"
)

const version = "0.1.0"

// Controller is the slice of *client.Manager the admin server drives.
type Controller interface {
	State() client.ConnectionState
	Session() session.Session
	Counters() session.DeliveryCounters
	Unacked() int
	PendingRequests() int
	Connect(ctx context.Context) error
	Disconnect() error
	Ping(ctx context.Context) (time.Duration, error)
}

var _ Controller = (*client.Manager)(nil)

type Config struct {
	Addr        string
	Token       string
	CorsOrigins []string
	// ActionTimeout bounds POST /connect and POST /ping.
	ActionTimeout time.Duration
}

type Server struct {
	ID       string
	Appeared time.Time

	cfg    Config
	ctl    Controller
	auth   auth.Validator
	router *gin.Engine
}

// New builds the gin engine and registers every route.
func New(id string, ctl Controller, cfg Config) *Server {
	observability.RegisterMetrics()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Appeared: time.Now(),
		cfg:      cfg,
		ctl:      ctl,
		router:   r,
	}
	r.Use(s.accessLog(), s.recordMetrics())
	if cfg.Token != "" {
		s.auth = auth.StaticToken{Token: cfg.Token}
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("admin.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// SessionStatus is the body of GET /session.
type SessionStatus struct {
	State       string `json:"state"`
	JID         string `json:"jid,omitempty"`
	Resource    string `json:"resource,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	ResumeID    string `json:"resume_id,omitempty"`
	Secure      bool   `json:"secure"`
	Established bool   `json:"established"`
	Resumed     bool   `json:"resumed"`
	Sent        uint32 `json:"sent"`
	Received    uint32 `json:"received"`
	Unacked     int    `json:"unacked"`
	Pending     int    `json:"pending_requests"`
}

func (s *Server) status() SessionStatus {
	sess := s.ctl.Session()
	counters := s.ctl.Counters()
	out := SessionStatus{
		State:       s.ctl.State().String(),
		Resource:    sess.Resource,
		StreamID:    sess.StreamID,
		ResumeID:    sess.ResumeID,
		Secure:      sess.Secure,
		Established: sess.Established,
		Resumed:     sess.Resumed,
		Sent:        counters.Sent,
		Received:    counters.Received,
		Unacked:     s.ctl.Unacked(),
		Pending:     s.ctl.PendingRequests(),
	}
	if !sess.JID.IsZero() {
		out.JID = sess.JID.String()
	}
	return out
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		state := s.ctl.State()
		code := http.StatusOK
		if state != client.StateConnected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   state == client.StateConnected,
			"state":   state.String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status())
	})

	control := r.Group("/", s.authorize())
	control.POST("/connect", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ActionTimeout)
		defer cancel()
		if err := s.ctl.Connect(ctx); err != nil {
			c.JSON(connectStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.status())
	})

	control.POST("/disconnect", func(c *gin.Context) {
		if err := s.ctl.Disconnect(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, client.ErrNotConnected) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.status())
	})

	control.POST("/ping", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ActionTimeout)
		defer cancel()
		rtt, err := s.ctl.Ping(ctx)
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case errors.Is(err, client.ErrNotConnected):
				status = http.StatusConflict
			case errors.Is(err, session.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rtt": rtt.String(), "rtt_ms": rtt.Milliseconds()})
	})
}

// authorize enforces the bearer token on control routes when one is set.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		if err := auth.Authorize(s.auth, c.GetHeader("Authorization")); err != nil {
			log.Warn().Str("path", c.Request.URL.Path).Err(err).Msg("admin.Server.authorize denied")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, client.ErrAlreadyConnected),
		errors.Is(err, client.ErrAlreadyConnecting),
		errors.Is(err, client.ErrDisconnecting),
		errors.Is(err, client.ErrManagerClosed):
		return http.StatusConflict
	case client.IsFatal(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
