package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/observability"
)

// route names the matched handler as "METHOD /path". Unmatched paths collapse
// to one label so scanners cannot grow the metric set.
func route(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	return c.Request.Method + " " + path
}

// accessLog records each request together with the connection state the
// controller reports once the handler returns. Reads log at debug.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		case c.Request.Method == http.MethodGet:
			event = log.Debug()
		default:
			event = log.Info()
		}
		event.
			Str("service", s.ID).
			Str("route", route(c)).
			Int("status", status).
			Str("state", s.ctl.State().String()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin.http request")
	}
}

// recordMetrics counts every request and, for control routes, the outcome of
// the session action behind it.
func (s *Server) recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		observability.RecordAdminRequest(s.ID, route(c), status, time.Since(start))
		if action, ok := controlAction(c); ok {
			observability.RecordAdminAction(action, actionOutcome(status))
		}
	}
}

func controlAction(c *gin.Context) (string, bool) {
	if c.Request.Method != http.MethodPost || c.FullPath() == "" {
		return "", false
	}
	return strings.TrimPrefix(c.FullPath(), "/"), true
}

func actionOutcome(status int) string {
	switch {
	case status < http.StatusBadRequest:
		return "ok"
	case status == http.StatusUnauthorized:
		return "denied"
	case status == http.StatusConflict:
		return "conflict"
	default:
		return "failed"
	}
}
