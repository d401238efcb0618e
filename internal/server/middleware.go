package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// AdminAuth gates a route on the configured admin token, taken from
// either "Authorization: Bearer <token>" or the x-admin-token header.
// With no token configured the admin surface stays closed.
func (s *Server) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.AdminToken
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		presented := strings.TrimSpace(c.GetHeader("x-admin-token"))
		if presented == "" {
			header := strings.TrimSpace(c.GetHeader("Authorization"))
			parts := strings.SplitN(header, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				presented = strings.TrimSpace(parts[1])
			}
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		c.Next()
	}
}
