package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/webhook"
)

const (
	retryRatePerSecond = 3.0 / 60.0
	retryBurst         = 3
)

func (s *Server) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
		return
	}

	res := s.processor.Ingest(c.Request.Context(), body, c.Request.Header)
	switch res.Outcome {
	case webhook.OutcomeAccepted:
		c.JSON(http.StatusOK, gin.H{"ok": true, "event_id": res.EventID})
	case webhook.OutcomeDuplicate:
		c.JSON(http.StatusOK, gin.H{"ok": true, "event_id": res.EventID, "duplicate": true})
	case webhook.OutcomeInvalidSignature:
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid_signature"})
	case webhook.OutcomeInvalidPayload:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": res.Error})
	}
}

func (s *Server) HandleWebhookRetry(c *gin.Context) {
	key := "webhook_retry:" + c.ClientIP()
	res, err := s.limiter.Allow(c.Request.Context(), key, retryRatePerSecond, retryBurst)
	if err != nil {
		s.log.Warn("retry rate limit check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "service_unavailable"})
		return
	}
	if !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "rate_limited"})
		return
	}

	retried, processed, err := s.processor.RetryFailed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "retried": retried, "processed": processed})
}
