package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/merchhub/kiwisync/internal/syncengine"
	"github.com/merchhub/kiwisync/internal/syncstate"
)

type syncRunRequest struct {
	Full      bool              `json:"full"`
	Persist   *bool             `json:"persist"`
	Cursor    *syncstate.Cursor `json:"cursor"`
	Resources []string          `json:"resources"`
	Since     string            `json:"since"`
	Until     string            `json:"until"`
}

func (s *Server) HandleSyncRun(c *gin.Context) {
	var body syncRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
			return
		}
	}

	req := syncengine.Request{
		Full:      body.Full,
		Cursor:    body.Cursor,
		Resources: body.Resources,
		Persist:   true,
	}
	if body.Persist != nil {
		req.Persist = *body.Persist
	}

	if body.Since != "" || body.Until != "" {
		window, ok := parseRange(body.Since, body.Until)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_range"})
			return
		}
		req.Range = window
	}

	if req.Cursor == nil && !body.Full && body.Since == "" {
		cursor, err := s.state.GetSyncCursor(c.Request.Context())
		if err == nil && cursor != nil && !cursor.Done {
			req.Cursor = cursor
		}
	}

	result := s.syncer.Run(c.Request.Context(), req)
	c.JSON(http.StatusOK, result)
}

func (s *Server) HandleSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()

	cursor, err := s.state.GetSyncCursor(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	lastRunAt, lastStats, err := s.state.LastRun(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	unsupported, err := s.state.GetUnsupportedResources(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	names := make([]string, 0, len(unsupported))
	for name := range unsupported {
		names = append(names, name)
	}
	sort.Strings(names)

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"cursor":      cursor,
		"lastRunAt":   lastRunAt,
		"lastStats":   rawStats(lastStats),
		"unsupported": names,
	})
}

func rawStats(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func parseRange(since, until string) (*syncengine.Window, bool) {
	start, ok := parseDate(since)
	if !ok {
		return nil, false
	}
	end := time.Now().UTC()
	if until != "" {
		end, ok = parseDate(until)
		if !ok {
			return nil, false
		}
	}
	if end.Before(start) {
		return nil, false
	}
	return &syncengine.Window{Start: start, End: end}, true
}

func parseDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
