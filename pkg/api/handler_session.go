package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// CreateSession handles POST /api/sessions.
func (s *Server) CreateSession(c *gin.Context) {
	session, err := s.sessions.CreateSession(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListSessions handles GET /api/sessions?limit=&offset=.
func (s *Server) ListSessions(c *gin.Context) {
	limit := intQuery(c, "limit", defaultSessionLimit)
	if limit < 1 || limit > maxSessionLimit {
		limit = defaultSessionLimit
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := s.sessions.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "limit": limit, "offset": offset})
}

// GetSession handles GET /api/sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	session, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /api/sessions/:id. In-flight work is
// interrupted before the session and its history disappear.
func (s *Server) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	s.manager.InterruptSession(sessionID)
	if err := s.sessions.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	s.gateway.ForgetSession(sessionID)
	c.Status(http.StatusNoContent)
}

// ListSessionEvents handles GET /api/sessions/:id/events?since=&limit=.
func (s *Server) ListSessionEvents(c *gin.Context) {
	if _, err := s.sessions.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	limit := intQuery(c, "limit", s.cfg.Events.CatchupLimit)
	events, err := s.history.ListEventsSince(
		c.Request.Context(), c.Param("id"), c.Query("since"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// SessionUsage handles GET /api/sessions/:id/usage.
func (s *Server) SessionUsage(c *gin.Context) {
	if _, err := s.sessions.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.gateway.SessionUsage(c.Param("id")))
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
