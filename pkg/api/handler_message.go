package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
)

// PostMessageRequest is the body for POST /api/sessions/:id/messages.
type PostMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// PostMessage accepts a user message and returns the task id tracking it.
// Progress and the answer arrive over the session's WebSocket or SSE
// stream.
func (s *Server) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errkind.Wrap(errkind.KindBadInput, err, "invalid request body"))
		return
	}

	taskID, err := s.manager.HandleUserMessage(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// InterruptRequest is the body for POST /api/sessions/:id/interrupt. An
// empty task id interrupts everything running for the session.
type InterruptRequest struct {
	TaskID string `json:"task_id"`
}

// InterruptSession handles POST /api/sessions/:id/interrupt.
func (s *Server) InterruptSession(c *gin.Context) {
	var req InterruptRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.manager.Interrupt(c.Request.Context(), c.Param("id"), req.TaskID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true, "task_id": req.TaskID})
}

// GetTask handles GET /api/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.sched.Status(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskMessages handles GET /api/tasks/:id/messages, returning the
// protocol trace for a task.
func (s *Server) GetTaskMessages(c *gin.Context) {
	trace, err := s.sched.Trace(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": trace})
}

// ListAgents handles GET /api/agents.
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.sched.Health().Agents})
}

// SessionWebSocket upgrades GET /api/sessions/:id/ws to a WebSocket bound
// to the session.
func (s *Server) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}

	s.ws.HandleConnection(c.Request.Context(), conn, sessionID)
}

// SessionStream serves GET /api/sessions/:id/stream as server-sent events
// until the next terminal event.
func (s *Server) SessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	events.ServeSSE(c, s.bus, sessionID)
}
