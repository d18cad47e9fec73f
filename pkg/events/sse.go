package events

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseFrame is one server-sent message. Token frames carry streamed answer
// chunks; metadata frames carry progress; done/error frames terminate the
// stream.
type sseFrame struct {
	Type string `json:"type"` // token | metadata | done | error
	Data any    `json:"data"`
}

// frameFor maps a bus event onto its SSE frame type.
func frameFor(event Event) sseFrame {
	switch event.Type {
	case TypeStream:
		return sseFrame{Type: "token", Data: event.Content.Message}
	case TypeResult:
		return sseFrame{Type: "done", Data: event}
	case TypeError:
		return sseFrame{Type: "error", Data: event}
	default:
		if event.Terminal() {
			return sseFrame{Type: "done", Data: event}
		}
		return sseFrame{Type: "metadata", Data: event}
	}
}

// ServeSSE streams a session's events as text/event-stream until a terminal
// event arrives or the client disconnects. One-shot consumers (CLIs, simple
// frontends) use this instead of a WebSocket.
func ServeSSE(c *gin.Context, bus *Bus, sessionID string) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := bus.Subscribe(sessionID)
	defer sub.Close()

	ctx := c.Request.Context()
	for {
		select {
		case event, eventsOpen := <-sub.Events():
			if !eventsOpen {
				return
			}
			frame := frameFor(event)
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if frame.Type == "done" || frame.Type == "error" {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
