package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helmsman-project/helmsman/pkg/errkind"
)

// respondError maps the error taxonomy onto HTTP statuses. The kind travels
// in the body so clients can branch without matching message text.
func respondError(c *gin.Context, err error) {
	kind := errkind.KindOf(err)

	var status int
	switch kind {
	case errkind.KindBadInput:
		status = http.StatusBadRequest
	case errkind.KindUnauthorized:
		status = http.StatusUnauthorized
	case errkind.KindNotFound:
		status = http.StatusNotFound
	case errkind.KindTimeout:
		status = http.StatusGatewayTimeout
	case errkind.KindCapacityExhausted:
		status = http.StatusTooManyRequests
	case errkind.KindInterrupted:
		status = http.StatusConflict
	case errkind.KindLLM:
		status = http.StatusBadGateway
	case errkind.KindStore:
		status = http.StatusServiceUnavailable
	default:
		slog.Error("Unexpected internal error", "error", err)
		status = http.StatusInternalServerError
	}

	body := gin.H{"kind": string(kind), "error": errkind.MessageOf(err)}
	if detail := errkind.DetailOf(err); detail != "" {
		body["detail"] = detail
	}
	c.JSON(status, body)
}
