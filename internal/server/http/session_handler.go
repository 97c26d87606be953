package http

import (
	"github.com/gin-gonic/gin"

	"maestro/internal/server/app"
)

type sessionHandler struct {
	coordinator *app.Coordinator
}

func (h *sessionHandler) list(c *gin.Context) {
	sessions, err := h.coordinator.Sessions()
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *sessionHandler) get(c *gin.Context) {
	conv, err := h.coordinator.Session(c.Param("id"))
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, conv)
}

func (h *sessionHandler) delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.coordinator.DeleteSession(id); err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"session_id": id, "status": "deleted"})
}
