package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/server/app"
	"maestro/internal/workflow"
)

type hitlHandler struct {
	coordinator *app.Coordinator
	upgrader    *websocket.Upgrader
	logger      logging.Logger
}

func (h *hitlHandler) pending(c *gin.Context) {
	requests := h.coordinator.PendingHITL(c.Query("workflow_id"))
	respondOK(c, gin.H{"requests": requests, "count": len(requests)})
}

func (h *hitlHandler) respond(c *gin.Context) {
	var resp workflow.HITLResponse
	if err := c.ShouldBindJSON(&resp); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	requestID := c.Param("request_id")
	if err := h.coordinator.RespondHITL(requestID, resp); err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"request_id": requestID, "status": "resolved"})
}

// socket streams hitl_* lifecycle events over a websocket, optionally
// filtered to one workflow. Frames are the same Event JSON the HTTP stream
// carries. Client messages are drained only for close detection.
func (h *hitlHandler) socket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	bus := h.coordinator.Bus()
	var sub *events.Subscription
	if workflowID := c.Param("workflow_id"); workflowID != "" {
		sub = bus.SubscribeWorkflow(workflowID)
	} else {
		sub = bus.SubscribeAll()
	}
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !isHITLEvent(ev.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed: %v", err)
				return
			}
		}
	}
}

func isHITLEvent(t workflow.EventType) bool {
	switch t {
	case workflow.EventHITLRequested, workflow.EventHITLResolved,
		workflow.EventHITLCancelled, workflow.EventHITLExpired:
		return true
	}
	return false
}
