package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"maestro/internal/logging"
	"maestro/internal/server/app"
	"maestro/internal/workflow"
)

type workflowHandler struct {
	coordinator *app.Coordinator
	logger      logging.Logger
}

type executeRequest struct {
	SessionID     string          `json:"session_id"`
	Message       string          `json:"message"`
	WorkspaceRoot string          `json:"workspace_root,omitempty"`
	Flags         *workflow.Flags `json:"flags,omitempty"`
}

// execute submits a workflow and streams its events until a terminal state
// or a HITL pause. Framing is SSE by default; NDJSON when the client asks
// via Accept: application/x-ndjson or ?format=ndjson. Both carry identical
// JSON payloads.
func (h *workflowHandler) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(c, http.StatusBadRequest, "message is required")
		return
	}

	wfReq := workflow.Request{
		SessionID:     req.SessionID,
		UserMessage:   req.Message,
		WorkspaceRoot: req.WorkspaceRoot,
	}
	if req.Flags != nil {
		wfReq.Flags = *req.Flags
	}

	id, sub, err := h.coordinator.Execute(wfReq)
	if err != nil {
		respondFailure(c, err)
		return
	}
	defer sub.Close()

	ndjson := wantsNDJSON(c)
	if ndjson {
		c.Header("Content-Type", "application/x-ndjson")
	} else {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
	}
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			// Client disconnected; the workflow keeps running.
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev.WorkflowID != id {
				continue
			}
			if err := writeFramedEvent(c.Writer, ev, ndjson); err != nil {
				h.logger.Debug("stream write for workflow %s failed: %v", id, err)
				return
			}
			if canFlush {
				flusher.Flush()
			}
			if closesStream(ev) {
				return
			}
		}
	}
}

// closesStream reports whether this event ends the execute response: any
// terminal event, or a pause (the client re-attaches after HITL or resume).
func closesStream(ev workflow.Event) bool {
	switch ev.Type {
	case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed,
		workflow.EventWorkflowCancelled, workflow.EventWorkflowPaused:
		return true
	}
	return false
}

func wantsNDJSON(c *gin.Context) bool {
	if c.Query("format") == "ndjson" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "application/x-ndjson")
}

func writeFramedEvent(w http.ResponseWriter, ev workflow.Event, ndjson bool) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ndjson {
		_, err = fmt.Fprintf(w, "%s\n", payload)
	} else {
		_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	return err
}

func (h *workflowHandler) pause(c *gin.Context) {
	id := c.Param("workflow_id")
	if err := h.coordinator.Pause(id); err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"workflow_id": id, "status": "pause_requested"})
}

type resumeRequest struct {
	Message string `json:"message,omitempty"`
}

func (h *workflowHandler) resume(c *gin.Context) {
	id := c.Param("workflow_id")
	var req resumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if err := h.coordinator.Resume(id, req.Message); err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"workflow_id": id, "status": "resumed"})
}

func (h *workflowHandler) cancel(c *gin.Context) {
	id := c.Param("workflow_id")
	if err := h.coordinator.Cancel(id); err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"workflow_id": id, "status": "cancelled"})
}

func (h *workflowHandler) status(c *gin.Context) {
	state, err := h.coordinator.Status(c.Param("workflow_id"))
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, state)
}
