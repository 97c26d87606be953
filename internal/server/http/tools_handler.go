package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"maestro/internal/server/app"
)

type toolsHandler struct {
	coordinator *app.Coordinator
}

func (h *toolsHandler) list(c *gin.Context) {
	tools := h.coordinator.ListTools()
	respondOK(c, gin.H{"tools": tools, "count": len(tools)})
}

type toolExecuteRequest struct {
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params"`
	SessionID string         `json:"session_id"`
}

func (h *toolsHandler) execute(c *gin.Context) {
	var req toolExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		respondError(c, http.StatusBadRequest, "tool_name is required")
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if req.SessionID != "" {
		req.Params["session_id"] = req.SessionID
	}

	result, err := h.coordinator.ExecuteTool(c.Request.Context(), req.ToolName, req.Params)
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, result)
}
