package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"maestro/internal/server/app"
)

type workspaceHandler struct {
	coordinator *app.Coordinator
}

func sessionFromQuery(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Query("session_id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, "session_id is required")
		return "", false
	}
	return id, true
}

func (h *workspaceHandler) files(c *gin.Context) {
	sessionID, ok := sessionFromQuery(c)
	if !ok {
		return
	}
	depth := 3
	if s := c.Query("depth"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		depth = n
	}
	entries, err := h.coordinator.WorkspaceFiles(sessionID, c.Query("path"), depth)
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"files": entries, "count": len(entries)})
}

func (h *workspaceHandler) read(c *gin.Context) {
	sessionID, ok := sessionFromQuery(c)
	if !ok {
		return
	}
	rel := strings.TrimSpace(c.Query("path"))
	if rel == "" {
		respondError(c, http.StatusBadRequest, "path is required")
		return
	}
	data, err := h.coordinator.ReadWorkspaceFile(sessionID, rel)
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"path": rel, "content": string(data), "size_bytes": len(data)})
}

type workspaceWriteRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (h *workspaceHandler) write(c *gin.Context) {
	var req workspaceWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" || req.Path == "" {
		respondError(c, http.StatusBadRequest, "session_id and path are required")
		return
	}
	art, err := h.coordinator.WriteWorkspaceFile(req.SessionID, req.Path, req.Content)
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, art)
}

type workspaceSetRequest struct {
	SessionID string `json:"session_id"`
	Hint      string `json:"hint,omitempty"`
}

// set resolves (creating on first use) the session's workspace directory.
// The hint seeds the directory slug for new sessions.
func (h *workspaceHandler) set(c *gin.Context) {
	var req workspaceSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" {
		respondError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	dir, err := h.coordinator.EnsureWorkspace(req.SessionID, req.Hint)
	if err != nil {
		respondFailure(c, err)
		return
	}
	respondOK(c, gin.H{"session_id": req.SessionID, "workspace_dir": dir})
}
