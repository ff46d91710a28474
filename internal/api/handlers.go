package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nxtg-ai/forge-pool/internal/archive"
	"github.com/nxtg-ai/forge-pool/internal/pool"
	"github.com/nxtg-ai/forge-pool/internal/task"
)

// Handler contains API handlers.
type Handler struct {
	pool  *pool.Manager
	store *archive.Store
}

// NewHandler creates a new API handler.
func NewHandler(p *pool.Manager, store *archive.Store) *Handler {
	return &Handler{pool: p, store: store}
}

// SubmitTaskRequest is the task submission body.
type SubmitTaskRequest struct {
	Kind           string            `json:"kind"`
	Priority       string            `json:"priority"`
	Workstream     string            `json:"workstream_id"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
	MaxRetries     int               `json:"max_retries"`
	Metadata       map[string]string `json:"metadata"`
}

// SubmitTask enqueues a task and returns its id.
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	// Kind is required; an empty one fails task validation below.
	t := task.New(task.Kind(req.Kind), req.Command)
	t.Priority = task.Priority(req.Priority)
	t.Workstream = req.Workstream
	t.Args = req.Args
	t.Env = req.Env
	t.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	t.MaxRetries = req.MaxRetries
	t.Metadata = req.Metadata

	id, err := h.pool.SubmitTask(t)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, task.ErrInvalidTask):
			status = http.StatusBadRequest
		case errors.Is(err, pool.ErrNotInitialized), errors.Is(err, pool.ErrStopped):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": id,
		"status":  string(task.StatusQueued),
	})
}

// GetTaskStatus reports a task's current position in its lifecycle.
func (h *Handler) GetTaskStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := h.pool.GetTaskStatus(id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if status == task.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": id,
		"status":  string(status),
	})
}

// CancelTask cancels a queued or running task. The answer always carries the
// cancelled flag: false when the task is already terminal or unknown.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.pool.CancelTask(id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":   id,
		"cancelled": ok,
	})
}

// ListTaskHistory returns archived terminal tasks, newest first.
func (h *Handler) ListTaskHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, total, err := h.store.ListTasks(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":  records,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ScaleRequest optionally overrides the configured scaling step.
type ScaleRequest struct {
	Count int `json:"count"`
}

// ScaleUp adds workers up to the configured maximum.
func (h *Handler) ScaleUp(c *gin.Context) {
	var req ScaleRequest
	_ = c.ShouldBindJSON(&req)

	total, err := h.pool.ScaleUp(req.Count)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": total})
}

// ScaleDown retires idle workers down to the configured minimum.
func (h *Handler) ScaleDown(c *gin.Context) {
	var req ScaleRequest
	_ = c.ShouldBindJSON(&req)

	total, err := h.pool.ScaleDown(req.Count)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": total})
}

// RestartWorker restarts a crashed worker in place.
func (h *Handler) RestartWorker(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.RestartWorker(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": id, "restarted": true})
}

// GetPoolStatus returns the pool state with per-worker snapshots.
func (h *Handler) GetPoolStatus(c *gin.Context) {
	status, err := h.pool.GetStatus()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetPoolMetrics returns the aggregate metrics snapshot as JSON; the
// prometheus exposition lives at /metrics.
func (h *Handler) GetPoolMetrics(c *gin.Context) {
	metrics, err := h.pool.GetMetrics()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// GetHealth maps the pool verdict to an HTTP status: healthy and degraded
// serve 200, anything else 503.
func (h *Handler) GetHealth(c *gin.Context) {
	verdict := h.pool.Health()
	code := http.StatusOK
	if verdict == "unhealthy" || verdict == "stopped" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": verdict})
}
