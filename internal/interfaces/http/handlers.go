package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/memory"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

type handler struct {
	deps     Deps
	logger   *zap.Logger
	commands []Command
}

// statusFor maps application error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case apperrors.IsInvalidArguments(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsCancelled(err):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  h.deps.Version,
		"provider": h.deps.Provider,
		"model":    h.deps.Model,
	})
}

type orchestrateRequest struct {
	Input     string `json:"input" binding:"required"`
	SessionID string `json:"session_id"`
}

func (h *handler) orchestrate(c *gin.Context) {
	var req orchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	start := time.Now()
	result, err := h.deps.Agent.HandleMessage(c.Request.Context(), req.SessionID, "http", req.Input)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":      req.SessionID,
		"output":          result.Content,
		"signal":          result.Signal,
		"tools_used":      result.ToolsUsed,
		"iteration_count": result.Iterations,
		"dropped":         result.Dropped,
		"execution_ms":    time.Since(start).Milliseconds(),
	})
}

type classifyRequest struct {
	Message string `json:"message" binding:"required"`
	Channel string `json:"channel"`
}

func (h *handler) classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if req.Channel == "" {
		req.Channel = "http"
	}

	result := h.deps.Classifier.Classify(c.Request.Context(), req.Channel, req.Message)
	c.JSON(http.StatusOK, gin.H{
		"signal":     result.Signal,
		"confidence": result.Confidence,
		"tier":       result.Tier,
		"cache_hit":  result.CacheHit,
	})
}

type complexRequest struct {
	Task      string `json:"task" binding:"required"`
	Strategy  string `json:"strategy"`
	SessionID string `json:"session_id"`
	Blocking  bool   `json:"blocking"`
}

func (h *handler) orchestrateComplex(c *gin.Context) {
	var req complexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	tasks := agent.Decompose(req.Task, req.Strategy)

	if req.Blocking {
		report, err := h.deps.Orchestrator.Execute(c.Request.Context(), req.SessionID, tasks)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":  req.SessionID,
			"run_id":      report.RunID,
			"status":      report.Status,
			"results":     report.Results,
			"failed":      report.Failed,
			"duration_ms": report.DurationMs,
		})
		return
	}

	runID, err := h.deps.Orchestrator.Start(c.Request.Context(), req.SessionID, tasks)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": req.SessionID,
		"task_id":    runID,
		"status":     entity.TaskRunning,
	})
}

func (h *handler) orchestrateProgress(c *gin.Context) {
	snap, ok := h.deps.Orchestrator.Progress(c.Param("task_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task id"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type swarmLaunchRequest struct {
	Task      string `json:"task" binding:"required"`
	Pattern   string `json:"pattern" binding:"required"`
	SessionID string `json:"session_id"`
	MaxAgents int    `json:"max_agents"`
	TimeoutMs int    `json:"timeout_ms"`
	MaxRounds int    `json:"max_rounds"`
}

func (h *handler) swarmLaunch(c *gin.Context) {
	var req swarmLaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task and pattern are required"})
		return
	}

	id, err := h.deps.Swarms.Launch(req.SessionID, agent.SwarmConfig{
		Task:      req.Task,
		Pattern:   entity.SwarmPattern(req.Pattern),
		MaxAgents: req.MaxAgents,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		MaxRounds: req.MaxRounds,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"swarm_id": id, "status": agent.SwarmRunning})
}

func (h *handler) swarmList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"swarms": h.deps.Swarms.List()})
}

func (h *handler) swarmGet(c *gin.Context) {
	snap, ok := h.deps.Swarms.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown swarm id"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) swarmCancel(c *gin.Context) {
	if !h.deps.Swarms.Cancel(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "swarm is not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *handler) toolExecute(c *gin.Context) {
	var args map[string]any
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON object"})
		return
	}

	result, err := h.deps.Dispatcher.Execute(c.Request.Context(), c.Param("name"), args)
	if err != nil && result == nil {
		fail(c, err)
		return
	}
	// Execution failures still carry a result so callers see the error text.
	c.JSON(http.StatusOK, gin.H{
		"output":      result.Output,
		"success":     result.Success,
		"duration_ms": result.DurationMs,
	})
}

func (h *handler) sessionList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.deps.Sessions.List(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": entries, "active": h.deps.Agent.Active()})
}

func (h *handler) sessionGet(c *gin.Context) {
	entry, err := h.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *handler) sessionMessages(c *gin.Context) {
	session, err := h.deps.Log.Replay(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  session.ID,
		"messages":    session.Messages,
		"token_usage": session.TokenUsage,
	})
}

type memorySaveRequest struct {
	Category   string  `json:"category" binding:"required"`
	Content    string  `json:"content" binding:"required"`
	Importance float64 `json:"importance"`
}

func (h *handler) memorySave(c *gin.Context) {
	var req memorySaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category and content are required"})
		return
	}
	if req.Importance == 0 {
		req.Importance = 0.5
	}

	entry, err := h.deps.Memory.Remember(c.Request.Context(), memory.Category(req.Category), req.Content, req.Importance)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *handler) memoryRecall(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	maxTokens, _ := strconv.Atoi(c.DefaultQuery("max_tokens", "2000"))

	recalled := h.deps.Memory.RecallRelevant(query, maxTokens)
	c.JSON(http.StatusOK, gin.H{"entries": recalled, "count": len(recalled)})
}
