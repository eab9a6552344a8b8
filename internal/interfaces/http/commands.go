package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// Command is one named runtime action exposed over the commands endpoint.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	run         func(ctx context.Context, args map[string]any) (any, error)
}

func builtinCommands(deps Deps) []Command {
	return []Command{
		{
			Name:        "status",
			Description: "Runtime status: version, provider, model, active sessions",
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{
					"version":         deps.Version,
					"provider":        deps.Provider,
					"model":           deps.Model,
					"active_sessions": deps.Agent.Active(),
				}, nil
			},
		},
		{
			Name:        "tools.list",
			Description: "List registered tools with their schemas",
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return deps.Tools.List(), nil
			},
		},
		{
			Name:        "session.cancel",
			Description: "Cancel the in-flight turn of a session",
			run: func(ctx context.Context, args map[string]any) (any, error) {
				id, _ := args["session_id"].(string)
				if id == "" {
					return nil, apperrors.New(apperrors.KindInvalidArguments, "session_id is required")
				}
				return map[string]any{"cancelled": deps.Agent.Cancel(id)}, nil
			},
		},
		{
			Name:        "memory.compact",
			Description: "Drop the least important memory entries over the store cap",
			run: func(ctx context.Context, args map[string]any) (any, error) {
				removed, err := deps.Memory.Compact(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"removed": removed}, nil
			},
		},
		{
			Name:        "bus.drops",
			Description: "Per-subscriber drop counts on the event bus",
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return deps.Bus.DropCounts(), nil
			},
		},
	}
}

func (h *handler) commandList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": h.commands})
}

type commandExecuteRequest struct {
	Command string         `json:"command" binding:"required"`
	Args    map[string]any `json:"args"`
}

func (h *handler) commandExecute(c *gin.Context) {
	var req commandExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	for _, cmd := range h.commands {
		if cmd.Name != req.Command {
			continue
		}
		out, err := cmd.run(c.Request.Context(), req.Args)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"command": cmd.Name, "result": out})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown command: " + req.Command})
}
