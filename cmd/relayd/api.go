package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/manager"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

type createSessionRequest struct {
	Adapter        string            `json:"adapter"`
	Cwd            string            `json:"cwd"`
	Model          string            `json:"model"`
	PermissionMode string            `json:"permission_mode"`
	Env            map[string]string `json:"env"`
}

// registerAPIRoutes mounts the REST introspection surface under /api/v1.
func registerAPIRoutes(router *gin.Engine, mgr *manager.Manager, log *logger.Logger) {
	api := router.Group("/api/v1")

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": mgr.Views()})
	})

	api.POST("/sessions", func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		s, err := mgr.Create(c.Request.Context(), manager.CreateOptions{
			Adapter:        req.Adapter,
			Cwd:            req.Cwd,
			Model:          req.Model,
			PermissionMode: req.PermissionMode,
			Env:            req.Env,
		})
		if err != nil {
			log.Warn("session create failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": frames.View(s, mgr.SessionName(s.ID))})
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		s := mgr.Get(id)
		if s == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":     frames.View(s, mgr.SessionName(id)),
			"process_log": mgr.ProcessLog(id),
		})
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := mgr.Close(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": id})
	})

	api.POST("/sessions/:id/archive", func(c *gin.Context) {
		id := c.Param("id")
		if err := mgr.Archive(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": id})
	})
}
