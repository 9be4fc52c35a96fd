package handler

import (
	"net/http"
	"strings"
	"time"

	"reel-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userIDHeader = "X-User-ID"
	ownerKey     = "owner_id"
	storyKey     = "story"
)

// ZapLogger logs every request except health checks and metric scrapes.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.String("request_id", requestID),
		}
		if owner := c.GetString(ownerKey); owner != "" {
			fields = append(fields, zap.String("user_id", owner))
		}

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors.ByType(gin.ErrorTypeAny) {
				log.Error("Request error", append(fields, zap.Error(ginErr.Err))...)
			}
			return
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("Server error", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}

// requireUser reads the caller identity set by the upstream gateway.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(userIDHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "missing " + userIDHeader + " header"})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

// loadStory resolves :id to a story owned by the caller.
func (h *PipelineHandler) loadStory() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			h.handleServiceError(c, invalidID("story", c.Param("id")))
			return
		}
		story, err := h.service.Authorize(c.Request.Context(), c.GetString(ownerKey), id)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.Set(storyKey, story)
		c.Next()
	}
}

func storyFrom(c *gin.Context) *models.Story {
	return c.MustGet(storyKey).(*models.Story)
}
