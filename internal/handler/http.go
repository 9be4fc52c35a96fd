package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/service"
	"reel-server/internal/status"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIError is the body of every error response.
type APIError struct {
	Message string `json:"message"`
}

// StatusReader returns pipeline snapshots.
type StatusReader interface {
	Snapshot(ctx context.Context, storyID uuid.UUID) (*status.Snapshot, error)
}

// PipelineHandler serves the story pipeline API.
type PipelineHandler struct {
	service        *service.PipelineService
	status         StatusReader
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewPipelineHandler(s *service.PipelineService, snapshots StatusReader, maxUploadBytes int64, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		service:        s,
		status:         snapshots,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.Named("PipelineHandler"),
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *PipelineHandler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1", requireUser())
	api.GET("/costs", h.listCosts)

	stories := api.Group("/stories")
	{
		stories.POST("", h.createStory)
		stories.GET("", h.listStories)
	}

	story := stories.Group("/:id", h.loadStory())
	{
		story.GET("", h.getStory)
		story.DELETE("", h.deleteStory)
		story.GET("/usage", h.getUsage)

		story.PUT("/script", h.finalizeScript)
		story.POST("/script/generate", h.generateScript)

		story.GET("/chat", h.chatHistory)
		story.POST("/chat", h.chat)
		story.POST("/chat/finalize", h.finalizeChat)

		story.POST("/pipeline/start", h.startPipeline)
		story.GET("/pipeline/status", h.pipelineStatus)
		story.POST("/pipeline/approve-characters", h.approveCharacters)
		story.POST("/pipeline/approve-storyboard", h.approveStoryboard)
		story.POST("/pipeline/revert/:stage", h.revert)

		story.POST("/characters", h.createCharacter)
		story.PUT("/characters/:artifact", h.updateCharacter)
		story.DELETE("/characters/:artifact", h.deleteCharacter)
		story.POST("/characters/:artifact/regenerate", h.regenerate(models.ArtifactCharacter))
		story.POST("/characters/:artifact/upload", h.upload(models.ArtifactCharacter))

		story.POST("/frames", h.insertFrame)
		story.DELETE("/frames/:artifact", h.deleteFrame)
		story.POST("/frames/:artifact/regenerate", h.regenerate(models.ArtifactFrame))
		story.POST("/frames/:artifact/upload", h.upload(models.ArtifactFrame))

		story.POST("/videos/concatenate", h.concatenate)
		story.POST("/videos/:artifact/regenerate", h.regenerate(models.ArtifactClip))
		story.POST("/videos/:artifact/upload", h.upload(models.ArtifactClip))
	}
}

func invalidID(what, raw string) error {
	return fmt.Errorf("%w: invalid %s ID '%s'", models.ErrInvalidInput, what, raw)
}

func artifactID(c *gin.Context) (uuid.UUID, error) {
	raw := c.Param("artifact")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidID("artifact", raw)
	}
	return id, nil
}

// handleServiceError maps service errors to HTTP responses and aborts.
func (h *PipelineHandler) handleServiceError(c *gin.Context, err error) {
	var code int
	msg := err.Error()

	switch {
	case errors.Is(err, models.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
		msg = "resource not found"
	case errors.Is(err, models.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, models.ErrPreconditionViolation):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrAssemblyFailed):
		code = http.StatusBadGateway
	default:
		if _, ok := provider.AsError(err); ok {
			code = http.StatusBadGateway
			break
		}
		code = http.StatusInternalServerError
		msg = "internal server error"
		h.logger.Error("Unhandled service error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, APIError{Message: msg})
}

func (h *PipelineHandler) respondSnapshot(c *gin.Context, code int, storyID uuid.UUID) {
	snap, err := h.status.Snapshot(c.Request.Context(), storyID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(code, snap)
}
