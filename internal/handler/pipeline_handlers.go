package handler

import (
	"net/http"

	"reel-server/internal/models"

	"github.com/gin-gonic/gin"
)

func (h *PipelineHandler) startPipeline(c *gin.Context) {
	story := storyFrom(c)
	if err := h.service.Start(c.Request.Context(), story.ID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusAccepted, story.ID)
}

func (h *PipelineHandler) pipelineStatus(c *gin.Context) {
	h.respondSnapshot(c, http.StatusOK, storyFrom(c).ID)
}

func (h *PipelineHandler) approveCharacters(c *gin.Context) {
	story := storyFrom(c)
	if err := h.service.ApproveCharacters(c.Request.Context(), story.ID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusAccepted, story.ID)
}

func (h *PipelineHandler) approveStoryboard(c *gin.Context) {
	story := storyFrom(c)
	if err := h.service.ApproveStoryboard(c.Request.Context(), story.ID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusAccepted, story.ID)
}

func (h *PipelineHandler) revert(c *gin.Context) {
	target, err := models.ParseStage(c.Param("stage"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	story := storyFrom(c)
	if _, err := h.service.RevertToStage(c.Request.Context(), story.ID, target); err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusOK, story.ID)
}

// concatenate assembles synchronously. A failed ffmpeg run answers 502 with
// the failed final video so clients can show the reason.
func (h *PipelineHandler) concatenate(c *gin.Context) {
	video, err := h.service.Concatenate(c.Request.Context(), storyFrom(c).ID)
	if err != nil {
		if video != nil && video.Status == models.FinalVideoFailed {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"message": err.Error(), "final_video": video})
			return
		}
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, video)
}
