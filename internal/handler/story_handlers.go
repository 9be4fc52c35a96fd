package handler

import (
	"net/http"

	"reel-server/internal/models"

	"github.com/gin-gonic/gin"
)

type createStoryRequest struct {
	Title   string `json:"title" binding:"required"`
	Concept string `json:"concept"`
}

type scriptRequest struct {
	Text       string                   `json:"text"`
	Characters []models.ScriptCharacter `json:"characters" binding:"required"`
	Scenes     []models.ScriptScene     `json:"scenes" binding:"required"`
}

func (h *PipelineHandler) createStory(c *gin.Context) {
	var req createStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	story, err := h.service.CreateStory(c.Request.Context(), c.GetString(ownerKey), req.Title, req.Concept)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *PipelineHandler) listStories(c *gin.Context) {
	stories, err := h.service.ListStories(c.Request.Context(), c.GetString(ownerKey))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if stories == nil {
		stories = []*models.Story{}
	}
	c.JSON(http.StatusOK, stories)
}

func (h *PipelineHandler) getStory(c *gin.Context) {
	c.JSON(http.StatusOK, storyFrom(c))
}

func (h *PipelineHandler) deleteStory(c *gin.Context) {
	if err := h.service.DeleteStory(c.Request.Context(), storyFrom(c).ID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PipelineHandler) finalizeScript(c *gin.Context) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	story, err := h.service.FinalizeScript(c.Request.Context(), storyFrom(c).ID, models.Script{
		Text:       req.Text,
		Characters: req.Characters,
		Scenes:     req.Scenes,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

// generateScript drafts a script with the text provider. The draft is stored
// unfinalized; clients edit it and PUT it back.
func (h *PipelineHandler) generateScript(c *gin.Context) {
	script, err := h.service.GenerateScript(c.Request.Context(), storyFrom(c).ID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, script)
}

func (h *PipelineHandler) getUsage(c *gin.Context) {
	summary, err := h.service.UsageSummary(c.Request.Context(), storyFrom(c).ID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *PipelineHandler) listCosts(c *gin.Context) {
	costs, err := h.service.CostsByOwner(c.Request.Context(), c.GetString(ownerKey))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if costs == nil {
		costs = []models.StoryCost{}
	}
	c.JSON(http.StatusOK, costs)
}
