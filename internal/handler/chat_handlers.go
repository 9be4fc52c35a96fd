package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *PipelineHandler) chatHistory(c *gin.Context) {
	messages, err := h.service.ChatHistory(c.Request.Context(), storyFrom(c).ID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// chat runs one turn of the script conversation. A provider failure maps to
// 502 and leaves the history unchanged.
func (h *PipelineHandler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	turn, err := h.service.Chat(c.Request.Context(), storyFrom(c).ID, req.Message)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, turn)
}

func (h *PipelineHandler) finalizeChat(c *gin.Context) {
	story, err := h.service.FinalizeChat(c.Request.Context(), storyFrom(c).ID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}
