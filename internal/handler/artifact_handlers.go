package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"reel-server/internal/models"

	"github.com/gin-gonic/gin"
)

type characterRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type insertFrameRequest struct {
	// Index is the position of the new frame; omitted appends.
	Index       *int   `json:"index"`
	Description string `json:"description" binding:"required"`
}

func (h *PipelineHandler) createCharacter(c *gin.Context) {
	var req characterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	character, err := h.service.CreateCharacter(c.Request.Context(), storyFrom(c).ID, req.Name, req.Description)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, character)
}

func (h *PipelineHandler) updateCharacter(c *gin.Context) {
	id, err := artifactID(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	var req characterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	character, err := h.service.UpdateCharacter(c.Request.Context(), storyFrom(c).ID, id, req.Name, req.Description)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *PipelineHandler) deleteCharacter(c *gin.Context) {
	id, err := artifactID(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if err := h.service.DeleteCharacter(c.Request.Context(), storyFrom(c).ID, id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PipelineHandler) insertFrame(c *gin.Context) {
	var req insertFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: err.Error()})
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	frame, err := h.service.InsertFrame(c.Request.Context(), storyFrom(c).ID, index, req.Description)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, frame)
}

func (h *PipelineHandler) deleteFrame(c *gin.Context) {
	id, err := artifactID(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if err := h.service.DeleteFrame(c.Request.Context(), storyFrom(c).ID, id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PipelineHandler) regenerate(kind models.ArtifactKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := artifactID(c)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		ref, err := h.service.Regenerate(c.Request.Context(), storyFrom(c).ID, kind, id)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ref)
	}
}

// upload replaces an artifact's media with the multipart "file" field.
func (h *PipelineHandler) upload(kind models.ArtifactKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := artifactID(c)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

		fileHeader, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, APIError{Message: fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes)})
				return
			}
			h.handleServiceError(c, fmt.Errorf("%w: multipart field 'file' is required", models.ErrInvalidInput))
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			h.handleServiceError(c, fmt.Errorf("failed to open upload: %w", err))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			h.handleServiceError(c, fmt.Errorf("failed to read upload: %w", err))
			return
		}
		contentType := fileHeader.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}

		ref, err := h.service.Upload(c.Request.Context(), storyFrom(c).ID, kind, id, data, contentType)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, ref)
	}
}
