package repository

import (
	"context"
	"fmt"
	"time"

	"reel-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	appendChatMessageQuery = `
		INSERT INTO chat_messages (id, story_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	listChatByStoryQuery = `
		SELECT id, story_id, role, content, created_at
		FROM chat_messages
		WHERE story_id = $1
		ORDER BY created_at, id
	`
)

type pgChatRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgChatRepository) Append(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if _, err := r.db.Exec(ctx, appendChatMessageQuery, msg.ID, msg.StoryID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		r.logger.Error("Failed to append chat message",
			zap.String("story_id", msg.StoryID.String()),
			zap.String("role", string(msg.Role)),
			zap.Error(err),
		)
		return fmt.Errorf("error appending chat message: %w", err)
	}
	return nil
}

func (r *pgChatRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.ChatMessage, error) {
	messages := make([]*models.ChatMessage, 0)
	if err := pgxscan.Select(ctx, r.db, &messages, listChatByStoryQuery, storyID); err != nil {
		return nil, fmt.Errorf("error listing chat of story %s: %w", storyID, err)
	}
	return messages, nil
}
