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
	storyColumns = `id, owner_id, title, concept, script, stage, status, created_at, updated_at`

	createStoryQuery = `
		INSERT INTO stories (id, owner_id, title, concept, script, stage, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	getStoryByIDQuery       = `SELECT ` + storyColumns + ` FROM stories WHERE id = $1`
	getStoryForUpdateQuery  = `SELECT ` + storyColumns + ` FROM stories WHERE id = $1 FOR UPDATE`
	listStoriesByOwnerQuery = `SELECT ` + storyColumns + ` FROM stories WHERE owner_id = $1 ORDER BY created_at DESC`
	updateStoryScriptQuery  = `UPDATE stories SET script = $2, updated_at = NOW() WHERE id = $1`
	compareAndSetStageQuery = `UPDATE stories SET stage = $3, status = $4, updated_at = NOW() WHERE id = $1 AND stage = $2`
	deleteStoryQuery        = `DELETE FROM stories WHERE id = $1`
	storyExistsQuery        = `SELECT EXISTS (SELECT 1 FROM stories WHERE id = $1)`
)

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgStoryRepository) Create(ctx context.Context, story *models.Story) error {
	now := time.Now().UTC()
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	story.CreatedAt, story.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, createStoryQuery,
		story.ID, story.OwnerID, story.Title, story.Concept, story.Script,
		story.Stage, story.Status, story.CreatedAt, story.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create story", zap.String("story_id", story.ID.String()), zap.Error(err))
		return fmt.Errorf("error creating story: %w", err)
	}
	return nil
}

func (r *pgStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	if err := pgxscan.Get(ctx, r.db, &story, getStoryByIDQuery, id); err != nil {
		return nil, fmt.Errorf("error getting story %s: %w", id, wrapNotFound(err))
	}
	return &story, nil
}

func (r *pgStoryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	if err := pgxscan.Get(ctx, r.db, &story, getStoryForUpdateQuery, id); err != nil {
		return nil, fmt.Errorf("error locking story %s: %w", id, wrapNotFound(err))
	}
	return &story, nil
}

func (r *pgStoryRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Story, error) {
	stories := make([]*models.Story, 0)
	if err := pgxscan.Select(ctx, r.db, &stories, listStoriesByOwnerQuery, ownerID); err != nil {
		return nil, fmt.Errorf("error listing stories of owner %s: %w", ownerID, err)
	}
	return stories, nil
}

func (r *pgStoryRepository) UpdateScript(ctx context.Context, id uuid.UUID, script *models.Script) error {
	tag, err := r.db.Exec(ctx, updateStoryScriptQuery, id, script)
	if err != nil {
		return fmt.Errorf("error updating script of story %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgStoryRepository) CompareAndSetStage(ctx context.Context, id uuid.UUID, from, to models.Stage, status models.StoryStatus) error {
	tag, err := r.db.Exec(ctx, compareAndSetStageQuery, id, from, to, status)
	if err != nil {
		return fmt.Errorf("error updating stage of story %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, storyExistsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("error checking story %s: %w", id, err)
	}
	if !exists {
		return models.ErrNotFound
	}
	r.logger.Warn("Stage compare-and-set lost",
		zap.String("story_id", id.String()),
		zap.String("expected", string(from)),
		zap.String("target", string(to)),
	)
	return fmt.Errorf("%w: story %s is no longer in stage %s", models.ErrConflict, id, from)
}

func (r *pgStoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, deleteStoryQuery, id)
	if err != nil {
		return fmt.Errorf("error deleting story %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
