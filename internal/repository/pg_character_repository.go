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
	characterColumns = `id, story_id, name, description, image_ref, status, attempt, provider_call_id, error_details, created_at, updated_at`

	createCharacterQuery = `
		INSERT INTO characters (id, story_id, name, description, image_ref, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	getCharacterByIDQuery       = `SELECT ` + characterColumns + ` FROM characters WHERE id = $1`
	listCharactersByStoryQuery  = `SELECT ` + characterColumns + ` FROM characters WHERE story_id = $1 ORDER BY created_at, id`
	lockCharactersByStoryQuery  = listCharactersByStoryQuery + ` FOR UPDATE`
	updateCharacterDetailsQuery = `UPDATE characters SET name = $2, description = $3, updated_at = NOW() WHERE id = $1`
	deleteCharacterQuery        = `DELETE FROM characters WHERE id = $1`
	deleteCharactersByStory     = `DELETE FROM characters WHERE story_id = $1`
)

type pgCharacterRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgCharacterRepository) Create(ctx context.Context, c *models.Character) error {
	now := time.Now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, createCharacterQuery,
		c.ID, c.StoryID, c.Name, c.Description, c.ImageRef, c.Status, c.Attempt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create character", zap.String("story_id", c.StoryID.String()), zap.Error(err))
		return fmt.Errorf("error creating character: %w", err)
	}
	return nil
}

func (r *pgCharacterRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Character, error) {
	var c models.Character
	if err := pgxscan.Get(ctx, r.db, &c, getCharacterByIDQuery, id); err != nil {
		return nil, fmt.Errorf("error getting character %s: %w", id, wrapNotFound(err))
	}
	return &c, nil
}

func (r *pgCharacterRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error) {
	return r.list(ctx, listCharactersByStoryQuery, storyID)
}

func (r *pgCharacterRepository) LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error) {
	return r.list(ctx, lockCharactersByStoryQuery, storyID)
}

func (r *pgCharacterRepository) list(ctx context.Context, query string, storyID uuid.UUID) ([]*models.Character, error) {
	characters := make([]*models.Character, 0)
	if err := pgxscan.Select(ctx, r.db, &characters, query, storyID); err != nil {
		return nil, fmt.Errorf("error listing characters of story %s: %w", storyID, err)
	}
	return characters, nil
}

func (r *pgCharacterRepository) UpdateDetails(ctx context.Context, id uuid.UUID, name, description string) error {
	tag, err := r.db.Exec(ctx, updateCharacterDetailsQuery, id, name, description)
	if err != nil {
		return fmt.Errorf("error updating character %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgCharacterRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, deleteCharacterQuery, id)
	if err != nil {
		return fmt.Errorf("error deleting character %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgCharacterRepository) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteCharactersByStory, storyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting characters of story %s: %w", storyID, err)
	}
	return tag.RowsAffected(), nil
}
