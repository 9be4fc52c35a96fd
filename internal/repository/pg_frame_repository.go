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
	frameColumns = `id, story_id, seq_index, description, image_ref, status, attempt, provider_call_id, error_details, created_at, updated_at`

	countFramesQuery     = `SELECT COUNT(*) FROM storyboard_frames WHERE story_id = $1`
	shiftFramesUpQuery   = `UPDATE storyboard_frames SET seq_index = seq_index + 1, updated_at = NOW() WHERE story_id = $1 AND seq_index >= $2`
	shiftFramesDownQuery = `UPDATE storyboard_frames SET seq_index = seq_index - 1, updated_at = NOW() WHERE story_id = $1 AND seq_index > $2`
	insertFrameQuery     = `
		INSERT INTO storyboard_frames (id, story_id, seq_index, description, image_ref, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	getFrameByIDQuery      = `SELECT ` + frameColumns + ` FROM storyboard_frames WHERE id = $1`
	listFramesByStoryQuery = `SELECT ` + frameColumns + ` FROM storyboard_frames WHERE story_id = $1 ORDER BY seq_index`
	lockFramesByStoryQuery = listFramesByStoryQuery + ` FOR UPDATE`
	deleteFrameQuery       = `DELETE FROM storyboard_frames WHERE id = $1 RETURNING story_id, seq_index`
	deleteFramesByStory    = `DELETE FROM storyboard_frames WHERE story_id = $1`
)

type pgFrameRepository struct {
	db     DBTX
	logger *zap.Logger
}

// Insert must run inside a transaction; the unique (story_id, seq_index)
// constraint is deferred until commit.
func (r *pgFrameRepository) Insert(ctx context.Context, f *models.StoryboardFrame) error {
	var count int
	if err := r.db.QueryRow(ctx, countFramesQuery, f.StoryID).Scan(&count); err != nil {
		return fmt.Errorf("error counting frames of story %s: %w", f.StoryID, err)
	}
	if f.SeqIndex < 0 || f.SeqIndex > count {
		return fmt.Errorf("%w: frame index %d out of range [0, %d]", models.ErrInvalidInput, f.SeqIndex, count)
	}

	if f.SeqIndex < count {
		if _, err := r.db.Exec(ctx, shiftFramesUpQuery, f.StoryID, f.SeqIndex); err != nil {
			return fmt.Errorf("error shifting frames of story %s: %w", f.StoryID, err)
		}
	}

	now := time.Now().UTC()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, insertFrameQuery,
		f.ID, f.StoryID, f.SeqIndex, f.Description, f.ImageRef, f.Status, f.Attempt, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to insert frame",
			zap.String("story_id", f.StoryID.String()),
			zap.Int("seq_index", f.SeqIndex),
			zap.Error(err))
		return fmt.Errorf("error inserting frame: %w", err)
	}
	return nil
}

func (r *pgFrameRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StoryboardFrame, error) {
	var f models.StoryboardFrame
	if err := pgxscan.Get(ctx, r.db, &f, getFrameByIDQuery, id); err != nil {
		return nil, fmt.Errorf("error getting frame %s: %w", id, wrapNotFound(err))
	}
	return &f, nil
}

func (r *pgFrameRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error) {
	return r.list(ctx, listFramesByStoryQuery, storyID)
}

func (r *pgFrameRepository) LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error) {
	return r.list(ctx, lockFramesByStoryQuery, storyID)
}

func (r *pgFrameRepository) list(ctx context.Context, query string, storyID uuid.UUID) ([]*models.StoryboardFrame, error) {
	frames := make([]*models.StoryboardFrame, 0)
	if err := pgxscan.Select(ctx, r.db, &frames, query, storyID); err != nil {
		return nil, fmt.Errorf("error listing frames of story %s: %w", storyID, err)
	}
	return frames, nil
}

// DeleteAndReindex must run inside a transaction.
func (r *pgFrameRepository) DeleteAndReindex(ctx context.Context, id uuid.UUID) (int, error) {
	var storyID uuid.UUID
	var removed int
	if err := r.db.QueryRow(ctx, deleteFrameQuery, id).Scan(&storyID, &removed); err != nil {
		return 0, fmt.Errorf("error deleting frame %s: %w", id, wrapNotFound(err))
	}
	if _, err := r.db.Exec(ctx, shiftFramesDownQuery, storyID, removed); err != nil {
		return 0, fmt.Errorf("error re-indexing frames of story %s: %w", storyID, err)
	}
	return removed, nil
}

func (r *pgFrameRepository) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteFramesByStory, storyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting frames of story %s: %w", storyID, err)
	}
	return tag.RowsAffected(), nil
}
