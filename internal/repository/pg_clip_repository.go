package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reel-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	clipColumns = `id, story_id, frame_from_id, frame_to_id, from_index, video_ref, status, attempt, provider_call_id, error_details, created_at, updated_at`

	// the insert only succeeds when both frames belong to the story and are adjacent
	createClipQuery = `
		INSERT INTO clips (id, story_id, frame_from_id, frame_to_id, from_index, video_ref, status, attempt, created_at, updated_at)
		SELECT $1::uuid, $2::uuid, f.id, t.id, f.seq_index, $5::text, $6::text, $7::int, $8::timestamptz, $9::timestamptz
		FROM storyboard_frames f
		JOIN storyboard_frames t ON t.story_id = f.story_id AND t.seq_index = f.seq_index + 1
		WHERE f.id = $3 AND t.id = $4 AND f.story_id = $2
		RETURNING from_index
	`
	getClipByIDQuery      = `SELECT ` + clipColumns + ` FROM clips WHERE id = $1`
	listClipsByStoryQuery = `SELECT ` + clipColumns + ` FROM clips WHERE story_id = $1 ORDER BY from_index`
	deleteClipsByFrame    = `DELETE FROM clips WHERE frame_from_id = $1 OR frame_to_id = $1`
	shiftClipsQuery       = `UPDATE clips SET from_index = from_index + $3, updated_at = NOW() WHERE story_id = $1 AND from_index > $2`
	deleteClipsByStory    = `DELETE FROM clips WHERE story_id = $1`
)

type pgClipRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgClipRepository) Create(ctx context.Context, c *models.Clip) error {
	now := time.Now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt, c.UpdatedAt = now, now

	err := r.db.QueryRow(ctx, createClipQuery,
		c.ID, c.StoryID, c.FrameFromID, c.FrameToID, c.VideoRef, c.Status, c.Attempt, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.FromIndex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: frames %s and %s are not adjacent frames of story %s",
				models.ErrInvalidInput, c.FrameFromID, c.FrameToID, c.StoryID)
		}
		r.logger.Error("Failed to create clip", zap.String("story_id", c.StoryID.String()), zap.Error(err))
		return fmt.Errorf("error creating clip: %w", err)
	}
	return nil
}

func (r *pgClipRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	var c models.Clip
	if err := pgxscan.Get(ctx, r.db, &c, getClipByIDQuery, id); err != nil {
		return nil, fmt.Errorf("error getting clip %s: %w", id, wrapNotFound(err))
	}
	return &c, nil
}

func (r *pgClipRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Clip, error) {
	clips := make([]*models.Clip, 0)
	if err := pgxscan.Select(ctx, r.db, &clips, listClipsByStoryQuery, storyID); err != nil {
		return nil, fmt.Errorf("error listing clips of story %s: %w", storyID, err)
	}
	return clips, nil
}

func (r *pgClipRepository) DeleteByFrame(ctx context.Context, frameID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteClipsByFrame, frameID)
	if err != nil {
		return 0, fmt.Errorf("error deleting clips of frame %s: %w", frameID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgClipRepository) ShiftFromIndex(ctx context.Context, storyID uuid.UUID, above, delta int) error {
	if _, err := r.db.Exec(ctx, shiftClipsQuery, storyID, above, delta); err != nil {
		return fmt.Errorf("error shifting clips of story %s: %w", storyID, err)
	}
	return nil
}

func (r *pgClipRepository) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteClipsByStory, storyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting clips of story %s: %w", storyID, err)
	}
	return tag.RowsAffected(), nil
}
