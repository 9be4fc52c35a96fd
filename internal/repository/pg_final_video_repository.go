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
	upsertFinalVideoQuery = `
		INSERT INTO final_videos (id, story_id, video_ref, clip_ids, status, error_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (story_id) DO UPDATE SET
			id = EXCLUDED.id,
			video_ref = EXCLUDED.video_ref,
			clip_ids = EXCLUDED.clip_ids,
			status = EXCLUDED.status,
			error_details = EXCLUDED.error_details,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	getFinalVideoByStoryQuery = `
		SELECT id, story_id, video_ref, clip_ids, status, error_details, created_at, updated_at
		FROM final_videos WHERE story_id = $1
	`
	deleteFinalVideoByStory = `DELETE FROM final_videos WHERE story_id = $1`
)

type pgFinalVideoRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgFinalVideoRepository) Upsert(ctx context.Context, v *models.FinalVideo) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRow(ctx, upsertFinalVideoQuery,
		v.ID, v.StoryID, v.VideoRef, v.ClipIDs, v.Status, v.Error, v.UpdatedAt,
	).Scan(&v.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to upsert final video", zap.String("story_id", v.StoryID.String()), zap.Error(err))
		return fmt.Errorf("error saving final video: %w", err)
	}
	return nil
}

func (r *pgFinalVideoRepository) GetByStory(ctx context.Context, storyID uuid.UUID) (*models.FinalVideo, error) {
	var v models.FinalVideo
	if err := pgxscan.Get(ctx, r.db, &v, getFinalVideoByStoryQuery, storyID); err != nil {
		return nil, fmt.Errorf("error getting final video of story %s: %w", storyID, wrapNotFound(err))
	}
	return &v, nil
}

func (r *pgFinalVideoRepository) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteFinalVideoByStory, storyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting final video of story %s: %w", storyID, err)
	}
	return tag.RowsAffected(), nil
}
