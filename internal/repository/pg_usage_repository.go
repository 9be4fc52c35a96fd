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
	appendUsageRecordQuery = `
		INSERT INTO usage_records (
			id, story_id, artifact_kind, artifact_id, provider, call_kind, model,
			input_units, output_units, cost_micros, outcome, error_details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	listUsageByStoryQuery = `
		SELECT id, story_id, artifact_kind, artifact_id, provider, call_kind, model,
			input_units, output_units, cost_micros, outcome, error_details, created_at
		FROM usage_records
		WHERE story_id = $1
		ORDER BY created_at, id
	`
	costsByOwnerQuery = `
		SELECT s.id AS story_id, s.title, COUNT(u.id) AS calls, COALESCE(SUM(u.cost_micros), 0) AS cost_micros
		FROM stories s
		LEFT JOIN usage_records u ON u.story_id = s.id
		WHERE s.owner_id = $1
		GROUP BY s.id, s.title, s.created_at
		ORDER BY s.created_at DESC
	`
)

type pgUsageRepository struct {
	db     DBTX
	logger *zap.Logger
}

func (r *pgUsageRepository) Append(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, appendUsageRecordQuery,
		rec.ID, rec.StoryID, rec.ArtifactKind, rec.ArtifactID, rec.Provider, rec.CallKind, rec.Model,
		rec.InputUnits, rec.OutputUnits, rec.CostMicros, rec.Outcome, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to append usage record",
			zap.String("story_id", rec.StoryID.String()),
			zap.String("provider", string(rec.Provider)),
			zap.Error(err),
		)
		return fmt.Errorf("error appending usage record: %w", err)
	}
	return nil
}

func (r *pgUsageRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.UsageRecord, error) {
	records := make([]*models.UsageRecord, 0)
	if err := pgxscan.Select(ctx, r.db, &records, listUsageByStoryQuery, storyID); err != nil {
		return nil, fmt.Errorf("error listing usage of story %s: %w", storyID, err)
	}
	return records, nil
}

func (r *pgUsageRepository) CostsByOwner(ctx context.Context, ownerID string) ([]models.StoryCost, error) {
	costs := make([]models.StoryCost, 0)
	if err := pgxscan.Select(ctx, r.db, &costs, costsByOwnerQuery, ownerID); err != nil {
		return nil, fmt.Errorf("error aggregating costs of owner %s: %w", ownerID, err)
	}
	return costs, nil
}
