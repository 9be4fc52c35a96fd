package repository

import (
	"context"
	"errors"
	"fmt"

	"reel-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type pgGenerationRepository struct {
	db     DBTX
	logger *zap.Logger
}

// generationTable returns the table and media column of a generated artifact kind.
func generationTable(kind models.ArtifactKind) (table, mediaColumn string, err error) {
	switch kind {
	case models.ArtifactCharacter:
		return "characters", "image_ref", nil
	case models.ArtifactFrame:
		return "storyboard_frames", "image_ref", nil
	case models.ArtifactClip:
		return "clips", "video_ref", nil
	default:
		return "", "", fmt.Errorf("%w: artifact kind %s has no generation state", models.ErrInvalidInput, kind)
	}
}

func (r *pgGenerationRepository) BeginAttempt(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int) (int, error) {
	table, _, err := generationTable(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, attempt = attempt + 1, error_details = NULL, provider_call_id = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt = $2
		RETURNING attempt`, table)

	return r.casAttempt(ctx, kind, id, expectedAttempt, query, id, expectedAttempt, models.GenerationGenerating)
}

func (r *pgGenerationRepository) Override(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int, mediaRef string) (int, error) {
	table, mediaColumn, err := generationTable(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, %s = $4, attempt = attempt + 1, error_details = NULL, provider_call_id = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt = $2
		RETURNING attempt`, table, mediaColumn)

	return r.casAttempt(ctx, kind, id, expectedAttempt, query, id, expectedAttempt, models.GenerationOverridden, mediaRef)
}

func (r *pgGenerationRepository) casAttempt(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int, query string, args ...interface{}) (int, error) {
	var attempt int
	err := r.db.QueryRow(ctx, query, args...).Scan(&attempt)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("error updating %s %s: %w", kind, id, err)
	}
	if exists, existsErr := r.exists(ctx, kind, id); existsErr != nil {
		return 0, existsErr
	} else if !exists {
		return 0, models.ErrNotFound
	}
	r.logger.Warn("Attempt compare-and-set lost",
		zap.String("artifact_kind", string(kind)),
		zap.String("artifact_id", id.String()),
		zap.Int("expected_attempt", expectedAttempt),
	)
	return 0, fmt.Errorf("%w: %s %s changed concurrently", models.ErrConflict, kind, id)
}

func (r *pgGenerationRepository) ApplyResult(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, attempt int, result models.GenerationResult) error {
	table, mediaColumn, err := generationTable(kind)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if result.Err != nil {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = $3, error_details = $4, provider_call_id = $5, updated_at = NOW()
			WHERE id = $1 AND attempt = $2 AND status = 'generating'`, table)
		tag, err = r.db.Exec(ctx, query, id, attempt, models.GenerationFailed, result.Err.Error(), result.ProviderCallID)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = $3, %s = $4, error_details = NULL, provider_call_id = $5, updated_at = NOW()
			WHERE id = $1 AND attempt = $2 AND status = 'generating'`, table, mediaColumn)
		tag, err = r.db.Exec(ctx, query, id, attempt, models.GenerationReady, result.MediaRef, result.ProviderCallID)
	}
	if err != nil {
		return fmt.Errorf("error applying result to %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	exists, err := r.exists(ctx, kind, id)
	if err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	return fmt.Errorf("%w: attempt %d of %s %s is superseded", models.ErrConflict, attempt, kind, id)
}

func (r *pgGenerationRepository) exists(ctx context.Context, kind models.ArtifactKind, id uuid.UUID) (bool, error) {
	table, _, err := generationTable(kind)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("error checking %s %s: %w", kind, id, err)
	}
	return exists, nil
}
