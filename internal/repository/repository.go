package repository

import (
	"context"

	"reel-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// StoryRepository stores stories. Stage writes go only through CompareAndSetStage.
type StoryRepository interface {
	Create(ctx context.Context, story *models.Story) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	// GetForUpdate locks the story row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Story, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Story, error)
	UpdateScript(ctx context.Context, id uuid.UUID, script *models.Script) error
	// CompareAndSetStage moves the stage only if it still equals from.
	// Returns models.ErrConflict otherwise.
	CompareAndSetStage(ctx context.Context, id uuid.UUID, from, to models.Stage, status models.StoryStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// GenerationRepository owns the (status, attempt) pair of every generated artifact.
type GenerationRepository interface {
	// BeginAttempt bumps the attempt from expectedAttempt and marks the artifact
	// generating. Returns the new attempt or models.ErrConflict.
	BeginAttempt(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int) (int, error)
	// Override stores user media, marks the artifact overridden and bumps the attempt.
	Override(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int, mediaRef string) (int, error)
	// ApplyResult writes a provider result if attempt is still current.
	// Returns models.ErrConflict for a superseded attempt and models.ErrNotFound
	// when the artifact was deleted meanwhile.
	ApplyResult(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, attempt int, result models.GenerationResult) error
}

type CharacterRepository interface {
	Create(ctx context.Context, c *models.Character) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Character, error)
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error)
	// LockByStory returns the characters of a story with their rows locked.
	LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, name, description string) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error)
}

type FrameRepository interface {
	// Insert places the frame at f.SeqIndex, shifting later frames up by one.
	Insert(ctx context.Context, f *models.StoryboardFrame) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.StoryboardFrame, error)
	// ListByStory returns frames ordered by sequence index.
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error)
	LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error)
	// DeleteAndReindex removes the frame and shifts later frames down by one.
	// It returns the removed index.
	DeleteAndReindex(ctx context.Context, id uuid.UUID) (int, error)
	DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error)
}

type ClipRepository interface {
	// Create rejects clips whose frames are not adjacent frames of the same story.
	Create(ctx context.Context, c *models.Clip) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error)
	// ListByStory returns clips ordered by FromIndex.
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Clip, error)
	// DeleteByFrame removes every clip touching the frame.
	DeleteByFrame(ctx context.Context, frameID uuid.UUID) (int64, error)
	// ShiftFromIndex moves FromIndex of clips above index by delta.
	ShiftFromIndex(ctx context.Context, storyID uuid.UUID, above, delta int) error
	DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error)
}

type FinalVideoRepository interface {
	// Upsert replaces the story's final video.
	Upsert(ctx context.Context, v *models.FinalVideo) error
	GetByStory(ctx context.Context, storyID uuid.UUID) (*models.FinalVideo, error)
	DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error)
}

type UsageRepository interface {
	Append(ctx context.Context, rec *models.UsageRecord) error
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.UsageRecord, error)
	CostsByOwner(ctx context.Context, ownerID string) ([]models.StoryCost, error)
}

// ChatRepository stores the script conversation of a story.
type ChatRepository interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	// ListByStory returns messages oldest first.
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.ChatMessage, error)
}

// Repositories groups the repositories bound to one querier.
type Repositories interface {
	Stories() StoryRepository
	Generations() GenerationRepository
	Characters() CharacterRepository
	Frames() FrameRepository
	Clips() ClipRepository
	FinalVideos() FinalVideoRepository
	Usage() UsageRepository
	Chat() ChatRepository
}

// Store is the transactional record store of the pipeline.
type Store interface {
	Repositories
	// WithinTx runs fn against repositories bound to a single transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
