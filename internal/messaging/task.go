package messaging

import (
	"context"
	"time"

	"reel-server/internal/models"

	"github.com/google/uuid"
)

// GenerationTask asks a worker to run one provider call for one artifact attempt.
type GenerationTask struct {
	TaskID     string              `json:"task_id"`
	StoryID    uuid.UUID           `json:"story_id"`
	Kind       models.ArtifactKind `json:"kind"`
	ArtifactID uuid.UUID           `json:"artifact_id"`
	Attempt    int                 `json:"attempt"`
	CreatedAt  time.Time           `json:"created_at"`
}

// NewGenerationTask builds a task for ref.
func NewGenerationTask(storyID uuid.UUID, ref models.ArtifactRef) GenerationTask {
	return GenerationTask{
		TaskID:     uuid.NewString(),
		StoryID:    storyID,
		Kind:       ref.Kind,
		ArtifactID: ref.ID,
		Attempt:    ref.Attempt,
		CreatedAt:  time.Now().UTC(),
	}
}

// TaskHandler executes a generation task.
type TaskHandler func(ctx context.Context, task GenerationTask) error

// Dispatcher hands generation tasks to workers. Dispatch must not block on
// the provider call itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, task GenerationTask) error
}
