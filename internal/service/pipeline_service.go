package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reel-server/internal/assembly"
	"reel-server/internal/ledger"
	"reel-server/internal/media"
	"reel-server/internal/messaging"
	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Generator runs one provider call for an artifact kind.
type Generator interface {
	Generate(ctx context.Context, kind models.ArtifactKind, req provider.Request, timeout time.Duration) (*provider.Result, error)
}

// ChangeListener is told about every committed change of a story.
type ChangeListener interface {
	StoryChanged(ctx context.Context, storyID uuid.UUID)
}

type noopListener struct{}

func (noopListener) StoryChanged(context.Context, uuid.UUID) {}

// PipelineService drives a story through the generation pipeline. Stage
// changes are compare-and-set writes on the story row; artifact results are
// compare-and-set writes on (status, attempt).
type PipelineService struct {
	store      repository.Store
	generator  Generator
	dispatcher messaging.Dispatcher
	ledger     *ledger.Ledger
	assembler  *assembly.Engine
	storage    media.Storage
	listener   ChangeListener
	logger     *zap.Logger
}

func NewPipelineService(
	store repository.Store,
	generator Generator,
	dispatcher messaging.Dispatcher,
	ledger *ledger.Ledger,
	assembler *assembly.Engine,
	storage media.Storage,
	logger *zap.Logger,
) *PipelineService {
	return &PipelineService{
		store:      store,
		generator:  generator,
		dispatcher: dispatcher,
		ledger:     ledger,
		assembler:  assembler,
		storage:    storage,
		listener:   noopListener{},
		logger:     logger.Named("PipelineService"),
	}
}

// SetChangeListener registers the listener notified after each committed change.
func (s *PipelineService) SetChangeListener(l ChangeListener) {
	if l == nil {
		l = noopListener{}
	}
	s.listener = l
}

// CreateStory creates a story in the scripting stage.
func (s *PipelineService) CreateStory(ctx context.Context, ownerID, title, concept string) (*models.Story, error) {
	title = strings.TrimSpace(title)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalidInput)
	}
	story := &models.Story{
		OwnerID: ownerID,
		Title:   title,
		Concept: strings.TrimSpace(concept),
		Stage:   models.StageScripting,
		Status:  models.StoryStatusPending,
	}
	if err := s.store.Stories().Create(ctx, story); err != nil {
		return nil, err
	}
	s.logger.Info("Story created", zap.String("story_id", story.ID.String()), zap.String("owner_id", ownerID))
	return story, nil
}

func (s *PipelineService) GetStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	return s.store.Stories().GetByID(ctx, storyID)
}

func (s *PipelineService) ListStories(ctx context.Context, ownerID string) ([]*models.Story, error) {
	return s.store.Stories().ListByOwner(ctx, ownerID)
}

// Authorize returns the story if it belongs to ownerID. A story of another
// owner is reported as not found.
func (s *PipelineService) Authorize(ctx context.Context, ownerID string, storyID uuid.UUID) (*models.Story, error) {
	story, err := s.store.Stories().GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.OwnerID != ownerID {
		return nil, fmt.Errorf("story %s: %w", storyID, models.ErrNotFound)
	}
	return story, nil
}

// DeleteStory removes the story with every artifact and usage record, then
// removes the media the artifacts referenced.
func (s *PipelineService) DeleteStory(ctx context.Context, storyID uuid.UUID) error {
	var refs []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if _, err := repos.Stories().GetForUpdate(ctx, storyID); err != nil {
			return err
		}
		var err error
		if refs, err = collectMedia(ctx, repos, storyID, models.StageScripting); err != nil {
			return err
		}
		return repos.Stories().Delete(ctx, storyID)
	})
	if err != nil {
		return err
	}
	s.removeMedia(ctx, storyID, refs)
	s.logger.Info("Story deleted", zap.String("story_id", storyID.String()))
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// UsageSummary aggregates the usage records of a story.
func (s *PipelineService) UsageSummary(ctx context.Context, storyID uuid.UUID) (*models.UsageSummary, error) {
	return s.ledger.Summary(ctx, s.store.Usage(), storyID)
}

// CostsByOwner returns per-story cost totals of an owner.
func (s *PipelineService) CostsByOwner(ctx context.Context, ownerID string) ([]models.StoryCost, error) {
	return s.ledger.CostsByOwner(ctx, s.store.Usage(), ownerID)
}

// setStage moves the story from story.Stage to "to" and keeps story in sync.
func setStage(ctx context.Context, repos repository.Repositories, story *models.Story, to models.Stage, status models.StoryStatus) error {
	from := story.Stage
	if err := repos.Stories().CompareAndSetStage(ctx, story.ID, from, to, status); err != nil {
		return err
	}
	if from != to {
		stageTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	story.Stage, story.Status = to, status
	return nil
}

// advance is setStage restricted to the forward transition table.
func advance(ctx context.Context, repos repository.Repositories, story *models.Story, to models.Stage, status models.StoryStatus) error {
	if !models.CanTransition(story.Stage, to) {
		return models.Precondition("cannot move story from %s to %s", story.Stage, to)
	}
	return setStage(ctx, repos, story, to, status)
}

// syncHealth recomputes the coarse story status from its artifacts.
func syncHealth(ctx context.Context, repos repository.Repositories, story *models.Story) error {
	status, err := storyHealth(ctx, repos, story)
	if err != nil {
		return err
	}
	if status == story.Status {
		return nil
	}
	return setStage(ctx, repos, story, story.Stage, status)
}

func storyHealth(ctx context.Context, repos repository.Repositories, story *models.Story) (models.StoryStatus, error) {
	switch story.Stage {
	case models.StageScripting:
		return models.StoryStatusPending, nil
	case models.StageCompleted:
		return models.StoryStatusCompleted, nil
	case models.StageFailed:
		return models.StoryStatusFailed, nil
	}

	characters, err := repos.Characters().ListByStory(ctx, story.ID)
	if err != nil {
		return "", err
	}
	for _, c := range characters {
		if c.Status == models.GenerationFailed {
			return models.StoryStatusFailed, nil
		}
	}
	frames, err := repos.Frames().ListByStory(ctx, story.ID)
	if err != nil {
		return "", err
	}
	for _, f := range frames {
		if f.Status == models.GenerationFailed {
			return models.StoryStatusFailed, nil
		}
	}
	clips, err := repos.Clips().ListByStory(ctx, story.ID)
	if err != nil {
		return "", err
	}
	for _, c := range clips {
		if c.Status == models.GenerationFailed {
			return models.StoryStatusFailed, nil
		}
	}
	if story.Stage == models.StageAssembling {
		video, err := repos.FinalVideos().GetByStory(ctx, story.ID)
		if err != nil && !isNotFound(err) {
			return "", err
		}
		if video != nil && video.Status == models.FinalVideoFailed {
			return models.StoryStatusFailed, nil
		}
	}
	return models.StoryStatusActive, nil
}

// collectMedia returns the media references of every artifact created after
// the landing stage.
func collectMedia(ctx context.Context, repos repository.Repositories, storyID uuid.UUID, landing models.Stage) ([]string, error) {
	var refs []string
	add := func(ref *string) {
		if ref != nil && *ref != "" {
			refs = append(refs, *ref)
		}
	}
	if landing.Before(models.CreationStage(models.ArtifactFinalVideo)) {
		video, err := repos.FinalVideos().GetByStory(ctx, storyID)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if video != nil {
			add(video.VideoRef)
		}
	}
	if landing.Before(models.CreationStage(models.ArtifactClip)) {
		clips, err := repos.Clips().ListByStory(ctx, storyID)
		if err != nil {
			return nil, err
		}
		for _, c := range clips {
			add(c.VideoRef)
		}
	}
	if landing.Before(models.CreationStage(models.ArtifactFrame)) {
		frames, err := repos.Frames().ListByStory(ctx, storyID)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			add(f.ImageRef)
		}
	}
	if landing.Before(models.CreationStage(models.ArtifactCharacter)) {
		characters, err := repos.Characters().ListByStory(ctx, storyID)
		if err != nil {
			return nil, err
		}
		for _, c := range characters {
			add(c.ImageRef)
		}
	}
	return refs, nil
}

func (s *PipelineService) removeMedia(ctx context.Context, storyID uuid.UUID, refs []string) {
	if len(refs) == 0 || s.storage == nil {
		return
	}
	if err := s.storage.Delete(ctx, refs...); err != nil {
		s.logger.Warn("Failed to remove media",
			zap.String("story_id", storyID.String()),
			zap.Int("refs", len(refs)),
			zap.Error(err),
		)
	}
}
