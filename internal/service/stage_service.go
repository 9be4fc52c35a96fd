package service

import (
	"context"
	"fmt"

	"reel-server/internal/messaging"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Start creates the characters named by the finalized script and dispatches
// their generation. Only allowed from scripting.
func (s *PipelineService) Start(ctx context.Context, storyID uuid.UUID) error {
	var refs []models.ArtifactRef
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageScripting {
			return models.Precondition("pipeline can only be started from %s, story is in %s", models.StageScripting, story.Stage)
		}
		if !story.HasFinalizedScript() {
			return models.Precondition("story has no finalized script")
		}

		for _, sc := range story.Script.Characters {
			c := &models.Character{
				StoryID:     storyID,
				Name:        sc.Name,
				Description: sc.Description,
				Generation:  models.Generation{Status: models.GenerationGenerating, Attempt: 1},
			}
			if err := repos.Characters().Create(ctx, c); err != nil {
				return err
			}
			refs = append(refs, models.ArtifactRef{Kind: models.ArtifactCharacter, ID: c.ID, Attempt: 1})
		}
		return advance(ctx, repos, story, models.StageCharactersPending, models.StoryStatusActive)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Pipeline started", zap.String("story_id", storyID.String()), zap.Int("characters", len(refs)))
	s.dispatchAll(ctx, storyID, refs)
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// ApproveCharacters closes the character gate, creates one frame per script
// scene and dispatches their generation.
func (s *PipelineService) ApproveCharacters(ctx context.Context, storyID uuid.UUID) error {
	var refs []models.ArtifactRef
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageCharactersPending {
			return models.Precondition("characters can only be approved in %s, story is in %s", models.StageCharactersPending, story.Stage)
		}
		characters, err := repos.Characters().LockByStory(ctx, storyID)
		if err != nil {
			return err
		}
		if len(characters) == 0 {
			return models.Precondition("story has no characters")
		}
		for _, c := range characters {
			if !c.Status.IsResolved() {
				return models.Precondition("character %s (%s) is %s", c.ID, c.Name, c.Status)
			}
		}
		if story.Script == nil || len(story.Script.Scenes) == 0 {
			return models.Precondition("script has no scenes")
		}

		if err := advance(ctx, repos, story, models.StageCharactersApproved, models.StoryStatusActive); err != nil {
			return err
		}
		for i, sc := range story.Script.Scenes {
			f := &models.StoryboardFrame{
				StoryID:     storyID,
				SeqIndex:    i,
				Description: sc.Description,
				Generation:  models.Generation{Status: models.GenerationGenerating, Attempt: 1},
			}
			if err := repos.Frames().Insert(ctx, f); err != nil {
				return err
			}
			refs = append(refs, models.ArtifactRef{Kind: models.ArtifactFrame, ID: f.ID, Attempt: 1})
		}
		return advance(ctx, repos, story, models.StageStoryboardPending, models.StoryStatusActive)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Characters approved", zap.String("story_id", storyID.String()), zap.Int("frames", len(refs)))
	s.dispatchAll(ctx, storyID, refs)
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// ApproveStoryboard closes the storyboard gate, derives one clip per adjacent
// frame pair and dispatches their generation.
func (s *PipelineService) ApproveStoryboard(ctx context.Context, storyID uuid.UUID) error {
	var refs []models.ArtifactRef
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageStoryboardPending {
			return models.Precondition("storyboard can only be approved in %s, story is in %s", models.StageStoryboardPending, story.Stage)
		}
		frames, err := repos.Frames().LockByStory(ctx, storyID)
		if err != nil {
			return err
		}
		if len(frames) < 2 {
			return models.Precondition("storyboard has %d frames, need at least 2", len(frames))
		}
		for _, f := range frames {
			if !f.Status.IsResolved() {
				return models.Precondition("frame %d (%s) is %s", f.SeqIndex, f.ID, f.Status)
			}
		}

		if err := advance(ctx, repos, story, models.StageStoryboardApproved, models.StoryStatusActive); err != nil {
			return err
		}
		for i := 0; i+1 < len(frames); i++ {
			c := &models.Clip{
				StoryID:     storyID,
				FrameFromID: frames[i].ID,
				FrameToID:   frames[i+1].ID,
				FromIndex:   frames[i].SeqIndex,
				Generation:  models.Generation{Status: models.GenerationGenerating, Attempt: 1},
			}
			if err := repos.Clips().Create(ctx, c); err != nil {
				return err
			}
			refs = append(refs, models.ArtifactRef{Kind: models.ArtifactClip, ID: c.ID, Attempt: 1})
		}
		return advance(ctx, repos, story, models.StageClipsGenerating, models.StoryStatusActive)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Storyboard approved", zap.String("story_id", storyID.String()), zap.Int("clips", len(refs)))
	s.dispatchAll(ctx, storyID, refs)
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// RevertToStage moves the story back to target's pending variant and deletes,
// in dependency order, every artifact created after it. Usage is kept.
// Results of calls still in flight for deleted artifacts are discarded.
func (s *PipelineService) RevertToStage(ctx context.Context, storyID uuid.UUID, target models.Stage) (*models.Story, error) {
	var (
		story *models.Story
		refs  []string
	)
	landing := target.PendingVariant()
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		var err error
		if story, err = repos.Stories().GetForUpdate(ctx, storyID); err != nil {
			return err
		}
		if !models.CanRevert(story.Stage, target) {
			return models.Precondition("cannot revert story from %s to %s", story.Stage, target)
		}
		if refs, err = collectMedia(ctx, repos, storyID, landing); err != nil {
			return err
		}

		if landing.Before(models.CreationStage(models.ArtifactFinalVideo)) {
			if _, err := repos.FinalVideos().DeleteByStory(ctx, storyID); err != nil {
				return err
			}
		}
		if landing.Before(models.CreationStage(models.ArtifactClip)) {
			if _, err := repos.Clips().DeleteByStory(ctx, storyID); err != nil {
				return err
			}
		}
		if landing.Before(models.CreationStage(models.ArtifactFrame)) {
			if _, err := repos.Frames().DeleteByStory(ctx, storyID); err != nil {
				return err
			}
		}
		if landing.Before(models.CreationStage(models.ArtifactCharacter)) {
			if _, err := repos.Characters().DeleteByStory(ctx, storyID); err != nil {
				return err
			}
		}

		reverted := *story
		reverted.Stage = landing
		status, err := storyHealth(ctx, repos, &reverted)
		if err != nil {
			return err
		}
		from := story.Stage
		if err := setStage(ctx, repos, story, landing, status); err != nil {
			return err
		}
		s.logger.Info("Story reverted",
			zap.String("story_id", storyID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(landing)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.removeMedia(ctx, storyID, refs)
	s.listener.StoryChanged(ctx, storyID)
	return story, nil
}

// dispatchAll hands every ref to the dispatcher. A ref that cannot be
// dispatched is marked failed so it can be regenerated.
func (s *PipelineService) dispatchAll(ctx context.Context, storyID uuid.UUID, refs []models.ArtifactRef) {
	for _, ref := range refs {
		task := messaging.NewGenerationTask(storyID, ref)
		if err := s.dispatcher.Dispatch(ctx, task); err != nil {
			s.logger.Error("Failed to dispatch generation task",
				zap.String("story_id", storyID.String()),
				zap.String("kind", string(ref.Kind)),
				zap.String("artifact_id", ref.ID.String()),
				zap.Error(err),
			)
			s.markFailed(ctx, storyID, ref, fmt.Errorf("dispatch failed: %w", err))
		}
	}
}

func (s *PipelineService) markFailed(ctx context.Context, storyID uuid.UUID, ref models.ArtifactRef, cause error) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Generations().ApplyResult(ctx, ref.Kind, ref.ID, ref.Attempt, models.GenerationResult{Err: cause}); err != nil {
			return err
		}
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		s.logger.Warn("Could not mark artifact failed",
			zap.String("artifact_id", ref.ID.String()),
			zap.Error(err),
		)
	}
}
