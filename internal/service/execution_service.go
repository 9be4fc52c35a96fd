package service

import (
	"context"
	"errors"
	"fmt"

	"reel-server/internal/assembly"
	"reel-server/internal/ledger"
	"reel-server/internal/messaging"
	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxAssemblyRuns bounds the runs of one assemble call whose clips keep changing.
const maxAssemblyRuns = 3

// ExecuteTask runs the provider call of one artifact attempt and applies its
// result. Results of superseded or deleted attempts are discarded, but their
// usage is still recorded. A provider failure is stored on the artifact and
// is not returned; only infrastructure errors are.
func (s *PipelineService) ExecuteTask(ctx context.Context, task messaging.GenerationTask) error {
	log := s.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("story_id", task.StoryID.String()),
		zap.String("kind", string(task.Kind)),
		zap.String("artifact_id", task.ArtifactID.String()),
		zap.Int("attempt", task.Attempt),
	)

	art, err := loadArtifact(ctx, s.store, task.Kind, task.ArtifactID)
	if err != nil {
		if isNotFound(err) {
			s.discard(ctx, log, task, nil, "artifact deleted before generation")
			return nil
		}
		return err
	}
	if art.StoryID != task.StoryID {
		return fmt.Errorf("%w: %s %s does not belong to story %s", models.ErrInvalidInput, task.Kind, task.ArtifactID, task.StoryID)
	}
	if art.Attempt != task.Attempt || art.Status != models.GenerationGenerating {
		s.discard(ctx, log, task, nil, "attempt superseded before generation")
		return nil
	}
	story, err := s.store.Stories().GetByID(ctx, task.StoryID)
	if err != nil {
		if isNotFound(err) {
			s.discard(ctx, log, task, nil, "story deleted before generation")
			return nil
		}
		return err
	}

	var (
		res    *provider.Result
		genErr error
	)
	req, err := s.buildRequest(ctx, s.store, story, art)
	switch {
	case err == nil:
		log.Debug("Calling provider")
		res, genErr = s.generator.Generate(ctx, task.Kind, req, 0)
	case isNotFound(err):
		s.discard(ctx, log, task, nil, "artifact inputs deleted before generation")
		return nil
	default:
		if _, ok := provider.AsError(err); !ok {
			return err
		}
		genErr = err
	}

	result := models.GenerationResult{Err: genErr}
	entry := ledger.Entry{
		StoryID:      task.StoryID,
		ArtifactKind: task.Kind,
		ArtifactID:   &task.ArtifactID,
		CallKind:     string(task.Kind),
		Outcome:      models.UsageSuccess,
	}
	if genErr != nil {
		entry.Outcome = models.UsageFailed
		msg := genErr.Error()
		entry.Error = &msg
	} else {
		result.MediaRef = &res.MediaRef
		if res.CallID != "" {
			result.ProviderCallID = &res.CallID
		}
	}

	superseded := false
	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, task.StoryID)
		if err != nil {
			return err
		}
		applyErr := repos.Generations().ApplyResult(ctx, task.Kind, task.ArtifactID, task.Attempt, result)
		switch {
		case applyErr == nil:
		case isSuperseded(applyErr):
			superseded = true
			entry.Outcome = models.UsageSuperseded
		default:
			return applyErr
		}
		if err := s.ledger.Record(ctx, repos.Usage(), entry, usageOf(res, genErr)); err != nil {
			return err
		}
		if superseded {
			return nil
		}
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		if isNotFound(err) {
			s.discard(ctx, log, task, res, "story deleted during generation")
			return nil
		}
		log.Error("Failed to apply generation result", zap.Error(err))
		return err
	}
	if superseded {
		s.discard(ctx, log, task, res, "attempt superseded during generation")
		s.listener.StoryChanged(ctx, task.StoryID)
		return nil
	}

	generationResultsTotal.WithLabelValues(string(task.Kind), string(entry.Outcome)).Inc()
	s.listener.StoryChanged(ctx, task.StoryID)
	if genErr != nil {
		log.Warn("Generation failed", zap.Error(genErr))
		return nil
	}
	log.Info("Generation result applied", zap.String("media_ref", res.MediaRef))

	if task.Kind == models.ArtifactClip {
		s.onClipResolved(ctx, task.StoryID)
	}
	return nil
}

// discard drops a result that no longer belongs to a live attempt.
func (s *PipelineService) discard(ctx context.Context, log *zap.Logger, task messaging.GenerationTask, res *provider.Result, reason string) {
	staleResultsTotal.WithLabelValues(string(task.Kind)).Inc()
	log.Info("Generation result discarded", zap.String("reason", reason))
	if res != nil && res.MediaRef != "" {
		s.removeMedia(ctx, task.StoryID, []string{res.MediaRef})
	}
}

// onClipResolved runs after a clip result is committed. The call that moves
// clips_generating to assembling assembles. In assembling, a resolved clip
// re-assembles only when there is no final video or the last one failed; an
// assembly in progress is left alone and re-plans itself if its clips changed.
func (s *PipelineService) onClipResolved(ctx context.Context, storyID uuid.UUID) {
	log := s.logger.With(zap.String("story_id", storyID.String()))

	ready := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if ready, err = s.assemblyReady(ctx, repos, story); err != nil || !ready {
			return err
		}
		if story.Stage == models.StageClipsGenerating {
			return advance(ctx, repos, story, models.StageAssembling, models.StoryStatusActive)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrConflict) {
			log.Error("Failed to evaluate clip gate", zap.Error(err))
		}
		return
	}
	if !ready {
		return
	}

	s.listener.StoryChanged(ctx, storyID)
	if _, err := s.assemble(ctx, storyID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			log.Info("Assembly skipped", zap.Error(err))
			return
		}
		log.Error("Assembly failed", zap.Error(err))
	}
}

// assemblyReady reports whether the story's clips can be assembled now:
// every clip is resolved and no final video is stored or being assembled.
func (s *PipelineService) assemblyReady(ctx context.Context, repos repository.Repositories, story *models.Story) (bool, error) {
	switch story.Stage {
	case models.StageClipsGenerating:
	case models.StageAssembling:
		video, err := repos.FinalVideos().GetByStory(ctx, story.ID)
		if err != nil && !isNotFound(err) {
			return false, err
		}
		if video != nil && video.Status != models.FinalVideoFailed {
			return false, nil
		}
	default:
		return false, nil
	}
	if _, err := s.assembler.Prepare(ctx, repos, story.ID); err != nil {
		if errors.Is(err, models.ErrPreconditionViolation) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Concatenate assembles the final video synchronously. It is valid in
// assembling, or in clips_generating once every clip is resolved.
func (s *PipelineService) Concatenate(ctx context.Context, storyID uuid.UUID) (*models.FinalVideo, error) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		switch story.Stage {
		case models.StageAssembling:
			return nil
		case models.StageClipsGenerating:
			if _, err := s.assembler.Prepare(ctx, repos, storyID); err != nil {
				return err
			}
			return advance(ctx, repos, story, models.StageAssembling, models.StoryStatusActive)
		default:
			return models.Precondition("final video can only be assembled in %s, story is in %s", models.StageAssembling, story.Stage)
		}
	})
	if err != nil {
		return nil, err
	}
	return s.assemble(ctx, storyID)
}

func (s *PipelineService) assemble(ctx context.Context, storyID uuid.UUID) (*models.FinalVideo, error) {
	inAssembling := func(ctx context.Context, repos repository.Repositories) (*models.Story, error) {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return nil, err
		}
		if story.Stage != models.StageAssembling {
			return nil, fmt.Errorf("%w: story is in %s, not %s", models.ErrConflict, story.Stage, models.StageAssembling)
		}
		return story, nil
	}
	hooks := assembly.Hooks{
		Guard: func(ctx context.Context, repos repository.Repositories) error {
			_, err := inAssembling(ctx, repos)
			return err
		},
		Complete: func(ctx context.Context, repos repository.Repositories) error {
			story, err := inAssembling(ctx, repos)
			if err != nil {
				return err
			}
			return advance(ctx, repos, story, models.StageCompleted, models.StoryStatusCompleted)
		},
	}
	log := s.logger.With(zap.String("story_id", storyID.String()))

	var (
		video *models.FinalVideo
		err   error
	)
	for run := 1; ; run++ {
		video, err = s.assembler.Assemble(ctx, s.store, storyID, hooks)
		if !errors.Is(err, assembly.ErrClipsChanged) || run == maxAssemblyRuns {
			break
		}
		// clip results committed mid-run skipped the gate
		ready := false
		gateErr := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
			story, err := repos.Stories().GetForUpdate(ctx, storyID)
			if err != nil {
				return err
			}
			ready, err = s.assemblyReady(ctx, repos, story)
			return err
		})
		if gateErr != nil || !ready {
			break
		}
		log.Info("Clips changed during assembly, assembling again", zap.Int("run", run+1))
	}

	if assembly.IsAssemblyError(err) || errors.Is(err, assembly.ErrClipsChanged) {
		txErr := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
			story, err := repos.Stories().GetForUpdate(ctx, storyID)
			if err != nil {
				return err
			}
			return syncHealth(ctx, repos, story)
		})
		if txErr != nil {
			log.Warn("Failed to update story health", zap.Error(txErr))
		}
	}
	s.listener.StoryChanged(ctx, storyID)
	if err == nil {
		log.Info("Story completed")
	}
	return video, err
}
