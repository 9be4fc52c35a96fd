package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"reel-server/internal/media"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// artifact is the generation state of a character, frame or clip.
type artifact struct {
	Kind    models.ArtifactKind
	ID      uuid.UUID
	StoryID uuid.UUID
	models.Generation
	MediaRef *string
}

func (a *artifact) ref() models.ArtifactRef {
	return models.ArtifactRef{Kind: a.Kind, ID: a.ID, Attempt: a.Attempt}
}

func loadArtifact(ctx context.Context, repos repository.Repositories, kind models.ArtifactKind, id uuid.UUID) (*artifact, error) {
	switch kind {
	case models.ArtifactCharacter:
		c, err := repos.Characters().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &artifact{Kind: kind, ID: c.ID, StoryID: c.StoryID, Generation: c.Generation, MediaRef: c.ImageRef}, nil
	case models.ArtifactFrame:
		f, err := repos.Frames().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &artifact{Kind: kind, ID: f.ID, StoryID: f.StoryID, Generation: f.Generation, MediaRef: f.ImageRef}, nil
	case models.ArtifactClip:
		c, err := repos.Clips().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &artifact{Kind: kind, ID: c.ID, StoryID: c.StoryID, Generation: c.Generation, MediaRef: c.VideoRef}, nil
	default:
		return nil, fmt.Errorf("%w: unknown artifact kind '%s'", models.ErrInvalidInput, kind)
	}
}

// loadOwnedArtifact loads the artifact and checks that it belongs to story
// and that the story is in a stage where the artifact may change.
func loadOwnedArtifact(ctx context.Context, repos repository.Repositories, story *models.Story, kind models.ArtifactKind, id uuid.UUID) (*artifact, error) {
	art, err := loadArtifact(ctx, repos, kind, id)
	if err != nil {
		return nil, err
	}
	if art.StoryID != story.ID {
		return nil, fmt.Errorf("%s %s of story %s: %w", kind, id, story.ID, models.ErrNotFound)
	}
	if story.Stage.IsTerminal() {
		return nil, models.Precondition("story is %s, revert it before changing a %s", story.Stage, kind)
	}
	if story.Stage.Before(models.CreationStage(kind)) {
		return nil, models.Precondition("%s cannot change before %s, story is in %s", kind, models.CreationStage(kind), story.Stage)
	}
	return art, nil
}

// Regenerate starts a new attempt of the artifact and dispatches it. Any
// call still running for the previous attempt is superseded. The story stage
// is unchanged.
func (s *PipelineService) Regenerate(ctx context.Context, storyID uuid.UUID, kind models.ArtifactKind, artifactID uuid.UUID) (models.ArtifactRef, error) {
	var ref models.ArtifactRef
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		art, err := loadOwnedArtifact(ctx, repos, story, kind, artifactID)
		if err != nil {
			return err
		}
		attempt, err := repos.Generations().BeginAttempt(ctx, kind, artifactID, art.Attempt)
		if err != nil {
			return err
		}
		art.Attempt = attempt
		ref = art.ref()
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		return models.ArtifactRef{}, err
	}

	s.logger.Info("Artifact regeneration requested",
		zap.String("story_id", storyID.String()),
		zap.String("kind", string(kind)),
		zap.String("artifact_id", artifactID.String()),
		zap.Int("attempt", ref.Attempt),
	)
	s.dispatchAll(ctx, storyID, []models.ArtifactRef{ref})
	s.listener.StoryChanged(ctx, storyID)
	return ref, nil
}

// Upload stores user media as the artifact's result and marks it overridden.
// It bumps the attempt, superseding any call in flight.
func (s *PipelineService) Upload(ctx context.Context, storyID uuid.UUID, kind models.ArtifactKind, artifactID uuid.UUID, data []byte, contentType string) (models.ArtifactRef, error) {
	if len(data) == 0 {
		return models.ArtifactRef{}, fmt.Errorf("%w: uploaded file is empty", models.ErrInvalidInput)
	}
	if err := checkMediaType(kind, contentType); err != nil {
		return models.ArtifactRef{}, err
	}

	story, err := s.store.Stories().GetByID(ctx, storyID)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	art, err := loadOwnedArtifact(ctx, s.store, story, kind, artifactID)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	key := media.ObjectKey(storyID, string(kind), artifactID, art.Attempt+1, contentType)
	mediaRef, err := s.storage.Put(ctx, key, data, contentType)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("error storing uploaded media: %w", err)
	}

	var ref models.ArtifactRef
	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		current, err := loadOwnedArtifact(ctx, repos, story, kind, artifactID)
		if err != nil {
			return err
		}
		if current.Attempt != art.Attempt {
			return fmt.Errorf("%w: %s %s changed during upload", models.ErrConflict, kind, artifactID)
		}
		attempt, err := repos.Generations().Override(ctx, kind, artifactID, art.Attempt, mediaRef)
		if err != nil {
			return err
		}
		current.Attempt = attempt
		ref = current.ref()
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		s.removeMedia(ctx, storyID, []string{mediaRef})
		return models.ArtifactRef{}, err
	}

	s.logger.Info("Artifact overridden by upload",
		zap.String("story_id", storyID.String()),
		zap.String("kind", string(kind)),
		zap.String("artifact_id", artifactID.String()),
		zap.Int("attempt", ref.Attempt),
	)
	s.listener.StoryChanged(ctx, storyID)
	if kind == models.ArtifactClip {
		s.onClipResolved(ctx, storyID)
	}
	return ref, nil
}

func checkMediaType(kind models.ArtifactKind, contentType string) error {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: invalid content type '%s'", models.ErrInvalidInput, contentType)
	}
	want := "image/"
	if models.ProviderFor(kind) == models.ProviderVideo {
		want = "video/"
	}
	if !strings.HasPrefix(ct, want) {
		return fmt.Errorf("%w: %s expects %s* media, got %s", models.ErrInvalidInput, kind, want, ct)
	}
	return nil
}

// CreateCharacter adds a character by hand and dispatches its portrait.
// Only allowed while characters are pending.
func (s *PipelineService) CreateCharacter(ctx context.Context, storyID uuid.UUID, name, description string) (*models.Character, error) {
	name, description = strings.TrimSpace(name), strings.TrimSpace(description)
	if name == "" {
		return nil, fmt.Errorf("%w: character name is required", models.ErrInvalidInput)
	}

	c := &models.Character{
		StoryID:     storyID,
		Name:        name,
		Description: description,
		Generation:  models.Generation{Status: models.GenerationGenerating, Attempt: 1},
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageCharactersPending {
			return models.Precondition("characters can only be added in %s, story is in %s", models.StageCharactersPending, story.Stage)
		}
		return repos.Characters().Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.dispatchAll(ctx, storyID, []models.ArtifactRef{{Kind: models.ArtifactCharacter, ID: c.ID, Attempt: 1}})
	s.listener.StoryChanged(ctx, storyID)
	return c, nil
}

// UpdateCharacter changes a character's name and description. The portrait
// is kept until it is regenerated.
func (s *PipelineService) UpdateCharacter(ctx context.Context, storyID, characterID uuid.UUID, name, description string) (*models.Character, error) {
	name, description = strings.TrimSpace(name), strings.TrimSpace(description)
	if name == "" {
		return nil, fmt.Errorf("%w: character name is required", models.ErrInvalidInput)
	}

	var updated *models.Character
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageCharactersPending {
			return models.Precondition("characters can only be edited in %s, story is in %s", models.StageCharactersPending, story.Stage)
		}
		c, err := repos.Characters().GetByID(ctx, characterID)
		if err != nil {
			return err
		}
		if c.StoryID != storyID {
			return fmt.Errorf("character %s of story %s: %w", characterID, storyID, models.ErrNotFound)
		}
		if err := repos.Characters().UpdateDetails(ctx, characterID, name, description); err != nil {
			return err
		}
		updated, err = repos.Characters().GetByID(ctx, characterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.listener.StoryChanged(ctx, storyID)
	return updated, nil
}

// DeleteCharacter removes a character before the character gate is approved.
func (s *PipelineService) DeleteCharacter(ctx context.Context, storyID, characterID uuid.UUID) error {
	var mediaRef *string
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageCharactersPending {
			return models.Precondition("characters can only be deleted in %s, story is in %s", models.StageCharactersPending, story.Stage)
		}
		c, err := repos.Characters().GetByID(ctx, characterID)
		if err != nil {
			return err
		}
		if c.StoryID != storyID {
			return fmt.Errorf("character %s of story %s: %w", characterID, storyID, models.ErrNotFound)
		}
		mediaRef = c.ImageRef
		if err := repos.Characters().Delete(ctx, characterID); err != nil {
			return err
		}
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		return err
	}
	if mediaRef != nil {
		s.removeMedia(ctx, storyID, []string{*mediaRef})
	}
	s.logger.Info("Character deleted", zap.String("story_id", storyID.String()), zap.String("character_id", characterID.String()))
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// InsertFrame places a new frame at index, shifting later frames up, and
// dispatches its generation. A negative index appends.
func (s *PipelineService) InsertFrame(ctx context.Context, storyID uuid.UUID, index int, description string) (*models.StoryboardFrame, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: frame description is required", models.ErrInvalidInput)
	}

	f := &models.StoryboardFrame{
		StoryID:     storyID,
		Description: description,
		Generation:  models.Generation{Status: models.GenerationGenerating, Attempt: 1},
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageStoryboardPending {
			return models.Precondition("frames can only be added in %s, story is in %s", models.StageStoryboardPending, story.Stage)
		}
		frames, err := repos.Frames().LockByStory(ctx, storyID)
		if err != nil {
			return err
		}
		f.SeqIndex = index
		if index < 0 {
			f.SeqIndex = len(frames)
		}
		if f.SeqIndex > len(frames) {
			return fmt.Errorf("%w: frame index %d out of range [0, %d]", models.ErrInvalidInput, index, len(frames))
		}
		return repos.Frames().Insert(ctx, f)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Frame inserted", zap.String("story_id", storyID.String()), zap.Int("seq_index", f.SeqIndex))
	s.dispatchAll(ctx, storyID, []models.ArtifactRef{{Kind: models.ArtifactFrame, ID: f.ID, Attempt: 1}})
	s.listener.StoryChanged(ctx, storyID)
	return f, nil
}

// DeleteFrame removes a frame before the storyboard gate is approved. Later
// frames move down by one and clips touching the frame are removed.
func (s *PipelineService) DeleteFrame(ctx context.Context, storyID, frameID uuid.UUID) error {
	var mediaRef *string
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		story, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if story.Stage != models.StageStoryboardPending {
			return models.Precondition("frames can only be deleted in %s, story is in %s", models.StageStoryboardPending, story.Stage)
		}
		f, err := repos.Frames().GetByID(ctx, frameID)
		if err != nil {
			return err
		}
		if f.StoryID != storyID {
			return fmt.Errorf("frame %s of story %s: %w", frameID, storyID, models.ErrNotFound)
		}
		mediaRef = f.ImageRef
		if _, err := repos.Clips().DeleteByFrame(ctx, frameID); err != nil {
			return err
		}
		removed, err := repos.Frames().DeleteAndReindex(ctx, frameID)
		if err != nil {
			return err
		}
		if err := repos.Clips().ShiftFromIndex(ctx, storyID, removed, -1); err != nil {
			return err
		}
		return syncHealth(ctx, repos, story)
	})
	if err != nil {
		return err
	}
	if mediaRef != nil {
		s.removeMedia(ctx, storyID, []string{*mediaRef})
	}
	s.logger.Info("Frame deleted", zap.String("story_id", storyID.String()), zap.String("frame_id", frameID.String()))
	s.listener.StoryChanged(ctx, storyID)
	return nil
}

// isSuperseded reports whether err means the result's attempt no longer counts.
func isSuperseded(err error) bool {
	return errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound)
}
