package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reel-server/internal/ledger"
	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const scriptCallKind = "script"

// FinalizeScript stores a client-supplied script as the finalized script.
// Only allowed while the story is in scripting.
func (s *PipelineService) FinalizeScript(ctx context.Context, storyID uuid.UUID, script models.Script) (*models.Story, error) {
	script.Characters = trimCharacters(script.Characters)
	script.Scenes = trimScenes(script.Scenes)
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	now := time.Now().UTC()
	script.FinalizedAt = &now

	var story *models.Story
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		var err error
		if story, err = repos.Stories().GetForUpdate(ctx, storyID); err != nil {
			return err
		}
		if story.Stage != models.StageScripting {
			return models.Precondition("script can only be finalized in %s, story is in %s", models.StageScripting, story.Stage)
		}
		if err := repos.Stories().UpdateScript(ctx, storyID, &script); err != nil {
			return err
		}
		story.Script = &script
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Script finalized",
		zap.String("story_id", storyID.String()),
		zap.Int("characters", len(script.Characters)),
		zap.Int("scenes", len(script.Scenes)),
	)
	s.listener.StoryChanged(ctx, storyID)
	return story, nil
}

// GenerateScript asks the text provider for a script draft built from the
// story's title and concept. The draft is stored unfinalized; usage is
// recorded whatever the outcome.
func (s *PipelineService) GenerateScript(ctx context.Context, storyID uuid.UUID) (*models.Script, error) {
	story, err := s.store.Stories().GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Stage != models.StageScripting {
		return nil, models.Precondition("script can only be generated in %s, story is in %s", models.StageScripting, story.Stage)
	}

	log := s.logger.With(zap.String("story_id", storyID.String()))
	log.Info("Generating script draft")

	res, genErr := s.generator.Generate(ctx, models.ArtifactScript, scriptRequest(story), 0)
	var draft *models.Script
	if genErr == nil {
		if draft, err = parseScript(res.Text); err != nil {
			genErr = provider.NewError(provider.ErrorRejected, "text provider returned an unusable script", err)
		}
	}

	entry := ledger.Entry{StoryID: storyID, ArtifactKind: models.ArtifactScript, CallKind: scriptCallKind, Outcome: models.UsageSuccess}
	usage := usageOf(res, genErr)
	if genErr != nil {
		entry.Outcome = models.UsageFailed
		msg := genErr.Error()
		entry.Error = &msg
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := s.ledger.Record(ctx, repos.Usage(), entry, usage); err != nil {
			return err
		}
		if genErr != nil {
			return nil
		}
		current, err := repos.Stories().GetForUpdate(ctx, storyID)
		if err != nil {
			return err
		}
		if current.Stage != models.StageScripting {
			return fmt.Errorf("%w: story left %s while the script was generated", models.ErrConflict, models.StageScripting)
		}
		return repos.Stories().UpdateScript(ctx, storyID, draft)
	})
	if err != nil {
		log.Error("Failed to store script draft", zap.Error(err))
		return nil, err
	}
	s.listener.StoryChanged(ctx, storyID)
	if genErr != nil {
		log.Warn("Script generation failed", zap.Error(genErr))
		return nil, genErr
	}
	log.Info("Script draft stored", zap.Int("characters", len(draft.Characters)), zap.Int("scenes", len(draft.Scenes)))
	return draft, nil
}

// parseScript decodes a JSON script, tolerating a fenced code block around it.
func parseScript(text string) (*models.Script, error) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}

	var script models.Script
	if err := json.Unmarshal([]byte(raw), &script); err != nil {
		return nil, fmt.Errorf("error decoding script JSON: %w", err)
	}
	script.Characters = trimCharacters(script.Characters)
	script.Scenes = trimScenes(script.Scenes)
	script.FinalizedAt = nil
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

func trimCharacters(in []models.ScriptCharacter) []models.ScriptCharacter {
	out := make([]models.ScriptCharacter, 0, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		c.Description = strings.TrimSpace(c.Description)
		if c.Name == "" && c.Description == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func trimScenes(in []models.ScriptScene) []models.ScriptScene {
	out := make([]models.ScriptScene, 0, len(in))
	for _, sc := range in {
		sc.Description = strings.TrimSpace(sc.Description)
		if sc.Description == "" {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// usageOf returns the billed usage of a generation, successful or not.
func usageOf(res *provider.Result, err error) []provider.Usage {
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			if len(perr.Usage) > 0 {
				return perr.Usage
			}
		}
		if res != nil {
			return res.Usage
		}
		return nil
	}
	if res == nil {
		return nil
	}
	return res.Usage
}
