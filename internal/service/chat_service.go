package service

import (
	"context"
	"fmt"
	"strings"

	"reel-server/internal/ledger"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const chatCallKind = "chat"

// ChatHistory returns the script conversation of a story, oldest first.
func (s *PipelineService) ChatHistory(ctx context.Context, storyID uuid.UUID) ([]*models.ChatMessage, error) {
	if _, err := s.store.Stories().GetByID(ctx, storyID); err != nil {
		return nil, err
	}
	return s.store.Chat().ListByStory(ctx, storyID)
}

// Chat sends message with the story's conversation to the text provider and
// stores both turns. A reply that carries a usable script replaces the
// unfinalized draft. Usage is recorded whatever the outcome; a failed call
// leaves the conversation unchanged.
func (s *PipelineService) Chat(ctx context.Context, storyID uuid.UUID, message string) (*models.ChatTurn, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is empty", models.ErrInvalidInput)
	}
	story, err := s.store.Stories().GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Stage != models.StageScripting {
		return nil, models.Precondition("chat is only open in %s, story is in %s", models.StageScripting, story.Stage)
	}
	history, err := s.store.Chat().ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("story_id", storyID.String()), zap.Int("turn", len(history)/2+1))
	res, genErr := s.generator.Generate(ctx, models.ArtifactScript, chatRequest(story, history, message), 0)

	entry := ledger.Entry{StoryID: storyID, ArtifactKind: models.ArtifactScript, CallKind: chatCallKind, Outcome: models.UsageSuccess}
	if genErr != nil {
		entry.Outcome = models.UsageFailed
		msg := genErr.Error()
		entry.Error = &msg
	}

	turn := &models.ChatTurn{
		Message: &models.ChatMessage{StoryID: storyID, Role: models.ChatRoleUser, Content: message},
	}
	if genErr == nil {
		turn.Reply = &models.ChatMessage{StoryID: storyID, Role: models.ChatRoleAssistant, Content: strings.TrimSpace(res.Text)}
		if draft, err := parseScript(res.Text); err == nil {
			turn.Draft = draft
		} else {
			log.Debug("Chat reply carries no script draft", zap.Error(err))
		}
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := s.ledger.Record(ctx, repos.Usage(), entry, usageOf(res, genErr)); err != nil {
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
			return fmt.Errorf("%w: story left %s during the chat turn", models.ErrConflict, models.StageScripting)
		}
		if err := repos.Chat().Append(ctx, turn.Message); err != nil {
			return err
		}
		if err := repos.Chat().Append(ctx, turn.Reply); err != nil {
			return err
		}
		if turn.Draft == nil {
			return nil
		}
		return repos.Stories().UpdateScript(ctx, storyID, turn.Draft)
	})
	if err != nil {
		log.Error("Failed to store chat turn", zap.Error(err))
		return nil, err
	}
	s.listener.StoryChanged(ctx, storyID)
	if genErr != nil {
		log.Warn("Chat turn failed", zap.Error(genErr))
		return nil, genErr
	}
	log.Info("Chat turn stored", zap.Bool("draft", turn.Draft != nil))
	return turn, nil
}

// FinalizeChat finalizes the latest script draft found in the assistant's
// replies.
func (s *PipelineService) FinalizeChat(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	history, err := s.ChatHistory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != models.ChatRoleAssistant {
			continue
		}
		draft, err := parseScript(history[i].Content)
		if err != nil {
			continue
		}
		return s.FinalizeScript(ctx, storyID, *draft)
	}
	return nil, models.Precondition("chat of story %s has no script draft to finalize", storyID)
}
