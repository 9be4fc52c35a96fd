package service

import (
	"context"
	"fmt"
	"strings"

	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"
)

const scriptSystemPrompt = `You write scripts for vertical short videos of 30 to 90 seconds.
Answer with a single JSON object and nothing else:
{"text": "<the full script>",
 "characters": [{"name": "<name>", "description": "<visual appearance>"}],
 "scenes": [{"description": "<one visual beat, one shot>"}]}
Describe characters by what a camera sees. Write between 4 and 10 scenes in order.`

const chatSystemPrompt = `You help a writer develop the script of a vertical short video of 30 to 90 seconds.
Answer the writer in a few sentences, then give the complete current draft as one JSON object:
{"text": "<the full script>",
 "characters": [{"name": "<name>", "description": "<visual appearance>"}],
 "scenes": [{"description": "<one visual beat, one shot>"}]}
Describe characters by what a camera sees. Keep between 4 and 10 scenes in order.`

const (
	characterSystemPrompt = "Full-body character portrait on a neutral background, consistent design sheet, vertical 9:16."
	frameSystemPrompt     = "Storyboard still for a vertical 9:16 short video. Keep every character consistent with the reference portraits."
	clipSystemPrompt      = "Animate a short vertical 9:16 shot that starts at the first reference frame and ends at the second."
)

func scriptRequest(story *models.Story) provider.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", story.Title)
	if story.Concept != "" {
		fmt.Fprintf(&b, "Concept: %s\n", story.Concept)
	}
	return provider.Request{
		StoryID:      story.ID,
		SystemPrompt: scriptSystemPrompt,
		Prompt:       b.String(),
		JSONOutput:   true,
	}
}

// chatRequest sends the conversation so far with message as the newest turn.
func chatRequest(story *models.Story, history []*models.ChatMessage, message string) provider.Request {
	var b strings.Builder
	b.WriteString(chatSystemPrompt)
	fmt.Fprintf(&b, "\n\nTitle: %s\n", story.Title)
	if story.Concept != "" {
		fmt.Fprintf(&b, "Concept: %s\n", story.Concept)
	}
	turns := make([]provider.Message, 0, len(history))
	for _, m := range history {
		turns = append(turns, provider.Message{Role: m.Role, Content: m.Content})
	}
	return provider.Request{
		StoryID:      story.ID,
		SystemPrompt: b.String(),
		History:      turns,
		Prompt:       message,
	}
}

// buildRequest loads what the artifact's prompt needs and builds the request
// for one attempt.
func (s *PipelineService) buildRequest(ctx context.Context, repos repository.Repositories, story *models.Story, art *artifact) (provider.Request, error) {
	req := provider.Request{StoryID: story.ID, ArtifactID: art.ID, Attempt: art.Attempt}

	switch art.Kind {
	case models.ArtifactCharacter:
		c, err := repos.Characters().GetByID(ctx, art.ID)
		if err != nil {
			return req, err
		}
		req.SystemPrompt = characterSystemPrompt
		req.Prompt = fmt.Sprintf("Character: %s.\nAppearance: %s\nStory: %s", c.Name, c.Description, story.Title)

	case models.ArtifactFrame:
		f, err := repos.Frames().GetByID(ctx, art.ID)
		if err != nil {
			return req, err
		}
		characters, err := repos.Characters().ListByStory(ctx, story.ID)
		if err != nil {
			return req, err
		}
		var cast []string
		for _, c := range characters {
			cast = append(cast, fmt.Sprintf("%s (%s)", c.Name, c.Description))
			if c.Status.IsResolved() && c.ImageRef != nil {
				req.ReferenceURLs = append(req.ReferenceURLs, s.storage.URL(*c.ImageRef))
			}
		}
		req.SystemPrompt = frameSystemPrompt
		req.Prompt = fmt.Sprintf("Scene %d: %s\nCharacters: %s", f.SeqIndex+1, f.Description, strings.Join(cast, "; "))

	case models.ArtifactClip:
		c, err := repos.Clips().GetByID(ctx, art.ID)
		if err != nil {
			return req, err
		}
		from, err := repos.Frames().GetByID(ctx, c.FrameFromID)
		if err != nil {
			return req, err
		}
		to, err := repos.Frames().GetByID(ctx, c.FrameToID)
		if err != nil {
			return req, err
		}
		if from.ImageRef == nil || to.ImageRef == nil {
			return req, provider.NewError(provider.ErrorRejected, "clip frames have no images", nil)
		}
		req.ReferenceURLs = []string{s.storage.URL(*from.ImageRef), s.storage.URL(*to.ImageRef)}
		req.SystemPrompt = clipSystemPrompt
		req.Prompt = fmt.Sprintf("From: %s\nTo: %s", from.Description, to.Description)

	default:
		return req, fmt.Errorf("%w: %s is not generated per artifact", models.ErrInvalidInput, art.Kind)
	}
	return req, nil
}
