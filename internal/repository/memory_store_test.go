package repository_test

import (
	"context"
	"errors"
	"testing"

	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoryWithFrames(t *testing.T, store *repository.MemoryStore, frames int) (*models.Story, []*models.StoryboardFrame) {
	t.Helper()
	ctx := context.Background()
	story := &models.Story{OwnerID: "user-1", Concept: "a fox", Stage: models.StageStoryboardPending, Status: models.StoryStatusActive}
	require.NoError(t, store.Stories().Create(ctx, story))
	for i := 0; i < frames; i++ {
		require.NoError(t, store.Frames().Insert(ctx, &models.StoryboardFrame{
			StoryID:     story.ID,
			SeqIndex:    i,
			Description: "frame",
			Generation:  models.Generation{Status: models.GenerationReady},
		}))
	}
	list, err := store.Frames().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	return story, list
}

func TestMemoryStore_FrameReindex(t *testing.T) {
	ctx := context.Background()

	t.Run("delete shifts later frames down and drops touching clips", func(t *testing.T) {
		store := repository.NewMemoryStore()
		story, frames := newStoryWithFrames(t, store, 4)

		var clipIDs []uuid.UUID
		for i := 0; i < 3; i++ {
			clip := &models.Clip{StoryID: story.ID, FrameFromID: frames[i].ID, FrameToID: frames[i+1].ID}
			require.NoError(t, store.Clips().Create(ctx, clip))
			clipIDs = append(clipIDs, clip.ID)
		}

		removed, err := store.Frames().DeleteAndReindex(ctx, frames[1].ID)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		remaining, err := store.Frames().ListByStory(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, remaining, 3)
		for i, f := range remaining {
			assert.Equal(t, i, f.SeqIndex)
		}
		assert.Equal(t, frames[2].ID, remaining[1].ID)

		clips, err := store.Clips().ListByStory(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, clips, 1)
		assert.Equal(t, clipIDs[2], clips[0].ID)
	})

	t.Run("insert shifts later frames up", func(t *testing.T) {
		store := repository.NewMemoryStore()
		story, frames := newStoryWithFrames(t, store, 2)

		inserted := &models.StoryboardFrame{StoryID: story.ID, SeqIndex: 1, Description: "middle"}
		require.NoError(t, store.Frames().Insert(ctx, inserted))

		list, err := store.Frames().ListByStory(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, frames[0].ID, list[0].ID)
		assert.Equal(t, inserted.ID, list[1].ID)
		assert.Equal(t, frames[1].ID, list[2].ID)
	})

	t.Run("insert past the end is rejected", func(t *testing.T) {
		store := repository.NewMemoryStore()
		story, _ := newStoryWithFrames(t, store, 2)

		err := store.Frames().Insert(ctx, &models.StoryboardFrame{StoryID: story.ID, SeqIndex: 5})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestMemoryStore_ClipAdjacency(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, frames := newStoryWithFrames(t, store, 3)

	err := store.Clips().Create(ctx, &models.Clip{StoryID: story.ID, FrameFromID: frames[0].ID, FrameToID: frames[2].ID})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	clip := &models.Clip{StoryID: story.ID, FrameFromID: frames[1].ID, FrameToID: frames[2].ID}
	require.NoError(t, store.Clips().Create(ctx, clip))
	assert.Equal(t, 1, clip.FromIndex)
}

func TestMemoryStore_GenerationCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story := &models.Story{OwnerID: "user-1", Concept: "c", Stage: models.StageCharactersPending}
	require.NoError(t, store.Stories().Create(ctx, story))
	character := &models.Character{StoryID: story.ID, Name: "Ava", Generation: models.Generation{Status: models.GenerationPending}}
	require.NoError(t, store.Characters().Create(ctx, character))

	first, err := store.Generations().BeginAttempt(ctx, models.ArtifactCharacter, character.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	_, err = store.Generations().BeginAttempt(ctx, models.ArtifactCharacter, character.ID, 0)
	assert.ErrorIs(t, err, models.ErrConflict, "stale expected attempt must lose")

	second, err := store.Generations().BeginAttempt(ctx, models.ArtifactCharacter, character.ID, first)
	require.NoError(t, err)

	ref := "characters/ava.png"
	err = store.Generations().ApplyResult(ctx, models.ArtifactCharacter, character.ID, first, models.GenerationResult{MediaRef: &ref})
	assert.ErrorIs(t, err, models.ErrConflict, "superseded attempt must be discarded")

	require.NoError(t, store.Generations().ApplyResult(ctx, models.ArtifactCharacter, character.ID, second, models.GenerationResult{MediaRef: &ref}))
	got, err := store.Characters().GetByID(ctx, character.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationReady, got.Status)
	require.NotNil(t, got.ImageRef)
	assert.Equal(t, ref, *got.ImageRef)

	require.NoError(t, store.Characters().Delete(ctx, character.ID))
	err = store.Generations().ApplyResult(ctx, models.ArtifactCharacter, character.ID, second, models.GenerationResult{MediaRef: &ref})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_StageCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story := &models.Story{OwnerID: "user-1", Concept: "c", Stage: models.StageScripting}
	require.NoError(t, store.Stories().Create(ctx, story))

	require.NoError(t, store.Stories().CompareAndSetStage(ctx, story.ID, models.StageScripting, models.StageCharactersPending, models.StoryStatusActive))
	err := store.Stories().CompareAndSetStage(ctx, story.ID, models.StageScripting, models.StageCharactersPending, models.StoryStatusActive)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestMemoryStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story := &models.Story{OwnerID: "user-1", Concept: "c", Stage: models.StageScripting}
	require.NoError(t, store.Stories().Create(ctx, story))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		require.NoError(t, repos.Characters().Create(ctx, &models.Character{StoryID: story.ID, Name: "Ava"}))
		require.NoError(t, repos.Stories().CompareAndSetStage(ctx, story.ID, models.StageScripting, models.StageCharactersPending, models.StoryStatusActive))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Stories().GetByID(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageScripting, got.Stage)

	characters, err := store.Characters().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, characters)
}

func TestMemoryStore_DeleteStoryCascades(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, _ := newStoryWithFrames(t, store, 2)
	require.NoError(t, store.Usage().Append(ctx, &models.UsageRecord{StoryID: story.ID, Provider: models.ProviderImage, CostMicros: 10}))
	require.NoError(t, store.Chat().Append(ctx, &models.ChatMessage{StoryID: story.ID, Role: models.ChatRoleUser, Content: "hi"}))

	require.NoError(t, store.Stories().Delete(ctx, story.ID))

	frames, err := store.Frames().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, frames)
	usage, err := store.Usage().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, usage)
	messages, err := store.Chat().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMemoryStore_ChatKeepsOrderPerStory(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := &models.Story{OwnerID: "u1", Concept: "a"}
	b := &models.Story{OwnerID: "u1", Concept: "b"}
	require.NoError(t, store.Stories().Create(ctx, a))
	require.NoError(t, store.Stories().Create(ctx, b))

	require.NoError(t, store.Chat().Append(ctx, &models.ChatMessage{StoryID: a.ID, Role: models.ChatRoleUser, Content: "one"}))
	require.NoError(t, store.Chat().Append(ctx, &models.ChatMessage{StoryID: b.ID, Role: models.ChatRoleUser, Content: "other"}))
	require.NoError(t, store.Chat().Append(ctx, &models.ChatMessage{StoryID: a.ID, Role: models.ChatRoleAssistant, Content: "two"}))

	err := store.Chat().Append(ctx, &models.ChatMessage{StoryID: uuid.New(), Role: models.ChatRoleUser, Content: "lost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	messages, err := store.Chat().ListByStory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[0].Content)
	assert.Equal(t, models.ChatRoleAssistant, messages[1].Role)
	assert.NotEqual(t, uuid.Nil, messages[1].ID)
}
