package assembly_test

import (
	"context"
	"errors"
	"testing"

	"reel-server/internal/assembly"
	"reel-server/internal/mocks"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedAssembling(t *testing.T, store *repository.MemoryStore, frames int, clipStatus func(i int) models.GenerationStatus) (*models.Story, []*models.Clip) {
	t.Helper()
	ctx := context.Background()
	story := &models.Story{OwnerID: "u1", Concept: "c", Stage: models.StageAssembling, Status: models.StoryStatusActive}
	require.NoError(t, store.Stories().Create(ctx, story))
	for i := 0; i < frames; i++ {
		require.NoError(t, store.Frames().Insert(ctx, &models.StoryboardFrame{StoryID: story.ID, SeqIndex: i,
			Generation: models.Generation{Status: models.GenerationReady}}))
	}
	list, err := store.Frames().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	for i := 0; i+1 < len(list); i++ {
		ref := "clips/" + list[i].ID.String() + ".mp4"
		require.NoError(t, store.Clips().Create(ctx, &models.Clip{StoryID: story.ID, FrameFromID: list[i].ID, FrameToID: list[i+1].ID,
			VideoRef: &ref, Generation: models.Generation{Status: clipStatus(i)}}))
	}
	clips, err := store.Clips().ListByStory(ctx, story.ID)
	require.NoError(t, err)
	return story, clips
}

func ready(int) models.GenerationStatus { return models.GenerationReady }

func refs(clips []*models.Clip) []string {
	out := make([]string, 0, len(clips))
	for _, c := range clips {
		out = append(out, *c.VideoRef)
	}
	return out
}

func TestEngine_AssemblesInFrameOrder(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, clips := seedAssembling(t, store, 4, ready)

	concat := new(mocks.MockConcatenator)
	concat.On("Concatenate", mock.Anything, story.ID, refs(clips)).Return("final/1.mp4", nil).Once()

	engine := assembly.NewEngine(concat, 0, zap.NewNop())
	completed := false
	video, err := engine.Assemble(ctx, store, story.ID, assembly.Hooks{
		Complete: func(ctx context.Context, repos repository.Repositories) error {
			completed = true
			return repos.Stories().CompareAndSetStage(ctx, story.ID, models.StageAssembling, models.StageCompleted, models.StoryStatusCompleted)
		},
	})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, models.FinalVideoCompleted, video.Status)
	require.NotNil(t, video.VideoRef)
	assert.Equal(t, "final/1.mp4", *video.VideoRef)
	assert.Len(t, video.ClipIDs, 3)

	got, err := store.Stories().GetByID(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, got.Stage)
	concat.AssertExpectations(t)
}

func TestEngine_FailureKeepsStageAndRetryReplaces(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, _ := seedAssembling(t, store, 3, ready)

	concat := new(mocks.MockConcatenator)
	concat.On("Concatenate", mock.Anything, story.ID, mock.Anything).Return("", errors.New("codec mismatch")).Once()
	concat.On("Concatenate", mock.Anything, story.ID, mock.Anything).Return("final/2.mp4", nil).Once()
	engine := assembly.NewEngine(concat, 0, zap.NewNop())

	_, err := engine.Assemble(ctx, store, story.ID, assembly.Hooks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAssemblyFailed)
	assert.True(t, assembly.IsAssemblyError(err))

	failed, err := store.FinalVideos().GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FinalVideoFailed, failed.Status)
	require.NotNil(t, failed.Error)

	got, err := store.Stories().GetByID(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageAssembling, got.Stage)

	video, err := engine.Assemble(ctx, store, story.ID, assembly.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, models.FinalVideoCompleted, video.Status)

	stored, err := store.FinalVideos().GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FinalVideoCompleted, stored.Status)
	assert.Nil(t, stored.Error)
}

func TestEngine_RejectsUnresolvedClips(t *testing.T) {
	store := repository.NewMemoryStore()
	story, _ := seedAssembling(t, store, 3, func(i int) models.GenerationStatus {
		if i == 1 {
			return models.GenerationFailed
		}
		return models.GenerationOverridden
	})
	concat := new(mocks.MockConcatenator)
	engine := assembly.NewEngine(concat, 0, zap.NewNop())

	_, err := engine.Assemble(context.Background(), store, story.ID, assembly.Hooks{})
	assert.ErrorIs(t, err, models.ErrPreconditionViolation)
	concat.AssertNotCalled(t, "Concatenate", mock.Anything, mock.Anything, mock.Anything)
}

func TestBuildPlan(t *testing.T) {
	ref := "x.mp4"
	clip := func(idx int) *models.Clip {
		return &models.Clip{ID: uuid.New(), FromIndex: idx, VideoRef: &ref, Generation: models.Generation{Status: models.GenerationReady}}
	}

	_, err := assembly.BuildPlan(uuid.New(), 1, nil)
	assert.ErrorIs(t, err, models.ErrPreconditionViolation, "a single frame cannot be assembled")

	_, err = assembly.BuildPlan(uuid.New(), 4, []*models.Clip{clip(0), clip(1)})
	assert.ErrorIs(t, err, models.ErrPreconditionViolation, "clip count must be frames-1")

	_, err = assembly.BuildPlan(uuid.New(), 3, []*models.Clip{clip(0), clip(2)})
	assert.ErrorIs(t, err, models.ErrPreconditionViolation, "gaps are rejected")

	plan, err := assembly.BuildPlan(uuid.New(), 3, []*models.Clip{clip(0), clip(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{ref, ref}, plan.ClipRefs)
}

func TestEngine_GuardBlocksWrites(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, _ := seedAssembling(t, store, 3, ready)
	require.NoError(t, store.Stories().CompareAndSetStage(ctx, story.ID, models.StageAssembling, models.StageCompleted, models.StoryStatusCompleted))

	concat := new(mocks.MockConcatenator)
	engine := assembly.NewEngine(concat, 0, zap.NewNop())
	_, err := engine.Assemble(ctx, store, story.ID, assembly.Hooks{
		Guard: func(ctx context.Context, repos repository.Repositories) error {
			s, err := repos.Stories().GetByID(ctx, story.ID)
			if err != nil {
				return err
			}
			if s.Stage != models.StageAssembling {
				return models.ErrConflict
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, models.ErrConflict)
	concat.AssertNotCalled(t, "Concatenate", mock.Anything, mock.Anything, mock.Anything)

	_, err = store.FinalVideos().GetByStory(ctx, story.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngine_ClipChangedDuringConcatenation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	story, clips := seedAssembling(t, store, 3, ready)

	concat := new(mocks.MockConcatenator)
	concat.On("Concatenate", mock.Anything, story.ID, refs(clips)).
		Run(func(mock.Arguments) {
			_, err := store.Generations().Override(ctx, models.ArtifactClip, clips[0].ID, clips[0].Attempt, "clips/uploaded.mp4")
			require.NoError(t, err)
		}).
		Return("final/stale.mp4", nil).Once()

	engine := assembly.NewEngine(concat, 0, zap.NewNop())
	video, err := engine.Assemble(ctx, store, story.ID, assembly.Hooks{})
	assert.Nil(t, video)
	assert.ErrorIs(t, err, assembly.ErrClipsChanged)
	assert.ErrorIs(t, err, models.ErrConflict)

	stored, err := store.FinalVideos().GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FinalVideoFailed, stored.Status)
	assert.Nil(t, stored.VideoRef)
}
