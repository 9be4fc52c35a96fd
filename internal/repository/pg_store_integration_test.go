package repository_test

import (
	"context"
	"testing"
	"time"

	"reel-server/internal/database"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

type PgStoreSuite struct {
	suite.Suite
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	store       *repository.PgStore
}

func (s *PgStoreSuite) SetupSuite() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("reel-test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err)
	s.pgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	require.NoError(s.T(), database.ApplyMigrations(dsn, zap.NewNop()))

	s.pool, err = database.Connect(ctx, database.PoolConfig{DSN: dsn, MaxConns: 5, MaxRetries: 5, RetryDelay: time.Second}, zap.NewNop())
	require.NoError(s.T(), err)
	s.store = repository.NewPgStore(s.pool, zap.NewNop())
}

func (s *PgStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		require.NoError(s.T(), s.pgContainer.Terminate(context.Background()))
	}
}

func (s *PgStoreSuite) newStory(stage models.Stage) *models.Story {
	story := &models.Story{OwnerID: "owner-" + s.T().Name(), Title: "t", Concept: "c", Stage: stage, Status: models.StoryStatusActive}
	require.NoError(s.T(), s.store.Stories().Create(context.Background(), story))
	return story
}

func (s *PgStoreSuite) TestFrameReindexInsideTransaction() {
	ctx := context.Background()
	story := s.newStory(models.StageStoryboardPending)

	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		for i := 0; i < 4; i++ {
			if err := repos.Frames().Insert(ctx, &models.StoryboardFrame{StoryID: story.ID, SeqIndex: i, Description: "f",
				Generation: models.Generation{Status: models.GenerationReady}}); err != nil {
				return err
			}
		}
		return nil
	})
	s.Require().NoError(err)

	frames, err := s.store.Frames().ListByStory(ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(frames, 4)

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Clips().Create(ctx, &models.Clip{StoryID: story.ID, FrameFromID: frames[1].ID, FrameToID: frames[2].ID,
			Generation: models.Generation{Status: models.GenerationPending}}); err != nil {
			return err
		}
		_, err := repos.Frames().DeleteAndReindex(ctx, frames[0].ID)
		return err
	})
	s.Require().NoError(err)

	after, err := s.store.Frames().ListByStory(ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(after, 3)
	for i, f := range after {
		s.Equal(i, f.SeqIndex)
	}
}

func (s *PgStoreSuite) TestClipRejectsNonAdjacentFrames() {
	ctx := context.Background()
	story := s.newStory(models.StageStoryboardApproved)
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.Frames().Insert(ctx, &models.StoryboardFrame{StoryID: story.ID, SeqIndex: i,
			Generation: models.Generation{Status: models.GenerationReady}}))
	}
	frames, err := s.store.Frames().ListByStory(ctx, story.ID)
	s.Require().NoError(err)

	err = s.store.Clips().Create(ctx, &models.Clip{StoryID: story.ID, FrameFromID: frames[0].ID, FrameToID: frames[2].ID,
		Generation: models.Generation{Status: models.GenerationPending}})
	s.ErrorIs(err, models.ErrInvalidInput)
}

func (s *PgStoreSuite) TestAttemptCompareAndSet() {
	ctx := context.Background()
	story := s.newStory(models.StageCharactersPending)
	character := &models.Character{StoryID: story.ID, Name: "Ava", Generation: models.Generation{Status: models.GenerationPending}}
	s.Require().NoError(s.store.Characters().Create(ctx, character))

	attempt, err := s.store.Generations().BeginAttempt(ctx, models.ArtifactCharacter, character.ID, 0)
	s.Require().NoError(err)
	s.Equal(1, attempt)

	_, err = s.store.Generations().BeginAttempt(ctx, models.ArtifactCharacter, character.ID, 0)
	s.ErrorIs(err, models.ErrConflict)

	ref := "characters/ava.png"
	s.Require().NoError(s.store.Generations().ApplyResult(ctx, models.ArtifactCharacter, character.ID, attempt, models.GenerationResult{MediaRef: &ref}))
	err = s.store.Generations().ApplyResult(ctx, models.ArtifactCharacter, character.ID, attempt, models.GenerationResult{MediaRef: &ref})
	s.ErrorIs(err, models.ErrConflict, "a resolved attempt cannot be applied twice")

	got, err := s.store.Characters().GetByID(ctx, character.ID)
	s.Require().NoError(err)
	s.Equal(models.GenerationReady, got.Status)
}

func (s *PgStoreSuite) TestUsageSurvivesArtifactDeletion() {
	ctx := context.Background()
	story := s.newStory(models.StageCharactersPending)
	character := &models.Character{StoryID: story.ID, Name: "Ava", Generation: models.Generation{Status: models.GenerationPending}}
	s.Require().NoError(s.store.Characters().Create(ctx, character))
	s.Require().NoError(s.store.Usage().Append(ctx, &models.UsageRecord{
		StoryID: story.ID, ArtifactKind: models.ArtifactCharacter, ArtifactID: &character.ID,
		Provider: models.ProviderImage, CallKind: "generate", CostMicros: 40_000, Outcome: models.UsageSuccess,
	}))
	s.Require().NoError(s.store.Characters().Delete(ctx, character.ID))

	records, err := s.store.Usage().ListByStory(ctx, story.ID)
	s.Require().NoError(err)
	s.Len(records, 1)

	costs, err := s.store.Usage().CostsByOwner(ctx, story.OwnerID)
	s.Require().NoError(err)
	s.Require().Len(costs, 1)
	s.Equal(int64(40_000), costs[0].CostMicros)
}

func (s *PgStoreSuite) TestChatMessagesCascadeWithStory() {
	ctx := context.Background()
	story := s.newStory(models.StageScripting)
	s.Require().NoError(s.store.Chat().Append(ctx, &models.ChatMessage{StoryID: story.ID, Role: models.ChatRoleUser, Content: "a lighthouse"}))
	s.Require().NoError(s.store.Chat().Append(ctx, &models.ChatMessage{StoryID: story.ID, Role: models.ChatRoleAssistant, Content: "a keeper"}))

	messages, err := s.store.Chat().ListByStory(ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(messages, 2)
	s.Equal(models.ChatRoleUser, messages[0].Role)
	s.Equal("a keeper", messages[1].Content)

	s.Require().NoError(s.store.Stories().Delete(ctx, story.ID))
	messages, err = s.store.Chat().ListByStory(ctx, story.ID)
	s.Require().NoError(err)
	s.Empty(messages)
}

func TestPgStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode.")
	}
	suite.Run(t, new(PgStoreSuite))
}
