package repository

import (
	"context"
	"errors"
	"fmt"

	"reel-server/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgStore implements Store on top of a pgx pool.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	*pgRepositories
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a Store backed by PostgreSQL.
func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	log := logger.Named("PgStore")
	return &PgStore{
		pool:           pool,
		logger:         log,
		pgRepositories: newPgRepositories(pool, log),
	}
}

// WithinTx begins a transaction, rolls back on error or panic and commits otherwise.
func (s *PgStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				s.logger.Error("Failed to rollback transaction after panic",
					zap.Error(rollbackErr),
					zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, newPgRepositories(tx, s.logger)); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			s.logger.Error("Failed to rollback transaction",
				zap.Error(rollbackErr),
				zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgRepositories struct {
	stories     *pgStoryRepository
	generations *pgGenerationRepository
	characters  *pgCharacterRepository
	frames      *pgFrameRepository
	clips       *pgClipRepository
	finalVideos *pgFinalVideoRepository
	usage       *pgUsageRepository
	chat        *pgChatRepository
}

func newPgRepositories(db DBTX, logger *zap.Logger) *pgRepositories {
	return &pgRepositories{
		stories:     &pgStoryRepository{db: db, logger: logger.Named("PgStoryRepo")},
		generations: &pgGenerationRepository{db: db, logger: logger.Named("PgGenerationRepo")},
		characters:  &pgCharacterRepository{db: db, logger: logger.Named("PgCharacterRepo")},
		frames:      &pgFrameRepository{db: db, logger: logger.Named("PgFrameRepo")},
		clips:       &pgClipRepository{db: db, logger: logger.Named("PgClipRepo")},
		finalVideos: &pgFinalVideoRepository{db: db, logger: logger.Named("PgFinalVideoRepo")},
		usage:       &pgUsageRepository{db: db, logger: logger.Named("PgUsageRepo")},
		chat:        &pgChatRepository{db: db, logger: logger.Named("PgChatRepo")},
	}
}

func (r *pgRepositories) Stories() StoryRepository { return r.stories }
func (r *pgRepositories) Generations() GenerationRepository { return r.generations }
func (r *pgRepositories) Characters() CharacterRepository { return r.characters }
func (r *pgRepositories) Frames() FrameRepository { return r.frames }
func (r *pgRepositories) Clips() ClipRepository { return r.clips }
func (r *pgRepositories) FinalVideos() FinalVideoRepository { return r.finalVideos }
func (r *pgRepositories) Usage() UsageRepository { return r.usage }
func (r *pgRepositories) Chat() ChatRepository { return r.chat }

// wrapNotFound maps pgx.ErrNoRows onto models.ErrNotFound.
func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
