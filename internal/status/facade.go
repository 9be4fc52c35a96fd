package status

import (
	"context"
	"errors"

	"reel-server/internal/ledger"
	"reel-server/internal/media"
	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Facade assembles pipeline snapshots for polling clients.
type Facade struct {
	repos   repository.Repositories
	ledger  *ledger.Ledger
	storage media.Storage
	cache   Cache
	logger  *zap.Logger
}

func NewFacade(repos repository.Repositories, ledger *ledger.Ledger, storage media.Storage, cache Cache, logger *zap.Logger) *Facade {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Facade{
		repos:   repos,
		ledger:  ledger,
		storage: storage,
		cache:   cache,
		logger:  logger.Named("StatusFacade"),
	}
}

// maxLoads bounds the reloads of a snapshot whose story keeps changing.
const maxLoads = 3

// Snapshot returns the current pipeline state of a story, served from the
// cache when a fresh entry exists. A snapshot is only cached when no change
// of the story was reported while it loaded.
func (f *Facade) Snapshot(ctx context.Context, storyID uuid.UUID) (*Snapshot, error) {
	snap, version, ok := f.cache.Get(ctx, storyID)
	if ok {
		return snap, nil
	}
	snap, err := f.load(ctx, storyID)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, snap, version)
	return snap, nil
}

// StoryChanged drops the cached snapshot of a story.
func (f *Facade) StoryChanged(ctx context.Context, storyID uuid.UUID) {
	f.cache.Invalidate(ctx, storyID)
}

// load reads the story, then its artifacts in parallel, then the story again.
// Stage and status change in the same transaction as the artifacts they
// depend on, so an unchanged story row means the artifacts belong to it.
func (f *Facade) load(ctx context.Context, storyID uuid.UUID) (*Snapshot, error) {
	log := f.logger.With(zap.String("story_id", storyID.String()))

	for n := 1; ; n++ {
		snap, err := f.loadOnce(ctx, storyID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				log.Error("Failed to load pipeline snapshot", zap.Error(err))
			}
			return nil, err
		}
		current, err := f.repos.Stories().GetByID(ctx, storyID)
		if err != nil {
			return nil, err
		}
		if sameRevision(snap.Story, current) || n == maxLoads {
			snap.MediaURLs = f.mediaURLs(snap)
			snap.evaluate()
			return snap, nil
		}
		log.Debug("Story changed while loading snapshot, reloading",
			zap.String("stage", string(current.Stage)),
			zap.Int("load", n+1),
		)
	}
}

func (f *Facade) loadOnce(ctx context.Context, storyID uuid.UUID) (*Snapshot, error) {
	story, err := f.repos.Stories().GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Story: story}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		snap.Characters, err = f.repos.Characters().ListByStory(gctx, storyID)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Frames, err = f.repos.Frames().ListByStory(gctx, storyID)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Clips, err = f.repos.Clips().ListByStory(gctx, storyID)
		return err
	})
	g.Go(func() error {
		video, err := f.repos.FinalVideos().GetByStory(gctx, storyID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			return err
		}
		snap.FinalVideo = video
		return nil
	})
	g.Go(func() error {
		var err error
		snap.Usage, err = f.ledger.Summary(gctx, f.repos.Usage(), storyID)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func sameRevision(a, b *models.Story) bool {
	return a.Stage == b.Stage && a.Status == b.Status && a.UpdatedAt.Equal(b.UpdatedAt)
}

func (f *Facade) mediaURLs(snap *Snapshot) map[string]string {
	urls := make(map[string]string)
	add := func(ref *string) {
		if ref != nil && *ref != "" && f.storage != nil {
			urls[*ref] = f.storage.URL(*ref)
		}
	}
	for _, c := range snap.Characters {
		add(c.ImageRef)
	}
	for _, fr := range snap.Frames {
		add(fr.ImageRef)
	}
	for _, c := range snap.Clips {
		add(c.VideoRef)
	}
	if snap.FinalVideo != nil {
		add(snap.FinalVideo.VideoRef)
	}
	return urls
}
