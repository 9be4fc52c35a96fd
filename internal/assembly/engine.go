package assembly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reel-server/internal/models"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	assemblyRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_assembly_runs_total",
			Help: "Total number of final video assemblies, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	assemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reel_assembly_duration_seconds",
			Help:    "Histogram of concatenation durations.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// ErrClipsChanged is returned by Assemble when a clip changed while its media
// was being concatenated. It wraps models.ErrConflict.
var ErrClipsChanged = fmt.Errorf("%w: clips changed during assembly", models.ErrConflict)

// Concatenator joins clip media, in order, into one video and returns its reference.
type Concatenator interface {
	Concatenate(ctx context.Context, storyID uuid.UUID, clipRefs []string) (string, error)
}

// TxFunc runs inside a transaction of the Artifact Store.
type TxFunc func(ctx context.Context, repos repository.Repositories) error

// Hooks let the caller tie final video writes to the story state.
// Guard runs in every transaction that writes the final video; an error from
// it aborts the write. Complete runs in the transaction that stores a
// completed video.
type Hooks struct {
	Guard    TxFunc
	Complete TxFunc
}

// Engine validates a story's clips and assembles them into the final video.
type Engine struct {
	concat  Concatenator
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func NewEngine(concat Concatenator, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		concat:  concat,
		timeout: timeout,
		logger:  logger.Named("AssemblyEngine"),
		running: make(map[uuid.UUID]struct{}),
	}
}

type clipSnapshot struct {
	id      uuid.UUID
	attempt int
}

// Plan is a validated, ordered clip list ready for concatenation.
type Plan struct {
	StoryID  uuid.UUID
	ClipIDs  []uuid.UUID
	ClipRefs []string
	snapshot []clipSnapshot
}

// Prepare orders the clips by from-index and checks that they are all
// resolved, contiguous and cover every adjacent frame pair.
func (e *Engine) Prepare(ctx context.Context, repos repository.Repositories, storyID uuid.UUID) (*Plan, error) {
	frames, err := repos.Frames().ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	clips, err := repos.Clips().ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return BuildPlan(storyID, len(frames), clips)
}

// BuildPlan validates clips against the frame count. Clips must already be
// ordered by FromIndex.
func BuildPlan(storyID uuid.UUID, frameCount int, clips []*models.Clip) (*Plan, error) {
	if frameCount < 2 {
		return nil, models.Precondition("storyboard has %d frames, need at least 2", frameCount)
	}
	if len(clips) != frameCount-1 {
		return nil, models.Precondition("story has %d clips, expected %d", len(clips), frameCount-1)
	}

	plan := &Plan{StoryID: storyID}
	for i, c := range clips {
		if c.FromIndex != i {
			return nil, models.Precondition("clip sequence has a gap at index %d", i)
		}
		if !c.Status.IsResolved() {
			return nil, models.Precondition("clip %s is %s", c.ID, c.Status)
		}
		if c.VideoRef == nil || *c.VideoRef == "" {
			return nil, models.Precondition("clip %s has no video", c.ID)
		}
		plan.ClipIDs = append(plan.ClipIDs, c.ID)
		plan.ClipRefs = append(plan.ClipRefs, *c.VideoRef)
		plan.snapshot = append(plan.snapshot, clipSnapshot{id: c.ID, attempt: c.Attempt})
	}
	return plan, nil
}

// Assemble concatenates the story's clips and stores the final video.
// A failed concatenation stores a failed final video and returns an
// *models.AssemblyError; calling Assemble again replaces it. If the clips
// changed while concatenating the result is discarded, the video is marked
// failed and ErrClipsChanged is returned.
func (e *Engine) Assemble(ctx context.Context, store repository.Store, storyID uuid.UUID, hooks Hooks) (*models.FinalVideo, error) {
	if !e.acquire(storyID) {
		return nil, fmt.Errorf("%w: assembly of story %s is already running", models.ErrConflict, storyID)
	}
	defer e.release(storyID)

	log := e.logger.With(zap.String("story_id", storyID.String()))

	var (
		plan  *Plan
		video *models.FinalVideo
	)
	err := store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := hooks.guard(ctx, repos); err != nil {
			return err
		}
		var err error
		if plan, err = e.Prepare(ctx, repos, storyID); err != nil {
			return err
		}
		video = &models.FinalVideo{StoryID: storyID, ClipIDs: plan.ClipIDs, Status: models.FinalVideoAssembling}
		return repos.FinalVideos().Upsert(ctx, video)
	})
	if err != nil {
		return nil, err
	}

	log.Info("Assembling final video", zap.Int("clips", len(plan.ClipRefs)))
	concatCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		concatCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	ref, concatErr := e.concat.Concatenate(concatCtx, storyID, plan.ClipRefs)
	assemblyDuration.Observe(time.Since(start).Seconds())

	if concatErr != nil {
		assemblyRunsTotal.WithLabelValues("failed").Inc()
		log.Error("Concatenation failed", zap.Error(concatErr))
		e.markFailed(ctx, store, video, hooks, concatErr.Error())
		return video, &models.AssemblyError{Reason: "concatenation failed", Err: concatErr}
	}

	clipsChanged := false
	err = store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if _, err := repos.Stories().GetForUpdate(ctx, storyID); err != nil {
			return err
		}
		if err := hooks.guard(ctx, repos); err != nil {
			return err
		}
		current, err := repos.Clips().ListByStory(ctx, storyID)
		if err != nil {
			return err
		}
		if !plan.matches(current) {
			clipsChanged = true
			return ErrClipsChanged
		}
		video.Status = models.FinalVideoCompleted
		video.VideoRef = &ref
		video.Error = nil
		if err := repos.FinalVideos().Upsert(ctx, video); err != nil {
			return err
		}
		if hooks.Complete != nil {
			return hooks.Complete(ctx, repos)
		}
		return nil
	})
	if err != nil {
		assemblyRunsTotal.WithLabelValues("discarded").Inc()
		log.Warn("Assembled video discarded", zap.String("video_ref", ref), zap.Error(err))
		if clipsChanged {
			e.markFailed(ctx, store, video, hooks, ErrClipsChanged.Error())
		}
		return nil, err
	}

	assemblyRunsTotal.WithLabelValues("completed").Inc()
	log.Info("Final video assembled", zap.String("video_ref", ref))
	return video, nil
}

func (h Hooks) guard(ctx context.Context, repos repository.Repositories) error {
	if h.Guard == nil {
		return nil
	}
	return h.Guard(ctx, repos)
}

// markFailed stores video as failed unless the guard rejects the write.
func (e *Engine) markFailed(ctx context.Context, store repository.Store, video *models.FinalVideo, hooks Hooks, reason string) {
	video.Status = models.FinalVideoFailed
	video.VideoRef = nil
	video.Error = &reason
	err := store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if _, err := repos.Stories().GetForUpdate(ctx, video.StoryID); err != nil {
			return err
		}
		if err := hooks.guard(ctx, repos); err != nil {
			return err
		}
		return repos.FinalVideos().Upsert(ctx, video)
	})
	if err != nil {
		e.logger.Warn("Failed final video not stored", zap.String("story_id", video.StoryID.String()), zap.Error(err))
	}
}

func (p *Plan) matches(clips []*models.Clip) bool {
	if len(clips) != len(p.snapshot) {
		return false
	}
	for i, c := range clips {
		if c.ID != p.snapshot[i].id || c.Attempt != p.snapshot[i].attempt || !c.Status.IsResolved() {
			return false
		}
	}
	return true
}

func (e *Engine) acquire(storyID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[storyID]; busy {
		return false
	}
	e.running[storyID] = struct{}{}
	return true
}

func (e *Engine) release(storyID uuid.UUID) {
	e.mu.Lock()
	delete(e.running, storyID)
	e.mu.Unlock()
}

// IsAssemblyError reports whether err came from a failed concatenation.
func IsAssemblyError(err error) bool {
	return errors.Is(err, models.ErrAssemblyFailed)
}
