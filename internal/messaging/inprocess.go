package messaging

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatcherClosed is returned by Dispatch after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// InProcessDispatcher runs tasks in goroutines of this process, at most
// concurrency at a time.
type InProcessDispatcher struct {
	logger  *zap.Logger
	sem     chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	handler TaskHandler
	closed  bool
	wg      sync.WaitGroup
}

func NewInProcessDispatcher(concurrency int, logger *zap.Logger) *InProcessDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessDispatcher{
		logger:  logger.Named("InProcessDispatcher"),
		sem:     make(chan struct{}, concurrency),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Bind sets the handler executing tasks. It must be called before Dispatch.
func (d *InProcessDispatcher) Bind(handler TaskHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

// Dispatch schedules the task and returns immediately. Tasks outlive the
// caller's context; they stop only on Shutdown.
func (d *InProcessDispatcher) Dispatch(_ context.Context, task GenerationTask) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.handler == nil {
		return errors.New("dispatcher has no handler bound")
	}
	handler := d.handler

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.baseCtx.Done():
			d.logger.Warn("Task dropped on shutdown", zap.String("task_id", task.TaskID))
			return
		}
		defer func() { <-d.sem }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Panic recovered in generation task", zap.String("task_id", task.TaskID), zap.Any("panic", r))
			}
		}()

		if err := handler(d.baseCtx, task); err != nil {
			d.logger.Error("Generation task failed",
				zap.String("task_id", task.TaskID),
				zap.String("story_id", task.StoryID.String()),
				zap.String("kind", string(task.Kind)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every dispatched task has finished.
func (d *InProcessDispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends,
// then cancels them.
func (d *InProcessDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return errors.New("timeout waiting for generation tasks to finish")
	}
}
