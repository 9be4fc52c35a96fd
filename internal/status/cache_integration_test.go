package status_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"reel-server/internal/models"
	"reel-server/internal/status"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestRedisCache_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	cache := status.NewRedisCache(client, 200*time.Millisecond, zap.NewNop())
	storyID := uuid.New()

	_, version, ok := cache.Get(ctx, storyID)
	assert.False(t, ok)
	assert.Zero(t, version)

	cache.Set(ctx, &status.Snapshot{
		Story:             &models.Story{ID: storyID, Title: "Fox", Stage: models.StageClipsGenerating},
		ClipProgress:      status.GateProgress{Total: 3, Resolved: 2, Generating: 1},
		CanConcatenate:    false,
		RevertTargets:     []models.Stage{models.StageScripting},
		MediaURLs:         map[string]string{"a": "http://media/a"},
		CharacterProgress: status.GateProgress{Total: 1, Resolved: 1},
	}, version)

	got, version, ok := cache.Get(ctx, storyID)
	require.True(t, ok)
	assert.Zero(t, version)
	assert.Equal(t, models.StageClipsGenerating, got.Story.Stage)
	assert.Equal(t, 2, got.ClipProgress.Resolved)
	assert.Equal(t, "http://media/a", got.MediaURLs["a"])

	cache.Invalidate(ctx, storyID)
	_, current, ok := cache.Get(ctx, storyID)
	assert.False(t, ok)
	assert.Equal(t, int64(1), current)

	// loaded before the invalidation
	cache.Set(ctx, got, version)
	_, _, ok = cache.Get(ctx, storyID)
	assert.False(t, ok)

	cache.Set(ctx, got, current)
	_, _, ok = cache.Get(ctx, storyID)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, _, ok := cache.Get(ctx, storyID)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}
