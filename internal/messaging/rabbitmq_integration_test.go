package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"reel-server/internal/messaging"
	"reel-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestRabbitMQ_PublishConsumeAndDeadLetter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rabbitmq integration test in short mode")
	}
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	conn, err := messaging.Connect(url, 5, time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	topology := messaging.Topology{
		TaskQueue:          "test_generation_tasks",
		DeadLetterExchange: "test_generation_dlx",
		DeadLetterQueue:    "test_generation_tasks_dlq",
	}
	publisher, err := messaging.NewTaskPublisher(conn, topology, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	storyID := uuid.New()
	good := messaging.NewGenerationTask(storyID, models.ArtifactRef{Kind: models.ArtifactCharacter, ID: uuid.New(), Attempt: 1})
	bad := messaging.NewGenerationTask(storyID, models.ArtifactRef{Kind: models.ArtifactFrame, ID: uuid.New(), Attempt: 2})

	var mu sync.Mutex
	handled := make(map[string]messaging.GenerationTask)
	consumer, err := messaging.NewTaskConsumer(conn, topology, 2, func(ctx context.Context, task messaging.GenerationTask) error {
		mu.Lock()
		handled[task.TaskID] = task
		mu.Unlock()
		if task.TaskID == bad.TaskID {
			return errors.New("database unavailable")
		}
		return nil
	}, zap.NewNop())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	require.NoError(t, publisher.Dispatch(ctx, good))
	require.NoError(t, publisher.Dispatch(ctx, bad))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, 30*time.Second, 100*time.Millisecond)

	mu.Lock()
	assert.Equal(t, good.ArtifactID, handled[good.TaskID].ArtifactID)
	assert.Equal(t, 2, handled[bad.TaskID].Attempt)
	mu.Unlock()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var dead messaging.GenerationTask
	assert.Eventually(t, func() bool {
		msg, ok, err := ch.Get(topology.DeadLetterQueue, true)
		if err != nil || !ok {
			return false
		}
		return json.Unmarshal(msg.Body, &dead) == nil
	}, 30*time.Second, 100*time.Millisecond)
	assert.Equal(t, bad.TaskID, dead.TaskID)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, consumer.Close())
}
