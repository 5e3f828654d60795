//go:build integration

package events_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/sessionreview/backend/internal/adapters/events"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/sessionreview/backend/pkg/config"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client, err := redis.NewClient(&config.RedisConfig{
		Host:     getEnv("TEST_REDIS_HOST", "localhost"),
		Port:     getEnvAsInt("TEST_REDIS_PORT", 6379),
		Password: getEnv("TEST_REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("TEST_REDIS_DB", 0),
	})
	require.NoError(t, err, "Failed to create redis client")
	return client
}

func waitForRunEvent(t *testing.T, ch <-chan *entities.RunEvent) *entities.RunEvent {
	t.Helper()
	select {
	case event := <-ch:
		require.NotNil(t, event)
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for run event")
		return nil
	}
}

func TestRedisEventBusFanoutIntegration(t *testing.T) {
	if os.Getenv("TEST_REDIS_HOST") == "" {
		t.Skip("Skipping integration test: TEST_REDIS_HOST not set")
	}

	redisClient := newTestRedisClient(t)
	defer redisClient.Close()

	eventBus := events.NewRedisEventBus(redisClient)
	defer eventBus.Close()

	channel := providers.GetSessionChannel("session-it-1")
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	sub1, err := eventBus.Subscribe(ctx1, channel)
	require.NoError(t, err)
	sub2, err := eventBus.Subscribe(ctx2, channel)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	event := entities.NewRunEvent(entities.RunEventTypeCompleted, entities.RunStatusTable{
		RunID:           "run-it-1",
		SessionID:       "session-it-1",
		Status:          entities.RunStatusCompleted,
		Order:           []entities.PipelineKind{entities.PipelineKindSafety},
		OverallProgress: 100,
	})
	require.NoError(t, eventBus.Publish(context.Background(), channel, event))

	received1 := waitForRunEvent(t, sub1)
	received2 := waitForRunEvent(t, sub2)

	assert.Equal(t, event.ID, received1.ID)
	assert.Equal(t, event.ID, received2.ID)
	assert.Equal(t, entities.RunStatusCompleted, received1.Table.Status)
	assert.Equal(t, []entities.PipelineKind{entities.PipelineKindSafety}, received2.Table.Order)
}
