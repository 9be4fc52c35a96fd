package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache keeps recent snapshots. Every invalidation bumps a per-story
// version; Set only stores a snapshot when the version it was loaded under is
// still current. Implementations must tolerate misses and backend failures;
// the facade falls back to the store.
type Cache interface {
	// Get returns the cached snapshot, if any, and the story's current version.
	Get(ctx context.Context, storyID uuid.UUID) (snap *Snapshot, version int64, ok bool)
	Set(ctx context.Context, snap *Snapshot, version int64)
	Invalidate(ctx context.Context, storyID uuid.UUID)
}

// unknownVersion is returned when the backend could not be read. Set ignores it.
const unknownVersion int64 = -1

// NoopCache never caches.
type NoopCache struct{}

func (NoopCache) Get(context.Context, uuid.UUID) (*Snapshot, int64, bool) {
	return nil, unknownVersion, false
}

func (NoopCache) Set(context.Context, *Snapshot, int64) {}

func (NoopCache) Invalidate(context.Context, uuid.UUID) {}

// versionTTL outlives any snapshot load.
const versionTTL = 24 * time.Hour

// RedisCache stores snapshots as JSON with a short TTL, next to a version
// counter that Invalidate increments.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisStatusCache"),
	}
}

func snapshotKey(storyID uuid.UUID) string {
	return fmt.Sprintf("pipeline_status:%s", storyID)
}

func versionKey(storyID uuid.UUID) string {
	return fmt.Sprintf("pipeline_status_version:%s", storyID)
}

func (c *RedisCache) Get(ctx context.Context, storyID uuid.UUID) (*Snapshot, int64, bool) {
	log := c.logger.With(zap.String("story_id", storyID.String()))

	vals, err := c.client.MGet(ctx, snapshotKey(storyID), versionKey(storyID)).Result()
	if err != nil {
		log.Warn("Failed to read cached snapshot", zap.Error(err))
		return nil, unknownVersion, false
	}

	var version int64
	if raw, ok := vals[1].(string); ok {
		if version, err = strconv.ParseInt(raw, 10, 64); err != nil {
			log.Warn("Invalid snapshot version", zap.String("version", raw), zap.Error(err))
			return nil, unknownVersion, false
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, version, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Warn("Dropping undecodable cached snapshot", zap.Error(err))
		c.Invalidate(ctx, storyID)
		return nil, unknownVersion, false
	}
	return &snap, version, true
}

var errStaleSnapshot = errors.New("snapshot version is stale")

func (c *RedisCache) Set(ctx context.Context, snap *Snapshot, version int64) {
	if snap == nil || snap.Story == nil || version == unknownVersion {
		return
	}
	log := c.logger.With(zap.String("story_id", snap.Story.ID.String()))

	raw, err := json.Marshal(snap)
	if err != nil {
		log.Error("Failed to encode snapshot", zap.Error(err))
		return
	}

	vkey := versionKey(snap.Story.ID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey(snap.Story.ID), raw, c.ttl)
			return nil
		})
		return err
	}, vkey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleSnapshot), errors.Is(err, redis.TxFailedErr):
		log.Debug("Snapshot not cached, story changed while loading", zap.Int64("version", version))
	default:
		log.Warn("Failed to cache snapshot", zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, storyID uuid.UUID) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(storyID))
		pipe.Expire(ctx, versionKey(storyID), versionTTL)
		pipe.Del(ctx, snapshotKey(storyID))
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to invalidate cached snapshot", zap.String("story_id", storyID.String()), zap.Error(err))
	}
}
