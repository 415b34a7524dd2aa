package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelfleet/modelfleet/internal/models"
)

// RedisPublisher stores each artifact's split as a Redis hash of
// version -> percent and announces every change on the events channel.
// Safe for concurrent use.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(opts *redis.Options) *RedisPublisher {
	return &RedisPublisher{rdb: redis.NewClient(opts)}
}

// Close closes the Redis connection. Implements io.Closer.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for startup checks.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// PublishSplit replaces the stored split for an artifact and publishes an
// Event. The delete and rewrite run in one transaction so readers never see a
// half-replaced hash; an empty split leaves the key deleted.
func (p *RedisPublisher) PublishSplit(ctx context.Context, artifact string, split models.TrafficSplit) error {
	if artifact == "" {
		return fmt.Errorf("artifact name cannot be empty")
	}

	key := SplitKey(artifact)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(split) > 0 {
			fields := make(map[string]string, len(split))
			for version, percent := range split {
				fields[version] = strconv.Itoa(percent)
			}
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write split to Redis: %w", err)
	}

	payload, err := json.Marshal(Event{
		ArtifactName: artifact,
		Split:        split,
		PublishedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal traffic event: %w", err)
	}
	if err := p.rdb.Publish(ctx, EventsChannel(), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish traffic event: %w", err)
	}
	return nil
}

// CurrentSplit reads the mirrored split back out of Redis. A missing key is
// an empty split, not an error.
func (p *RedisPublisher) CurrentSplit(ctx context.Context, artifact string) (models.TrafficSplit, error) {
	fields, err := p.rdb.HGetAll(ctx, SplitKey(artifact)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read split from Redis: %w", err)
	}
	split := models.TrafficSplit{}
	for version, raw := range fields {
		percent, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed split field %q: %w", version, err)
		}
		split[version] = percent
	}
	return split, nil
}
