package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cipherchat/internal/protocol"
)

const keyPrefix = "presence:"

// StatusReader answers "is this user online, and when were they last seen".
type StatusReader interface {
	Status(ctx context.Context, userID string) (protocol.StatusUpdate, error)
}

// Recorders fans one status change out to several recorders. Every
// recorder is tried; the first error is returned.
type Recorders []StatusRecorder

func (rs Recorders) RecordStatus(ctx context.Context, userID string, status protocol.Status, lastSeen *time.Time) error {
	var first error
	for _, r := range rs {
		if err := r.RecordStatus(ctx, userID, status, lastSeen); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RedisCache keeps the latest presence of every user in a redis hash so
// status reads don't hit the document store. Misses fall through to next.
type RedisCache struct {
	client *redis.Client
	next   StatusReader
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, next StatusReader) *RedisCache {
	return &RedisCache{client: client, next: next, ttl: 7 * 24 * time.Hour}
}

func (c *RedisCache) RecordStatus(ctx context.Context, userID string, status protocol.Status, lastSeen *time.Time) error {
	key := keyPrefix + userID
	fields := map[string]any{"status": string(status)}
	if lastSeen != nil {
		fields["last_seen"] = lastSeen.UTC().Format(time.RFC3339Nano)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCache) Status(ctx context.Context, userID string) (protocol.StatusUpdate, error) {
	vals, err := c.client.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil || len(vals) == 0 {
		if c.next == nil {
			return protocol.StatusUpdate{UID: userID, Status: protocol.StatusOffline}, err
		}
		return c.next.Status(ctx, userID)
	}

	st := protocol.StatusUpdate{UID: userID, Status: protocol.Status(vals["status"])}
	if raw, ok := vals["last_seen"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.LastSeen = &t
		}
	}
	return st, nil
}
