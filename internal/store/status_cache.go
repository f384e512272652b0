package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the latest raw status payload per device in redis so the
// admin panel can poll it without hitting postgres. Best-effort: the tracker
// treats cache errors as non-fatal.
type StatusCache struct{ rdb *redis.Client }

func NewStatusCache(rdb *redis.Client) *StatusCache { return &StatusCache{rdb: rdb} }

func statusKey(id string) string { return "gate:device:status:" + id }

func (c *StatusCache) Set(ctx context.Context, deviceID string, payload []byte) error {
	return c.rdb.Set(ctx, statusKey(deviceID), payload, 24*time.Hour).Err()
}

func (c *StatusCache) Get(ctx context.Context, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, statusKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}
