// Package live caches the freshest signal per camera in Redis: the most
// recent event and the final status of workers that are no longer running.
// The API answers from here without touching workers or the database.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/supervisor"
)

// LatestEventTTL is how long a latest-event slot lives without a newer
// event replacing it.
const LatestEventTTL = 24 * time.Hour

const (
	keyLatestEvent  = "sentinel:event:latest:%d"
	keyWorkerStatus = "sentinel:worker:status:%d"
)

type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// SaveLatestEvent replaces the camera's latest-event slot.
func (c *Cache) SaveLatestEvent(ctx context.Context, m *bus.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("live: marshal event %s: %w", m.EventID, err)
	}
	key := fmt.Sprintf(keyLatestEvent, m.CameraID)
	if err := c.rdb.Set(ctx, key, data, LatestEventTTL).Err(); err != nil {
		return fmt.Errorf("live: set %s: %w", key, err)
	}
	return nil
}

// LatestEvent returns the camera's most recent event, or nil when none is
// cached.
func (c *Cache) LatestEvent(ctx context.Context, cameraID int64) (*bus.Message, error) {
	key := fmt.Sprintf(keyLatestEvent, cameraID)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live: get %s: %w", key, err)
	}
	var m bus.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("live: decode %s: %w", key, err)
	}
	return &m, nil
}

// SaveWorkerStatus persists the final status of a worker that left the
// running set. No TTL; the camera's next run overwrites it. Satisfies the
// supervisor's StatusSink, so it logs its own failures.
func (c *Cache) SaveWorkerStatus(ctx context.Context, st supervisor.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Printf("[live] marshal status for camera %d: %v", st.CameraID, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := fmt.Sprintf(keyWorkerStatus, st.CameraID)
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		log.Printf("[live] set %s: %v", key, err)
	}
}

// WorkerStatus returns the camera's last terminal status, or nil when the
// worker has never stopped under this deployment.
func (c *Cache) WorkerStatus(ctx context.Context, cameraID int64) (*supervisor.Status, error) {
	key := fmt.Sprintf(keyWorkerStatus, cameraID)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live: get %s: %w", key, err)
	}
	var st supervisor.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("live: decode %s: %w", key, err)
	}
	return &st, nil
}
