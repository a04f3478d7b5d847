// Package cache holds the optional Redis event journal: every committed
// campaign event is pushed onto a Redis list so out-of-process consumers
// (analytics, session recaps) can read the log without touching Postgres.
// Broadcast and replay never depend on it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/models"
)

// Journal publishes committed events to a Redis list queue.
type Journal struct {
	rdb    *redis.Client
	queue  string
	logger *logrus.Logger
}

// NewJournal connects to Redis and verifies the connection.
func NewJournal(addr string, db int, queue string, logger *logrus.Logger) (*Journal, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Journal{rdb: rdb, queue: queue, logger: logger}, nil
}

// Record is the queue entry shape consumed downstream, including by the
// archiver in cmd/journal.
type Record struct {
	CampaignID string          `json:"campaign_id"`
	Seq        int64           `json:"seq"`
	EventName  string          `json:"event_name"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
}

// Publish pushes one event onto the queue. Best effort: failures are logged
// and never surface to the turn that produced the event.
func (j *Journal) Publish(ctx context.Context, ev models.Event) {
	record := Record{
		CampaignID: ev.CampaignID.String(),
		Seq:        ev.Seq,
		EventName:  ev.EventName,
		Payload:    ev.Payload,
		Timestamp:  ev.CreatedAt.UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		j.logger.Errorf("failed to marshal journal record: %v", err)
		return
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		j.logger.Warnf("failed to RPush event seq %d for campaign %s: %v", ev.Seq, ev.CampaignID, err)
	}
}

// Close releases the Redis connection.
func (j *Journal) Close() error {
	return j.rdb.Close()
}
