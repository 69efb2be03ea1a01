// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package projection notifies the media-library projector that a session's
// recordings changed. The projector itself lives outside this service.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Refresher is told when projections must be rebuilt or dropped.
// Callers log failures and carry on.
type Refresher interface {
	Refresh(ctx context.Context, sessionID string) error
	Remove(ctx context.Context, recordingID string) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) Refresh(context.Context, string) error { return nil }
func (Noop) Remove(context.Context, string) error  { return nil }

// Message is the payload published on the projection channel.
type Message struct {
	Op          string    `json:"op"`
	SessionID   string    `json:"sessionId,omitempty"`
	RecordingID string    `json:"recordingId,omitempty"`
	At          time.Time `json:"at"`
}

const (
	OpRefresh = "refresh"
	OpRemove  = "remove"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRefresher publishes notifications on a Redis channel and keeps a
// durable marker per change so a projector that was offline can catch up.
type RedisRefresher struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRedisRefresher connects to Redis and verifies the connection.
func NewRedisRefresher(ctx context.Context, cfg RedisConfig) (*RedisRefresher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger := xglog.WithComponent("projection")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Str("channel", cfg.Channel).Msg("connected to projection bus")
	return newRedisRefresher(client, cfg.Channel, logger), nil
}

func newRedisRefresher(client *redis.Client, channel string, logger zerolog.Logger) *RedisRefresher {
	return &RedisRefresher{
		client:  client,
		channel: channel,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh marks the session dirty and publishes a refresh message.
func (r *RedisRefresher) Refresh(ctx context.Context, sessionID string) error {
	msg := Message{Op: OpRefresh, SessionID: sessionID, At: r.now()}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.channel+":dirty", sessionID, msg.At.Format(time.RFC3339Nano))
	return r.publish(ctx, pipe, msg)
}

// Remove records the removal and publishes a remove message.
func (r *RedisRefresher) Remove(ctx context.Context, recordingID string) error {
	msg := Message{Op: OpRemove, RecordingID: recordingID, At: r.now()}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.channel+":removed", recordingID)
	return r.publish(ctx, pipe, msg)
}

func (r *RedisRefresher) publish(ctx context.Context, pipe redis.Pipeliner, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe.Publish(ctx, r.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("projection %s: %w", msg.Op, err)
	}
	r.logger.Debug().Str(xglog.FieldEvent, "projection."+msg.Op).
		Str(xglog.FieldSessionID, msg.SessionID).
		Str(xglog.FieldRecordingID, msg.RecordingID).
		Msg("projection notified")
	return nil
}

// Close releases the Redis client.
func (r *RedisRefresher) Close() error { return r.client.Close() }
