package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/config"
	"github.com/surface-annotator/backend/internal/models"
)

// Bus carries events between handler replicas.
type Bus interface {
	// Publish sends ev to every replica, this one included.
	Publish(ctx context.Context, ev models.Event) error

	// StartForwarder delivers received events to onEvent until ctx ends.
	StartForwarder(ctx context.Context, onEvent func(models.Event)) error

	// Close closes the bus connection.
	Close() error
}

// RedisBus implements Bus with Redis pub/sub on a single channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus connects to Redis.
func NewRedisBus(cfg *config.Config, logger *zap.Logger) (Bus, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis event bus", zap.String("channel", cfg.RealtimeChannel))

	return &RedisBus{
		client:  client,
		channel: cfg.RealtimeChannel,
		logger:  logger,
	}, nil
}

// Publish sends ev to every replica.
func (b *RedisBus) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// StartForwarder subscribes to the bus channel and hands every event to
// onEvent from a background goroutine.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(models.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.logger.Warn("Bad event payload", zap.Error(err))
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	b.logger.Info("Closing Redis connection")
	return b.client.Close()
}

// LocalBus delivers events within the process. It serves single-replica
// deployments and tests.
type LocalBus struct {
	hub *Hub
}

// NewLocalBus creates a bus that broadcasts straight into hub.
func NewLocalBus(hub *Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

// Publish broadcasts ev into the hub.
func (b *LocalBus) Publish(_ context.Context, ev models.Event) error {
	b.hub.Broadcast(ev)
	return nil
}

// StartForwarder is a no-op; Publish already reaches the hub.
func (b *LocalBus) StartForwarder(context.Context, func(models.Event)) error {
	return nil
}

// Close is a no-op.
func (b *LocalBus) Close() error { return nil }
