package backplane

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backplane backed by Redis pub/sub, one channel per room.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and verifies the Redis backplane.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("backplane.NewRedis: ping: %w", err)
	}

	return &Redis{client: client}, nil
}

// RoomChannel returns the Redis channel name for a room key.
func RoomChannel(room string) string {
	return "room:" + room
}

func (r *Redis) Publish(ctx context.Context, room string, payload []byte) error {
	if err := r.client.Publish(ctx, RoomChannel(room), payload).Err(); err != nil {
		return fmt.Errorf("backplane.Redis.Publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, room string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, RoomChannel(room))

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("backplane.Redis.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, subscriberBuffer)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("backplane.Redis.Close: %w", err)
	}
	return nil
}
