package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmux/agentmux/internal/logging"
)

const redisChannel = "agentmux:fanout"

// RedisBus distributes fan-out frames across gateway replicas through
// Redis Pub/Sub. Frames published on one replica reach subscribers on all
// replicas, including the local one (delivery goes through Redis so every
// replica sees an identical stream).
type RedisBus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

// NewRedisBus connects to Redis and starts the subscriber loop.
func NewRedisBus(addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithCancel(context.Background())
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		rdb.Close()
		return nil, fmt.Errorf("bus: redis ping %s: %w", addr, err)
	}

	b := &RedisBus{
		rdb:    rdb,
		pubsub: rdb.Subscribe(ctx, redisChannel),
		cancel: cancel,
		subs:   make(map[int]Handler),
	}
	go b.receive(ctx)
	return b, nil
}

// Publish sends the frame through Redis.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, redisChannel, data).Err(); err != nil {
		return fmt.Errorf("bus: redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a handler for frames from all replicas.
func (b *RedisBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Close tears down the subscriber loop and the Redis connection.
func (b *RedisBus) Close() error {
	b.cancel()
	b.pubsub.Close()
	return b.rdb.Close()
}

func (b *RedisBus) receive(ctx context.Context) {
	log := logging.WithComponent("bus")
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn().Err(err).Msg("dropping malformed fan-out frame")
				continue
			}
			b.mu.RLock()
			for _, h := range b.subs {
				h(&msg)
			}
			b.mu.RUnlock()
		}
	}
}
