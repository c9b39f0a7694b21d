package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
)

// DefaultRedisChannel is the Pub/Sub channel carrying change events between nodes.
const DefaultRedisChannel = "harvest:changes"

// RedisBroker fans change events out across server nodes through Redis Pub/Sub.
// Every node, including the publisher, receives each event from Redis and hands
// it to its local handlers.
type RedisBroker struct {
	log     *slog.Logger
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	fan     *fanout
	metrics *metrics.Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisBroker connects to redisURL, subscribes to channel and starts the receive loop.
func NewRedisBroker(ctx context.Context, log *slog.Logger, redisURL, channel string, m *metrics.Metrics) (*RedisBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("redis: empty url")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	ps := c.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after
	// construction is missed.
	if _, err := ps.Receive(pingCtx); err != nil {
		_ = ps.Close()
		_ = c.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	b := &RedisBroker{
		log:     log,
		client:  c,
		pubsub:  ps,
		channel: channel,
		fan:     newFanout(),
		metrics: m,
		done:    make(chan struct{}),
	}
	go b.receive()
	return b, nil
}

// Publish sends ev to the channel. Local handlers see it when Redis echoes it back.
func (b *RedisBroker) Publish(ctx context.Context, ev ChangeEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = b.client.Publish(ctx, b.channel, raw).Err()
	b.metrics.BrokerPublished("redis", err)
	return err
}

// Subscribe registers fn; the returned func removes it (idempotent).
func (b *RedisBroker) Subscribe(fn func(ChangeEvent)) func() {
	return b.fan.subscribe(fn)
}

// Ping checks Redis reachability for readiness probes.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the receive loop and closes the client (idempotent).
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.done
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (b *RedisBroker) receive() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		var ev ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("broker.redis.decode.fail", "channel", msg.Channel, "err", err)
			continue
		}
		b.fan.deliver(ev)
	}
}
