package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindgoner/propagator/internal/logger"
)

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisBroadcaster publishes events through redis PUBLISH. The message is
// the same frame a websocket subscriber would receive.
type RedisBroadcaster struct {
	Client *redis.Client
}

func (b *RedisBroadcaster) Publish(ctx context.Context, channel, event, data string) error {
	if err := b.Client.Publish(ctx, channel, encodeFrame(event, channel, data)).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// RedisSubscriber receives events published by a RedisBroadcaster.
type RedisSubscriber struct {
	Client           *redis.Client
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Logger           logger.Logger
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, channel string, h EventHandler) error {
	handshake := s.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	ping := s.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}

	ps := s.Client.Subscribe(ctx, channel)
	defer ps.Close()

	msg, err := ps.ReceiveTimeout(ctx, handshake)
	if err != nil {
		return fmt.Errorf("%w: redis subscribe: %v", ErrUnavailable, err)
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		return fmt.Errorf("%w: unexpected redis reply %T", ErrUnavailable, msg)
	}
	log.Info("Subscribed to push channel", "driver", "redis", "channel", channel)

	for {
		msg, err := ps.ReceiveTimeout(ctx, ping)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := ps.Ping(ctx); err != nil {
					return fmt.Errorf("redis ping: %w", err)
				}
				continue
			}
			return fmt.Errorf("push connection lost: %w", err)
		}

		switch m := msg.(type) {
		case *redis.Message:
			f, ok := parseFrame([]byte(m.Payload))
			if !ok {
				log.Warn("Ignoring malformed push frame", "channel", m.Channel)
				continue
			}
			h(ctx, Event{Channel: m.Channel, Name: f.Event, Data: f.Data})
		case *redis.Pong, *redis.Subscription:
		}
	}
}
