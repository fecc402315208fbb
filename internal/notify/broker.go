package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fx-market/internal/model"
)

// Message is the wire form of an event broadcast to other market instances.
type Message struct {
	Instance    string    `json:"instance"`
	PublishedAt time.Time `json:"published_at"`
	model.Event
}

// Encode builds the broadcast payload for e.
func Encode(instance string, e model.Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(Message{Instance: instance, PublishedAt: at.UTC(), Event: e})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// DefaultSubjectPrefix is the NATS subject root; events go to
// {prefix}.{event_type}.{kind}.
const DefaultSubjectPrefix = "fx.market.events"

// Subject returns the NATS subject e is published on.
func Subject(prefix string, e model.Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, e.Type, e.Kind)
}

// NATSPublisher broadcasts events on NATS core subjects.
type NATSPublisher struct {
	conn     *nats.Conn
	prefix   string
	instance string
}

// NewNATSPublisher creates a publisher. An empty prefix uses DefaultSubjectPrefix.
func NewNATSPublisher(conn *nats.Conn, prefix, instance string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, instance: instance}
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Handle(_ context.Context, e model.Event) error {
	data, err := Encode(p.instance, e, time.Now())
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(p.prefix, e), data)
}

// DefaultChannel is the Redis pub/sub channel events are published on.
const DefaultChannel = "fx:market:events"

// RedisPublisher broadcasts events on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb      *redis.Client
	channel  string
	instance string
}

// NewRedisPublisher creates a publisher. An empty channel uses DefaultChannel.
func NewRedisPublisher(rdb *redis.Client, channel, instance string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel, instance: instance}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Handle(ctx context.Context, e model.Event) error {
	data, err := Encode(p.instance, e, time.Now())
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}
