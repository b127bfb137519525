// Package stream wraps a Redis Streams consumer group the way this
// codebase wraps every other long-running dependency loop: a typed client,
// a blocking read loop on a ticker-like cadence, and reconnect-with-backoff
// on transient errors.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/agentctl/internal/obslog"
)

const (
	defaultStreamName = "orchestration:commands"
	defaultGroupName  = "k8s-orchestrator"
	readTimeout       = 1 * time.Second
	reconnectBackoff  = 2 * time.Second
)

// Message is one claimed stream entry.
type Message struct {
	ID     string
	Fields map[string]string
}

// Handler processes a single message and returns nothing. The Consumer
// acknowledges the message exactly once after Handler returns; Handler
// itself is responsible for recording any failure in durable status, per
// the poison-message policy: the message is always acknowledged after
// Handler returns.
type Handler func(ctx context.Context, msg Message)

// Consumer is a durable consumer on a single stream + group.
type Consumer struct {
	client       *redis.Client
	stream       string
	group        string
	consumerName string
	log          interface{ Info(string) }
}

// Config configures a Consumer.
type Config struct {
	Addr         string
	DB           int
	Stream       string
	Group        string
	ConsumerName string
}

// NewConsumer builds a Consumer and idempotently creates its consumer group
// at offset 0, treating BUSYGROUP ("already exists") as success.
func NewConsumer(ctx context.Context, cfg Config) (*Consumer, error) {
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStreamName
	}
	group := cfg.Group
	if group == "" {
		group = defaultGroupName
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})

	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("stream: create group %s on %s: %w", group, stream, err)
	}

	return &Consumer{
		client:       client,
		stream:       stream,
		group:        group,
		consumerName: cfg.ConsumerName,
	}, nil
}

// Close releases the underlying Redis client.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// Run blocks, reading one message at a time and invoking handle, until ctx
// is cancelled (graceful shutdown lets an in-flight message finish first).
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    readTimeout,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue // no message within the block window
			}
			if ctx.Err() != nil {
				return nil
			}
			obslog.Errorf("stream: read error, reconnecting", err)
			select {
			case <-time.After(reconnectBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				msg := Message{ID: entry.ID, Fields: toStringMap(entry.Values)}
				handle(ctx, msg)
				if err := c.client.XAck(ctx, c.stream, c.group, entry.ID).Err(); err != nil {
					obslog.Errorf("stream: ack failed", err)
				}
			}
		}
	}
}

// PendingCount reports the number of claimed-but-unacknowledged messages
// in the group, used to drive the stream lag gauge.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	summary, err := c.client.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xpending: %w", err)
	}
	return summary.Count, nil
}

// Ready reports whether the underlying Redis connection is reachable.
func (c *Consumer) Ready(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func toStringMap(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
