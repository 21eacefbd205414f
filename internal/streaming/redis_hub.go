package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix prefixes every run event channel.
const DefaultRedisChannelPrefix = "flowexec:events"

// RedisHub is an EventHub that fans events out across processes through
// Redis pub/sub. Events are published on "<prefix>:<workflow_id>".
type RedisHub struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 20,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisHub creates a hub on an existing client. An empty prefix uses the default.
func NewRedisHub(client *redis.Client, prefix string, logger *slog.Logger) *RedisHub {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, prefix: prefix, logger: logger}
}

func (h *RedisHub) channel(workflowID string) string {
	if workflowID == "" {
		workflowID = "_"
	}
	return h.prefix + ":" + workflowID
}

// Publish serializes the event and publishes it on the workflow's channel.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return h.client.Publish(ctx, h.channel(event.WorkflowID), payload).Err()
}

// Subscribe listens on the workflow channel named by the filter, or on every
// workflow channel when the filter has no workflow ID. Remaining filter fields
// are applied locally.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	var pubsub *redis.PubSub
	if filter.WorkflowID != "" {
		pubsub = h.client.Subscribe(ctx, h.channel(filter.WorkflowID))
	} else {
		pubsub = h.client.PSubscribe(ctx, h.prefix+":*")
	}
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.logger.Warn("dropping malformed stream event", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				if !matchFilter(filter, event) {
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the underlying client.
func (h *RedisHub) Close() error {
	return h.client.Close()
}
