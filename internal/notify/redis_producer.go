package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStreamProducer publishes notification messages to a Redis stream,
// grounded in the teacher's internal/ingest/redis_store.go XAdd usage: the
// same approximate-trim, max-length-bounded append used there for
// location events.
type RedisStreamProducer struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamProducer constructs a Producer that XAdds to stream.
func NewRedisStreamProducer(client redis.Cmdable, stream string, maxLen int64) *RedisStreamProducer {
	if stream == "" {
		stream = "order_notifications"
	}
	return &RedisStreamProducer{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamProducer) Publish(ctx context.Context, msg Message) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":           string(msg.Type),
			"order_id":       msg.OrderID,
			"correlation_id": msg.CorrelationID,
			"customer_id":    msg.CustomerID,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}
