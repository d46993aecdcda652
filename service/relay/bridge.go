package relay

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Backplane is one session's hook into the pub/sub fabric. Exactly one
// session owns a Backplane for its lifetime; it is never shared or pooled.
//
// Unsubscribe of a channel that was never subscribed is a no-op. Subscribe of
// an already-subscribed channel is wasteful but safe; the session
// deduplicates at the intent level before calling down here.
type Backplane interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// Next blocks until a message arrives or the connection dies.
	Next(ctx context.Context) (channel string, payload []byte, err error)
	Close() error
}

// BackplaneDialer opens a fresh Backplane already subscribed to the given
// channels. The gateway calls it once per accepted connection.
type BackplaneDialer func(ctx context.Context, channels ...string) (Backplane, error)

// Publisher is the write side of the fabric, used by the REST handlers and
// the moderation eviction flow.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ---- Redis implementation ----

type redisBackplane struct {
	ps *redis.PubSub
}

// RedisDialer returns a dialer minting one PubSub per session on the shared
// client.
func RedisDialer(rdb *redis.Client) BackplaneDialer {
	return func(ctx context.Context, channels ...string) (Backplane, error) {
		ps := rdb.Subscribe(ctx, channels...)
		// Force the subscribe handshake so a dead broker fails the dial
		// instead of the first Next.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		return &redisBackplane{ps: ps}, nil
	}
}

func (b *redisBackplane) Subscribe(ctx context.Context, channel string) error {
	return b.ps.Subscribe(ctx, channel)
}

func (b *redisBackplane) Unsubscribe(ctx context.Context, channel string) error {
	return b.ps.Unsubscribe(ctx, channel)
}

func (b *redisBackplane) Next(ctx context.Context) (string, []byte, error) {
	msg, err := b.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	return msg.Channel, []byte(msg.Payload), nil
}

func (b *redisBackplane) Close() error {
	return b.ps.Close()
}

// RedisPublisher publishes over the shared client.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}
