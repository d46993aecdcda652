package relay

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATS implementation of the Backplane/Publisher pair, for deployments that
// run the fabric on NATS instead of Redis. Channel names are used as
// subjects verbatim; ":" is a legal subject character, so the chat:{room}
// and priv_user:{id} namespaces carry over unchanged.

type natsBackplane struct {
	nc   *nats.Conn
	msgs chan *nats.Msg

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NatsDialer returns a dialer minting per-session subscription sets on the
// shared connection.
func NatsDialer(nc *nats.Conn) BackplaneDialer {
	return func(ctx context.Context, channels ...string) (Backplane, error) {
		b := &natsBackplane{
			nc:   nc,
			msgs: make(chan *nats.Msg, 64),
			subs: make(map[string]*nats.Subscription),
		}
		for _, ch := range channels {
			if err := b.Subscribe(ctx, ch); err != nil {
				_ = b.Close()
				return nil, err
			}
		}
		return b, nil
	}
}

func (b *natsBackplane) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel]; ok {
		return nil
	}
	sub, err := b.nc.ChanSubscribe(channel, b.msgs)
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", channel)
	}
	b.subs[channel] = sub
	return nil
}

func (b *natsBackplane) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	return sub.Unsubscribe()
}

func (b *natsBackplane) Next(ctx context.Context) (string, []byte, error) {
	select {
	case msg, ok := <-b.msgs:
		if !ok {
			return "", nil, errors.New("nats backplane closed")
		}
		return msg.Subject, msg.Data, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (b *natsBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for ch, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, ch)
	}
	return firstErr
}

// NatsPublisher publishes and flushes, so a returned nil means the server
// has the message. The eviction flow relies on that ordering.
type NatsPublisher struct {
	nc *nats.Conn
}

func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc}
}

func (p *NatsPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.nc.Publish(channel, payload); err != nil {
		return err
	}
	return p.nc.FlushWithContext(ctx)
}
