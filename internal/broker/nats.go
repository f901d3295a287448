package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/nats-io/nats.go"

	"github.com/shilvister/loom/pkg/slogx"
	"github.com/shilvister/loom/pkg/uuidx"
)

type natsBroker struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic]
}

// NATS builds a broker on an existing NATS connection so viewers on any
// instance see frames published by any other instance.
func NATS(client *nats.Conn) Broker {
	return &natsBroker{
		client: client,
		topics: haxmap.New[string, *natsTopic](),
	}
}

func (b *natsBroker) Topic(_ context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *natsTopic {
		return &natsTopic{
			subject: id,
			client:  b.client,
		}
	})
	return top
}

type natsTopic struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic) Publish(_ context.Context, frame []byte) error {
	return t.client.Publish(t.subject, frame)
}

func (t *natsTopic) Subscribe(ctx context.Context) (Subscription, error) {
	frames := make(chan []byte, 50)
	sub := &natsSubscription{
		id:     uuidx.NewString(),
		frames: frames,
	}

	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		select {
		case frames <- msg.Data:
		case <-ctx.Done():
		default:
			// viewer is not draining, drop the frame rather than block
			// the NATS callback
		}
	})
	if err != nil {
		return nil, err
	}
	sub.sub = nsub
	return sub, nil
}

type natsSubscription struct {
	id        string
	sub       *nats.Subscription
	frames    chan []byte
	closeOnce sync.Once
}

func (n *natsSubscription) ID() string { return n.id }

func (n *natsSubscription) Frames() <-chan []byte { return n.frames }

func (n *natsSubscription) Unsubscribe() {
	n.closeOnce.Do(func() {
		if err := n.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
		}
		close(n.frames)
	})
}
