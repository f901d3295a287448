// Package broker fans finished frames out to live viewers. Every streaming
// turn publishes its frames to a per-conversation topic; any number of
// read-only viewers can subscribe and watch the turn as it happens. The
// local broker serves a single process, the NATS broker spans instances.
package broker

import "context"

type Broker interface {
	Topic(ctx context.Context, id string) Topic
}

type Topic interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	ID() string
	// Frames delivers published frames in order. The channel closes on
	// Unsubscribe or when the subscriber falls too far behind.
	Frames() <-chan []byte
	Unsubscribe()
}
