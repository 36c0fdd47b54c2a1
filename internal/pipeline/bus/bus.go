// Package bus provides the in-process publish/subscribe fabric the
// dispatcher uses to hand inbound transport/tool events to a session's
// pipeline, and the pipeline uses to hand outbound AdaptationCommands back
// to the Adaptation Fan-out. It carries no domain knowledge of its own.
package bus

import "context"

// Message is deliberately untyped: the bus moves whatever the dispatcher and
// pipeline agree on (inbound envelopes, outbound commands) without needing
// its own copy of those types.
type Message = any

// Bus publishes and subscribes to named topics. A topic is scoped by
// convention to one session (e.g. "session:<id>:in", "session:<id>:out").
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

// Subscriber reads messages for the topic it was created from until Close.
type Subscriber interface {
	C() <-chan Message
	Close() error
}
