// Package pubsub publishes newsdesk change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventTyper lets a payload name its event type attribute.
type EventTyper interface {
	EventType() string
}

type sendFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher fans events out to one Pub/Sub publisher per topic.
type Publisher struct {
	client     *pubsub.Client
	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	send       sendFunc
	propagator propagation.TextMapPropagator
}

// New creates a Publisher on top of client.
func New(client *pubsub.Client) *Publisher {
	p := &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}
	p.send = p.sendViaClient
	return p
}

// Publish marshals payload to JSON, attaches trace context and waits for
// the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	msg, err := p.message(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) message(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content-type": "application/json"}
	if typed, ok := payload.(EventTyper); ok {
		attrs["event-type"] = typed.EventType()
	}
	propagator := p.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	propagator.Inject(ctx, &carrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

func (p *Publisher) sendViaClient(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	p.mu.Lock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	p.mu.Unlock()
	return pub.Publish(ctx, msg).Get(ctx)
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}

// carrier adapts message attributes to propagation.TextMapCarrier.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string { return c.attrs[key] }

func (c *carrier) Set(key, value string) { c.attrs[key] = value }

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
