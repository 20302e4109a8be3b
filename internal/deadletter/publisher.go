package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/fieldqueue/internal/tracing"
)

// Publisher ships dropped-record envelopes off the device.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Nop discards envelopes; used when PUBLISH_DLQ_TOPIC is off.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }

// NSQPublisher publishes envelopes to an nsqd topic.
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
	device   string
}

// NewNSQPublisher creates a producer for addr. The connection is made lazily
// on the first Publish.
func NewNSQPublisher(addr, topic, device string) (*NSQPublisher, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLogger(log.New(os.Stderr, "nsq ", log.LstdFlags), nsq.LogLevelWarning)
	return &NSQPublisher{producer: p, topic: topic, device: device}, nil
}

func (p *NSQPublisher) Publish(ctx context.Context, env Envelope) error {
	if env.Device == "" {
		env.Device = p.device
	}
	if env.Trace == nil {
		env.Trace = tracing.InjectMap(ctx)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}

// Topic returns the destination topic.
func (p *NSQPublisher) Topic() string { return p.topic }

func (p *NSQPublisher) Stop() { p.producer.Stop() }
