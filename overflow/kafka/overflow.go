// Package kafka carries overflow documents over a Kafka topic. The producing
// side is a docflow.Overflow; helpers consume the topic and inject the
// documents into their plan.
//
// Records are keyed by the target step. The value is the JSON document, the
// doc_id header its id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/kdoc"
	"github.com/twmb/franz-go/pkg/kgo"
)

const HeaderDocID = "doc_id"

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Option configures the Kafka clients of this package.
type Option func(*options)

type options struct {
	log  *slog.Logger
	opts []kgo.Opt
}

var WithLog = func(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithClientOpts passes extra options to the franz-go client.
var WithClientOpts = func(opts ...kgo.Opt) Option {
	return func(o *options) {
		o.opts = append(o.opts, opts...)
	}
}

func newOptions(opts []Option) options {
	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Overflow produces documents to a topic.
type Overflow struct {
	client producer
	topic  string
	log    *slog.Logger
}

// NewOverflow creates a producer for topic.
func NewOverflow(brokers []string, topic string, opts ...Option) (*Overflow, error) {
	o := newOptions(opts)
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	}, o.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return newOverflow(client, topic, o.log), nil
}

func newOverflow(client producer, topic string, log *slog.Logger) *Overflow {
	return &Overflow{client: client, topic: topic, log: log.With("topic", topic)}
}

// Offer produces doc for step and waits for the broker to acknowledge it.
func (o *Overflow) Offer(ctx context.Context, step string, doc *kdoc.Document) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID(), err)
	}
	rec := &kgo.Record{
		Topic:   o.topic,
		Key:     []byte(step),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: HeaderDocID, Value: []byte(doc.ID())}},
	}
	if err := o.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s for %s: %w", doc.ID(), step, err)
	}
	o.log.Debug("Document overflowed", "doc_id", doc.ID(), "step", step)
	return nil
}

func (o *Overflow) Close() error {
	o.client.Close()
	return nil
}

var _ docflow.Overflow = (*Overflow)(nil)
