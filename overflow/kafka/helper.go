package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/kdoc"
	"github.com/twmb/franz-go/pkg/kgo"
)

type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Injector receives consumed documents. *docflow.Plan implements it.
type Injector interface {
	Inject(ctx context.Context, step string, doc *kdoc.Document) error
}

// Helper consumes the overflow topic and injects every document into the
// step named by the record key. Offsets are committed after a poll was
// injected completely.
type Helper struct {
	client consumer
	plan   Injector
	log    *slog.Logger
}

// NewHelper joins group on topic.
func NewHelper(brokers []string, topic, group string, plan Injector, opts ...Option) (*Helper, error) {
	o := newOptions(opts)
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	}, o.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return newHelper(client, plan, o.log.With("topic", topic, "group", group)), nil
}

func newHelper(client consumer, plan Injector, log *slog.Logger) *Helper {
	return &Helper{client: client, plan: plan, log: log}
}

// Run consumes until ctx is done or the client is closed.
func (h *Helper) Run(ctx context.Context) error {
	h.log.Info("Helper started")
	for {
		fetches := h.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			h.log.Info("Helper stopped")
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			h.log.Warn("Fetch failed", "partition", partition, "error", err)
		})

		var injectErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if injectErr == nil {
				injectErr = h.handle(ctx, r)
			}
		})
		if injectErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return injectErr
		}

		if err := h.client.CommitUncommittedOffsets(ctx); err != nil {
			h.log.Warn("Commit failed", "error", err)
		}
	}
}

func (h *Helper) handle(ctx context.Context, r *kgo.Record) error {
	step := string(r.Key)
	var doc kdoc.Document
	if err := json.Unmarshal(r.Value, &doc); err != nil {
		h.log.Error("Dropping undecodable record", "partition", r.Partition, "offset", r.Offset, "error", err)
		return nil
	}

	err := h.plan.Inject(ctx, step, &doc)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docflow.ErrStepNotFound), errors.Is(err, docflow.ErrUnsupportedOperation):
		h.log.Error("Dropping record for unknown step", "step", step, "doc_id", doc.ID(), "error", err)
		return nil
	default:
		return fmt.Errorf("inject %s into %s: %w", doc.ID(), step, err)
	}
}

func (h *Helper) Close() error {
	h.client.Close()
	return nil
}
