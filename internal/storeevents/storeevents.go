// Package storeevents publishes store-change events to Kafka.
package storeevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/pyramid-catalog/internal/invalidation"
)

type Publisher struct {
	topic   string
	events  chan invalidation.Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	dropped atomic.Uint64
	failed  atomic.Uint64
	stopped chan struct{}
	errDone chan struct{}
}

// NewPublisher connects an async producer. base may be nil.
func NewPublisher(brokers []string, topic string, queueSize int, base *sarama.Config, logger *slog.Logger) (*Publisher, error) {
	cfg := base
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Version = sarama.V2_5_0_0
	}
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("storeevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, logger), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan invalidation.Event, queueSize),
		prod:    prod,
		log:     logger,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("storeevents: marshal", "dataset", ev.Dataset, "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				// keyed by dataset so one dataset's events stay ordered
				Key:   sarama.StringEncoder(ev.Dataset),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.failed.Add(1)
				p.log.Error("storeevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking. It reports false when the event was
// invalid or the queue was full.
func (p *Publisher) Publish(ev invalidation.Event) bool {
	if err := ev.Validate(); err != nil {
		p.log.Warn("storeevents: invalid event", "dataset", ev.Dataset, "err", err)
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Failed counts events the broker rejected.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Close flushes queued events and shuts the producer down.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("storeevents: close producer: %w", err)
	}
	return nil
}
