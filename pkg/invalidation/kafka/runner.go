// Package kafka consumes store-change events and applies them to the
// metadata cache, the read cache and the layer synchronizer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/invalidation"
)

// MetadataInvalidator is satisfied by *pyramid.Accessor and *app.App.
type MetadataInvalidator interface {
	Invalidate(names ...string)
}

// ReadInvalidator is satisfied by *readcache.Cache.
type ReadInvalidator interface {
	InvalidateDataset(ctx context.Context, name string) error
	InvalidateBounds(ctx context.Context, name string, b model.GeoBounds) (int, error)
}

// SyncTrigger is satisfied by *layersync.Handle.
type SyncTrigger interface {
	Trigger()
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	meta     MetadataInvalidator
	reads    ReadInvalidator
	sync     SyncTrigger
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// Options wires the consumers of events. Any of Metadata, Reads and Sync may
// be nil.
type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Metadata MetadataInvalidator
	Reads    ReadInvalidator
	Sync     SyncTrigger
}

func New(cfg InvalidationConfig, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		meta:   opts.Metadata,
		reads:  opts.Reads,
		sync:   opts.Sync,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("store event runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg, err := r.cfg.Sarama()
	if err != nil {
		cancel()
		return err
	}
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("store event runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("store event runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

var errMalformed = errors.New("malformed store event")

// handleMessage applies one event. Malformed events are counted and skipped
// so they cannot wedge the partition; apply failures are returned so the
// message is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("store event dropped", "offset", msg.Offset, "err", fmt.Errorf("%w: decode: %v", errMalformed, err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("store event dropped", "offset", msg.Offset, "err", fmt.Errorf("%w: %v", errMalformed, err))
		return nil
	}
	err := r.Apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

// Apply runs one validated event through the configured consumers.
func (r *Runner) Apply(ctx context.Context, ev invalidation.Event) error {
	name := strings.TrimSpace(ev.Dataset)
	if !r.ver.fresh(name, ev.Version) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return nil
	}

	if r.meta != nil {
		r.meta.Invalidate(name)
		r.ms.apply.WithLabelValues("metadata_evict").Inc()
	}

	if r.reads != nil {
		switch {
		case ev.BBox != nil && ev.Op == invalidation.OpUpdated:
			n, err := r.reads.InvalidateBounds(ctx, name, *ev.BBox)
			if err != nil {
				return fmt.Errorf("invalidate reads of %s in %s: %w", name, ev.BBox, err)
			}
			r.ms.apply.WithLabelValues("read_delete").Add(float64(n))
		default:
			if err := r.reads.InvalidateDataset(ctx, name); err != nil {
				return fmt.Errorf("invalidate reads of %s: %w", name, err)
			}
			r.ms.apply.WithLabelValues("generation_bump").Inc()
		}
	}

	if r.sync != nil && ev.Structural() {
		r.sync.Trigger()
		r.ms.apply.WithLabelValues("sync_trigger").Inc()
	}

	r.ver.mark(name, ev.Version)
	r.log.Debug("store event applied", "dataset", name, "op", ev.Op, "version", ev.Version)
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
