package layersync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/observability"
)

type State int32

const (
	Idle State = iota
	Reconciling
	Sleeping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reconciling:
		return "reconciling"
	case Sleeping:
		return "sleeping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handle owns one running synchronizer loop.
type Handle struct {
	syncer  *Synchronizer
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
	state   atomic.Int32

	mu   sync.Mutex
	err  error
	last *Report
}

func (h *Handle) Target() Target { return h.syncer.Target() }

func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed once the loop is Terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the fatal error that terminated the loop, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) LastReport() (Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return Report{}, false
	}
	return *h.last, true
}

// Continuous reports whether the loop keeps running after the first cycle.
// Triggers only matter when it does.
func (h *Handle) Continuous() bool { return h.syncer.Continuous() }

// Trigger cuts the current sleep short. Triggers arriving while a cycle runs
// coalesce into one follow-up cycle. It has no effect once the loop is done.
func (h *Handle) Trigger() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to terminate.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
	observability.SetSyncState(h.syncer.target.Store, int(s))
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.setState(Terminated)
	s := h.syncer
	for {
		h.setState(Reconciling)
		rep, err := s.Reconcile(ctx)
		h.mu.Lock()
		h.last = &rep
		h.mu.Unlock()

		if ctx.Err() != nil {
			s.log.Info("synchronizer stopped")
			return
		}
		if err != nil {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			s.log.Error("synchronizer terminated", "cycle", rep.CycleID, "err", err)
			return
		}
		if !s.continuous {
			s.log.Info("one-shot synchronization complete",
				"added", len(rep.Added), "removed", len(rep.Removed), "failed", len(rep.Failures))
			return
		}

		h.setState(Sleeping)
		t := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("synchronizer stopped")
			return
		case <-h.trigger:
			t.Stop()
			s.log.Debug("synchronization triggered")
		case <-t.C:
		}
	}
}

// Registry keeps at most one live synchronizer per managed store.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: map[string]*Handle{}}
}

// Start launches s unless a live synchronizer already manages the same
// target, in which case that handle is returned. Cancelling ctx stops the
// loop like Handle.Stop.
func (r *Registry) Start(ctx context.Context, s *Synchronizer) (*Handle, error) {
	if s == nil {
		return nil, errors.New("layersync: nil synchronizer")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := s.Target().Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		select {
		case <-h.done:
		default:
			s.log.Debug("synchronizer already running")
			return h, nil
		}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		syncer:  s,
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	h.setState(Idle)
	r.handles[key] = h
	go h.run(loopCtx)
	return h, nil
}

func (r *Registry) Get(t Target) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[t.Key()]
	return h, ok
}

// StopAll stops every synchronizer started through r.
func (r *Registry) StopAll() {
	r.mu.Lock()
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h.Stop()
	}
}
