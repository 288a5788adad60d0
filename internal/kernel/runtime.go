// Package kernel drives runs: one goroutine per run serializes every state
// mutation, ticking load -> execute -> route -> apply -> checkpoint until a
// terminal status. The Runtime container owns the flow registry, the durable
// store, the bus, and the engine adapters; nothing in here is global.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EffortlessMetrics/switchyard/internal/bus"
	"github.com/EffortlessMetrics/switchyard/internal/engine"
	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/route"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/state"
	"github.com/EffortlessMetrics/switchyard/internal/validate"
)

// Config wires a Runtime. Store and Executor are required; everything else
// has a working default.
type Config struct {
	Store    *state.Store
	Executor engine.Executor
	Oracle   route.Oracle
	Bus      bus.EventBus

	// EventStore mirrors events into a replayable store; optional.
	EventStore bus.EventStore

	Logger zerolog.Logger

	Retry engine.RetryConfig

	// EngineTimeout bounds one station visit; 0 means no deadline.
	EngineTimeout time.Duration

	// HeartbeatInterval spaces liveness events while an engine call is in
	// flight. 0 disables heartbeats.
	HeartbeatInterval time.Duration

	LeaseTTL time.Duration
}

// Runtime is the per-process container for all running flows.
type Runtime struct {
	cfg   Config
	store *state.Store
	bus   bus.EventBus
	log   zerolog.Logger

	// baseCtx bounds every worker loop; caller contexts stay request-scoped.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	flows   map[string]*flow.Graph
	workers map[string]*worker
	closed  bool
}

func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kernel: store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("kernel: executor is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewMemBus(bus.MemBusConfig{})
	}
	if cfg.Oracle == nil {
		cfg.Oracle = engine.PriorityOracle{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = engine.DefaultRetryConfig()
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:        cfg,
		store:      cfg.Store,
		bus:        cfg.Bus,
		log:        cfg.Logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		flows:      map[string]*flow.Graph{},
		workers:    map[string]*worker{},
	}, nil
}

// RegisterFlow adds a validated graph to the registry. Detour flows register
// the same way as main flows.
func (r *Runtime) RegisterFlow(g *flow.Graph) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("%w: graph missing id", runtime.ErrInvalidSpec)
	}
	if err := validate.ValidateOrError(g); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrInvalidSpec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[g.ID] = g
	return nil
}

func (r *Runtime) Flow(flowID string) (*flow.Graph, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.flows[flowID]
	return g, ok
}

// CreateRun materializes a new run and starts its worker.
func (r *Runtime) CreateRun(ctx context.Context, flowID string, params map[string]any) (runID, etag string, err error) {
	g, ok := r.Flow(flowID)
	if !ok {
		return "", "", fmt.Errorf("flow %q: %w", flowID, runtime.ErrUnknownFlow)
	}
	start := g.StartNode()
	if start == nil {
		return "", "", fmt.Errorf("flow %q has no start node: %w", flowID, runtime.ErrInvalidSpec)
	}
	for k := range params {
		if k == "" {
			return "", "", fmt.Errorf("empty param key: %w", runtime.ErrInvalidParams)
		}
	}

	st := runtime.NewRunState(state.NewRunID(), flowID, start.ID, params)
	etag, err = r.store.CreateRun(st)
	if err != nil {
		return "", "", err
	}

	w, err := r.startWorker(g, st, etag, true)
	if err != nil {
		return "", "", err
	}
	return st.RunID, w.currentEtag(), nil
}

// ResumeRun reattaches a worker to a run found on disk, recovering the event
// log first. A live lease from another worker refuses the takeover.
func (r *Runtime) ResumeRun(ctx context.Context, runID string) (etag string, err error) {
	st, etag, err := r.store.LoadState(runID)
	if err != nil {
		return "", err
	}
	if st.Status.Terminal() {
		return etag, nil
	}
	g, ok := r.Flow(st.FlowID)
	if !ok {
		return "", fmt.Errorf("flow %q: %w", st.FlowID, runtime.ErrUnknownFlow)
	}
	if _, _, err := r.store.RecoverLog(runID); err != nil {
		return "", err
	}
	if _, err := r.startWorker(g, st, etag, false); err != nil {
		return "", err
	}
	return etag, nil
}

// startWorker runs the loop on the runtime's own context: the run must
// outlive the request that created it.
func (r *Runtime) startWorker(g *flow.Graph, st *runtime.RunState, etag string, fresh bool) (*worker, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("kernel: runtime closed")
	}
	if _, exists := r.workers[st.RunID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s already has a worker: %w", st.RunID, runtime.ErrConflict)
	}
	r.mu.Unlock()

	token, err := r.store.AcquireLease(st.RunID, r.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	st.OwnerToken = token
	st.LeaseExpiresAt = time.Now().UTC().Add(r.cfg.LeaseTTL)

	w := newWorker(r, g, st, etag)

	r.mu.Lock()
	r.workers[st.RunID] = w
	r.mu.Unlock()

	// run_created must land before the loop can emit run_started.
	if fresh {
		w.emitInitial()
	}
	go w.loop(r.baseCtx)
	return w, nil
}

func (r *Runtime) worker(runID string) (*worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, runtime.ErrUnknownRun)
	}
	return w, nil
}

func (r *Runtime) removeWorker(runID string) {
	r.mu.Lock()
	delete(r.workers, runID)
	r.mu.Unlock()
}

// GetState returns a snapshot and its etag, preferring the live worker's
// view over disk.
func (r *Runtime) GetState(runID string) (*runtime.RunState, string, error) {
	if w, err := r.worker(runID); err == nil {
		return w.snapshot()
	}
	return r.store.LoadState(runID)
}

func (r *Runtime) Pause(runID, etag string) (string, error) {
	w, err := r.worker(runID)
	if err != nil {
		return "", err
	}
	return w.requestPause(etag)
}

func (r *Runtime) Resume(runID, etag string) (string, error) {
	w, err := r.worker(runID)
	if err != nil {
		return "", err
	}
	return w.requestResume(etag)
}

func (r *Runtime) Cancel(runID, etag string) (string, error) {
	w, err := r.worker(runID)
	if err != nil {
		return "", err
	}
	return w.requestCancel(etag)
}

// InjectNode queues an ad-hoc station visit as a detour.
func (r *Runtime) InjectNode(runID, etag string, spec runtime.NodeSpec, position runtime.DetourPosition) (string, error) {
	w, err := r.worker(runID)
	if err != nil {
		return "", err
	}
	return w.requestInjectNode(etag, spec, position)
}

// Interrupt queues a registered detour flow; its start node is injected and
// the flow runs to one of its terminals before the main flow resumes.
func (r *Runtime) Interrupt(runID, etag, detourFlowID, resumeAfter string) (string, error) {
	w, err := r.worker(runID)
	if err != nil {
		return "", err
	}
	detour, ok := r.Flow(detourFlowID)
	if !ok {
		return "", fmt.Errorf("detour flow %q: %w", detourFlowID, runtime.ErrUnknownFlow)
	}
	entry := detour.StartNode()
	if entry == nil {
		return "", fmt.Errorf("detour flow %q has no start node: %w", detourFlowID, runtime.ErrInvalidSpec)
	}
	return w.requestInterrupt(etag, detourFlowID, entry.ID, resumeAfter)
}

// SubscribeEvents replays persisted events from fromSeq, then follows the
// live stream. The returned channel closes when ctx ends.
func (r *Runtime) SubscribeEvents(ctx context.Context, runID string, fromSeq uint64) (<-chan runtime.Event, error) {
	if _, _, err := r.GetState(runID); err != nil {
		return nil, err
	}
	var history []runtime.Event
	if fromSeq > 0 {
		var err error
		history, err = r.store.ReadEvents(runID, fromSeq)
		if err != nil {
			return nil, err
		}
	}
	sub := r.bus.Subscribe(runID)

	out := make(chan runtime.Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		lastSeq := uint64(0)
		for _, ev := range history {
			select {
			case out <- ev:
				lastSeq = ev.Seq
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				// Drop live events already replayed from the log.
				if ev.Seq != 0 && ev.Seq <= lastSeq {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListRuns returns every run id known to the store.
func (r *Runtime) ListRuns() ([]string, error) {
	return r.store.ListRuns()
}

// WaitRun blocks until the run's worker exits and returns the final status.
func (r *Runtime) WaitRun(ctx context.Context, runID string) (runtime.RunStatus, error) {
	w, err := r.worker(runID)
	if err != nil {
		// Worker already gone; report what the store has.
		st, _, lerr := r.store.LoadState(runID)
		if lerr != nil {
			return "", lerr
		}
		return st.Status, nil
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	st, _, err := r.store.LoadState(runID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// Close cancels all workers and shuts the bus down.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
	for _, w := range workers {
		<-w.done
	}
	r.baseCancel()
	if r.cfg.EventStore != nil {
		_ = r.cfg.EventStore.Close()
	}
	return r.bus.Close()
}
