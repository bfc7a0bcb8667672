// Package reconciler drives listeners toward their declared rule set:
// compile, record compile errors, dispatch, and sweep periodically for
// listeners that are pending, out of date, or drifted on the data plane.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/l7plane/internal/dispatch"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
	"golang.org/x/sync/errgroup"
)

// maxCompilePasses bounds recompiles after compile errors moved entities
// to ERROR within one reconcile.
const maxCompilePasses = 3

// Config tunes the loop.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxConcurrency bounds listeners reconciled in parallel by a sweep.
	MaxConcurrency int
	// NackThreshold is the number of consecutive dispatches with NACKs on
	// one listener that triggers a full sweep. Zero disables it.
	NackThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, MaxConcurrency: 8, NackThreshold: 3}
}

// pipeline serializes reconciles of one listener. slot is held for a whole
// compile and dispatch, so a sweep never dispatches a plan compiled before
// one the pipeline is dispatching. cancel ends the reconcile holding slot.
type pipeline struct {
	trigger chan struct{}
	slot    chan struct{}
	cancel  context.CancelFunc
	running bool
}

// Reconciler runs one pipeline goroutine per triggered listener plus a
// periodic sweep.
type Reconciler struct {
	store      store.Store
	locker     *store.Locker
	engine     *rules.Engine
	tracker    *status.Tracker
	dispatcher *dispatch.Dispatcher
	cfg        Config
	log        zerolog.Logger

	sweepCh chan struct{}

	mu        sync.Mutex
	runCtx    context.Context
	pipelines map[types.ListenerID]*pipeline
	queued    map[types.ListenerID]struct{}
	wg        sync.WaitGroup
}

// New creates a Reconciler. locker must be the one the service uses for
// mutations so compile reads never interleave with writes.
func New(
	s store.Store,
	locker *store.Locker,
	engine *rules.Engine,
	tracker *status.Tracker,
	dispatcher *dispatch.Dispatcher,
	cfg Config,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		store:      s,
		locker:     locker,
		engine:     engine,
		tracker:    tracker,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.With().Str("component", "reconciler").Logger(),
		sweepCh:    make(chan struct{}, 1),
		pipelines:  make(map[types.ListenerID]*pipeline),
		queued:     make(map[types.ListenerID]struct{}),
	}
}

// Run sweeps once, then on every interval and on RequestSweep, until ctx
// is done. Pipelines started by Trigger stop with ctx as well.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.mu.Lock()
	r.runCtx = ctx
	queued := r.queued
	r.queued = make(map[types.ListenerID]struct{})
	r.mu.Unlock()
	for id := range queued {
		r.Trigger(id)
	}

	r.log.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			// Triggers from here on are queued for the next Run.
			r.mu.Lock()
			r.runCtx = nil
			r.mu.Unlock()
			r.wg.Wait()
			r.log.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.sweepCh:
			r.log.Info().Msg("forced sweep")
			r.sweep(ctx)
		}
	}
}

// Trigger schedules a reconcile of listener after a mutation. A reconcile
// of the listener already in flight is cancelled, so the newer plan
// supersedes it. Triggers coalesce: any number of calls while a reconcile
// is running yield one more run.
func (r *Reconciler) Trigger(listener types.ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runCtx == nil {
		r.queued[listener] = struct{}{}
		return
	}
	p := r.pipelineLocked(listener)
	if p.cancel != nil {
		p.cancel()
	}
	if !p.running {
		p.running = true
		r.wg.Add(1)
		go r.runPipeline(r.runCtx, listener, p)
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RequestSweep schedules a full sweep.
func (r *Reconciler) RequestSweep() {
	select {
	case r.sweepCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) pipelineLocked(listener types.ListenerID) *pipeline {
	p, ok := r.pipelines[listener]
	if !ok {
		p = &pipeline{trigger: make(chan struct{}, 1), slot: make(chan struct{}, 1)}
		r.pipelines[listener] = p
	}
	return p
}

func (r *Reconciler) runPipeline(ctx context.Context, listener types.ListenerID, p *pipeline) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		p.running = false
		r.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			_, err := r.Reconcile(ctx, listener)
			if errors.Is(err, types.ErrListenerNotFound) {
				r.mu.Lock()
				if r.pipelines[listener] == p {
					delete(r.pipelines, listener)
				}
				r.mu.Unlock()
				r.tracker.Forget(listener)
				return
			}
			r.logFailure(listener, err)
		}
	}
}

// Reconcile compiles and dispatches one listener now. It waits for any
// reconcile of the listener already in flight.
func (r *Reconciler) Reconcile(ctx context.Context, listener types.ListenerID) (*dispatch.Outcome, error) {
	drifted, err := r.dispatcher.Drifted(ctx, listener)
	if err != nil {
		r.log.Warn().Err(err).Str("listener", string(listener)).Msg("drift check failed")
	}
	return r.run(ctx, listener, drifted)
}

// run holds the listener's slot for one compile and dispatch. A Trigger
// during the run cancels it; the run then reports ErrSuperseded.
func (r *Reconciler) run(ctx context.Context, listener types.ListenerID, force bool) (*dispatch.Outcome, error) {
	r.mu.Lock()
	p := r.pipelineLocked(listener)
	r.mu.Unlock()

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slot }()

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	p.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		p.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	out, err := r.reconcile(runCtx, listener, force)
	if err != nil && ctx.Err() == nil && runCtx.Err() != nil {
		return nil, dispatch.ErrSuperseded
	}
	return out, err
}

func (r *Reconciler) reconcile(ctx context.Context, listener types.ListenerID, force bool) (*dispatch.Outcome, error) {
	log := r.log.With().Str("listener", string(listener)).Logger()

	var plan *rules.Plan
	for pass := 1; ; pass++ {
		set, p, err := r.compile(ctx, listener)
		var cerr *types.CompileError
		if errors.As(err, &cerr) {
			log.Warn().Err(cerr).Int("pass", pass).Msg("compile failed")
			if ferr := r.tracker.CompileFailed(ctx, set, cerr); ferr != nil {
				return nil, ferr
			}
			if pass < maxCompilePasses {
				continue
			}
			return nil, cerr
		}
		if err != nil {
			return nil, err
		}
		plan = p
		break
	}
	r.tracker.Compiled(listener, plan.Digest)

	var opts []dispatch.Option
	if force {
		log.Warn().Msg("data plane drifted, forcing dispatch")
		opts = append(opts, dispatch.Force())
	}
	out, err := r.dispatcher.Dispatch(ctx, plan, opts...)
	if err != nil {
		return nil, err
	}

	if out.Nacked() && r.cfg.NackThreshold > 0 {
		if st, _ := r.tracker.State(listener); st.Nacks >= r.cfg.NackThreshold {
			log.Warn().Int("nacks", st.Nacks).Msg("consecutive NACKs, requesting full sweep")
			r.tracker.ResetNacks(listener)
			r.RequestSweep()
		}
	}
	return out, nil
}

func (r *Reconciler) compile(ctx context.Context, listener types.ListenerID) (*types.EntitySet, *rules.Plan, error) {
	unlock := r.locker.Lock(listener)
	defer unlock()

	set, err := r.store.GetEntities(ctx, listener)
	if err != nil {
		return nil, nil, err
	}
	plan, err := r.engine.Compile(set)
	return set, plan, err
}

type candidate struct {
	id    types.ListenerID
	force bool
}

// candidates returns listeners with pending entities, a compiled digest
// that differs from the applied one (or none yet), or data-plane drift.
func (r *Reconciler) candidates(ctx context.Context) ([]candidate, error) {
	pendingIDs, err := r.store.ListPendingListeners(ctx)
	if err != nil {
		return nil, err
	}
	pending := make(map[types.ListenerID]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		pending[id] = true
	}

	listeners, err := r.store.ListListeners(ctx)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, l := range listeners {
		need := pending[l.ID]
		if !need {
			st, known := r.tracker.State(l.ID)
			rec, err := r.store.GetPlanRecord(ctx, l.ID)
			if err != nil {
				r.log.Warn().Err(err).Str("listener", string(l.ID)).Msg("failed to read plan record")
				continue
			}
			need = !known || st.Digest == "" || st.Digest != rec.Digest
		}

		drifted, err := r.dispatcher.Drifted(ctx, l.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("listener", string(l.ID)).Msg("drift check failed")
		}
		if need || drifted {
			out = append(out, candidate{id: l.ID, force: drifted})
		}
	}
	return out, nil
}

func (r *Reconciler) sweep(ctx context.Context) {
	start := time.Now()
	cands, err := r.candidates(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list listeners for sweep, will try later")
		return
	}

	var g errgroup.Group
	g.SetLimit(max(r.cfg.MaxConcurrency, 1))
	for _, c := range cands {
		g.Go(func() error {
			_, err := r.run(ctx, c.id, c.force)
			r.logFailure(c.id, err)
			return nil
		})
	}
	g.Wait()

	r.log.Debug().Int("listeners", len(cands)).Dur("took", time.Since(start)).Msg("sweep done")
}

func (r *Reconciler) logFailure(listener types.ListenerID, err error) {
	var cerr *types.CompileError
	switch {
	case err == nil, errors.Is(err, dispatch.ErrSuperseded), errors.Is(err, context.Canceled):
	case errors.As(err, &cerr):
		r.log.Warn().Err(err).Str("listener", string(listener)).Msg("listener has compile errors, retrying next sweep")
	default:
		r.log.Error().Err(err).Str("listener", string(listener)).Msg("reconcile failed")
	}
}
