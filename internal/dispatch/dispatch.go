// Package dispatch pushes compiled plans to the data plane and maps the
// per-step answers to status transitions.
//
// One dispatch is in flight per listener. A newer Dispatch for the same
// listener cancels the older one and waits for it to return; the older
// call reports ErrSuperseded and its late results are discarded (status
// updates are compare-and-set on revision, so a stale result can never
// resolve a newer mutation).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

// ErrSuperseded is returned by a dispatch cancelled by a newer one.
var ErrSuperseded = errors.New("dispatch superseded by a newer plan")

// Policy bounds data-plane attempts.
type Policy struct {
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
}

// DefaultPolicy is exponential backoff from 1s, capped at 30s, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		AttemptTimeout: 10 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
	}
}

// Outcome summarizes one Dispatch call.
type Outcome struct {
	ListenerID types.ListenerID
	Digest     string
	// Skipped is set when the plan digest matched the applied digest and
	// the data plane was not called.
	Skipped     bool
	Status      string
	Acked       []types.EntityRef
	Failed      []*types.DispatchError
	Purged      []types.EntityRef
	ForcePurged []types.EntityRef
}

// Nacked reports whether the data plane rejected any step.
func (o *Outcome) Nacked() bool {
	for _, f := range o.Failed {
		if f.Kind == types.DispatchNack {
			return true
		}
	}
	return false
}

// Err joins the per-entity failures, or returns nil.
func (o *Outcome) Err() error {
	errs := make([]error, len(o.Failed))
	for i, f := range o.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Option adjusts a single Dispatch call.
type Option func(*options)

type options struct {
	force bool
}

// Force dispatches even when the digest matches the applied digest. Used
// when the data plane reports drift.
func Force() Option {
	return func(o *options) { o.force = true }
}

type flight struct {
	cancel     context.CancelFunc
	done       chan struct{}
	superseded atomic.Bool
}

// Dispatcher applies plans through a DataPlane.
type Dispatcher struct {
	dp      DataPlane
	store   store.Store
	tracker *status.Tracker
	policy  Policy
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[types.ListenerID]*flight
}

// New creates a Dispatcher.
func New(dp DataPlane, s store.Store, tracker *status.Tracker, policy Policy, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		dp:       dp,
		store:    s,
		tracker:  tracker,
		policy:   policy,
		log:      logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
		inflight: make(map[types.ListenerID]*flight),
	}
}

// Dispatch applies plan and resolves the statuses of the entities it covers.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *rules.Plan, opts ...Option) (*Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, f, done := d.begin(ctx, plan.ListenerID)
	defer done()
	if err := d.interrupted(ctx, f); err != nil {
		return nil, err
	}

	log := d.log.With().Str("listener", string(plan.ListenerID)).Str("digest", plan.Digest).Logger()

	rec, err := d.store.GetPlanRecord(ctx, plan.ListenerID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{ListenerID: plan.ListenerID, Digest: plan.Digest}
	if !o.force && rec.Digest == plan.Digest {
		out.Skipped = true
		out.Status = store.PlanApplied
		if err := d.settleUnchanged(ctx, plan, out); err != nil {
			return nil, err
		}
		d.tracker.Dispatched(plan.ListenerID, out.Status, "", false)
		log.Debug().Msg("plan already applied")
		return out, nil
	}

	steps := plan.Dispatchable()
	results, complete := d.apply(ctx, plan, steps, log)
	if err := d.interrupted(ctx, f); err != nil {
		return nil, err
	}

	if err := d.resolveSteps(ctx, steps, results, out); err != nil {
		return nil, err
	}

	if complete {
		for _, m := range passive(plan) {
			if err := d.tracker.Resolve(ctx, m.member, types.Active, m.role, ""); err != nil {
				return nil, err
			}
		}
		d.retract(ctx, plan, out, log)
		if err := d.interrupted(ctx, f); err != nil {
			return nil, err
		}
	}

	out.Status = outcomeStatus(len(steps), len(out.Failed))
	if err := d.record(ctx, rec, plan, out); err != nil {
		return nil, err
	}

	var lastErr string
	if err := out.Err(); err != nil {
		lastErr = err.Error()
	}
	d.tracker.Dispatched(plan.ListenerID, out.Status, lastErr, out.Nacked())

	log.Info().
		Str("status", out.Status).
		Int("acked", len(out.Acked)).
		Int("failed", len(out.Failed)).
		Int("purged", len(out.Purged)).
		Msg("plan dispatched")
	return out, nil
}

// Drifted reports whether the data plane runs a different plan than the
// one last recorded as applied. Data planes that cannot report a digest
// never drift.
func (d *Dispatcher) Drifted(ctx context.Context, listener types.ListenerID) (bool, error) {
	dr, ok := d.dp.(DigestReporter)
	if !ok {
		return false, nil
	}
	rec, err := d.store.GetPlanRecord(ctx, listener)
	if err != nil {
		return false, err
	}
	if rec.Digest == "" {
		return false, nil
	}
	got, err := dr.AppliedDigest(ctx, listener)
	if err != nil {
		return false, fmt.Errorf("failed to read applied digest: %w", err)
	}
	return got != rec.Digest, nil
}

func (d *Dispatcher) begin(ctx context.Context, id types.ListenerID) (context.Context, *flight, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	prev := d.inflight[id]
	d.inflight[id] = f
	d.mu.Unlock()

	if prev != nil {
		prev.superseded.Store(true)
		prev.cancel()
		<-prev.done
	}

	return ctx, f, func() {
		cancel()
		d.mu.Lock()
		if d.inflight[id] == f {
			delete(d.inflight, id)
		}
		d.mu.Unlock()
		close(f.done)
	}
}

func (d *Dispatcher) interrupted(ctx context.Context, f *flight) error {
	if f.superseded.Load() {
		return ErrSuperseded
	}
	return ctx.Err()
}

func (d *Dispatcher) retryOptions(ctx context.Context, log zerolog.Logger, what string, retryIf retry.RetryIfFunc) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(max(d.policy.MaxAttempts, 1))),
		retry.Delay(d.policy.BaseDelay),
		retry.MaxDelay(d.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryIf),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Msgf("%s failed, attempt: %d", what, attempt+1)
		}),
	}
}

// apply runs Apply until every step has an ACK or NACK or the attempt
// budget is spent. complete is false if any step was left unanswered.
func (d *Dispatcher) apply(ctx context.Context, plan *rules.Plan, steps []rules.Step, log zerolog.Logger) (map[types.EntityRef]StepResult, bool) {
	want := make(map[types.EntityRef]bool, len(steps))
	for _, s := range steps {
		want[s.Ref] = true
	}
	final := make(map[types.EntityRef]StepResult, len(steps))

	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		defer cancel()

		ch, err := d.dp.Apply(actx, plan)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, types.ErrNack):
			for ref := range want {
				if _, ok := final[ref]; !ok {
					final[ref] = StepResult{Ref: ref, Result: Nack, Reason: err.Error()}
				}
			}
			return nil
		case err != nil:
			return fmt.Errorf("apply: %v: %w", err, types.ErrTimeout)
		}

	collect:
		for {
			select {
			case r, ok := <-ch:
				if !ok {
					break collect
				}
				if !want[r.Ref] || r.Result == Timeout {
					continue
				}
				if _, seen := final[r.Ref]; !seen {
					final[r.Ref] = r
				}
			case <-actx.Done():
				break collect
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n := len(want) - len(final); n > 0 {
			return fmt.Errorf("%d of %d steps unanswered: %w", n, len(want), types.ErrTimeout)
		}
		return nil
	}

	err := retry.Do(attempt, d.retryOptions(ctx, log, "apply", func(err error) bool {
		return errors.Is(err, types.ErrTimeout)
	})...)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("apply retry budget exhausted")
	}
	return final, len(final) == len(want)
}

type passiveMember struct {
	member rules.Member
	role   status.Role
}

func passive(plan *rules.Plan) []passiveMember {
	var out []passiveMember
	for _, s := range plan.Steps {
		if s.State == rules.StepInactive {
			out = append(out, passiveMember{member: rules.Member{Ref: s.Ref, Status: s.Status}, role: status.RoleInactive})
		}
	}
	for _, m := range plan.Unbound {
		out = append(out, passiveMember{member: m, role: status.RoleUnbound})
	}
	return out
}

// resolveSteps maps step results to transitions. A bound condition becomes
// ACTIVE when any step using it is acknowledged and ERROR when all of them
// failed.
func (d *Dispatcher) resolveSteps(ctx context.Context, steps []rules.Step, results map[types.EntityRef]StepResult, out *Outcome) error {
	type condState struct {
		member rules.Member
		acked  bool
		reason string
	}
	var condOrder []types.EntityRef
	conds := make(map[types.EntityRef]*condState)

	for _, s := range steps {
		member := rules.Member{Ref: s.Ref, Status: s.Status}
		r, ok := results[s.Ref]

		var derr *types.DispatchError
		switch {
		case ok && r.Result == Ack:
			out.Acked = append(out.Acked, s.Ref)
			if err := d.tracker.Resolve(ctx, member, types.Active, status.RoleStep, ""); err != nil {
				return err
			}
		case ok && r.Result == Nack:
			derr = &types.DispatchError{Kind: types.DispatchNack, Ref: s.Ref, Reason: r.Reason}
		default:
			derr = &types.DispatchError{Kind: types.DispatchTimeout, Ref: s.Ref, Reason: "no answer within retry budget"}
		}
		if derr != nil {
			out.Failed = append(out.Failed, derr)
			// An unanswered live step keeps running on the data plane.
			if derr.Kind == types.DispatchNack || s.Status != types.Active {
				if err := d.tracker.Resolve(ctx, member, types.Error, status.RoleStep, derr.Error()); err != nil {
					return err
				}
			}
		}

		if s.Condition == nil {
			continue
		}
		cs, seen := conds[s.Condition.Ref]
		if !seen {
			cs = &condState{member: *s.Condition}
			conds[s.Condition.Ref] = cs
			condOrder = append(condOrder, s.Condition.Ref)
		}
		if derr == nil {
			cs.acked = true
		} else if cs.reason == "" {
			cs.reason = derr.Error()
		}
	}

	for _, ref := range condOrder {
		cs := conds[ref]
		to, reason := types.Active, ""
		if !cs.acked {
			if cs.member.Status == types.Active {
				continue
			}
			to, reason = types.Error, "every step using this condition failed: "+cs.reason
		}
		if err := d.tracker.Resolve(ctx, cs.member, to, status.RoleStep, reason); err != nil {
			return err
		}
	}
	return nil
}

// retract confirms removal of PENDING_DELETE entities and purges them. After
// the retry budget the entities are purged anyway and logged.
func (d *Dispatcher) retract(ctx context.Context, plan *rules.Plan, out *Outcome, log zerolog.Logger) {
	if len(plan.Retract) == 0 {
		return
	}

	err := retry.Do(func() error {
		actx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		defer cancel()
		return d.dp.Retract(actx, plan.ListenerID, plan.Retract)
	}, d.retryOptions(ctx, log, "retract", func(error) bool { return ctx.Err() == nil })...)
	if ctx.Err() != nil {
		return
	}

	force := err != nil
	for _, ref := range plan.Retract {
		perr := d.store.DeleteIfConfirmed(ctx, ref)
		switch {
		case perr == nil && force:
			out.ForcePurged = append(out.ForcePurged, ref)
		case perr == nil:
			out.Purged = append(out.Purged, ref)
		case errors.Is(perr, types.ErrNotFound), errors.Is(perr, types.ErrNotPendingDelete):
			log.Debug().Err(perr).Str("entity", ref.String()).Msg("purge skipped")
		default:
			log.Error().Err(perr).Str("entity", ref.String()).Msg("failed to purge entity")
		}
	}

	if force && len(out.ForcePurged) > 0 {
		ids := make([]string, len(out.ForcePurged))
		for i, ref := range out.ForcePurged {
			ids[i] = ref.String()
		}
		log.Error().Err(err).Strs("entities", ids).
			Msg("retract retry budget exhausted, entities force-purged; data plane may be inconsistent")
	}
}

// settleUnchanged resolves pending entities of a plan that is already
// applied, without calling the data plane.
func (d *Dispatcher) settleUnchanged(ctx context.Context, plan *rules.Plan, out *Outcome) error {
	for _, s := range plan.Dispatchable() {
		if err := d.tracker.Resolve(ctx, rules.Member{Ref: s.Ref, Status: s.Status}, types.Active, status.RoleStep, ""); err != nil {
			return err
		}
		if s.Condition != nil {
			if err := d.tracker.Resolve(ctx, *s.Condition, types.Active, status.RoleStep, ""); err != nil {
				return err
			}
		}
	}
	for _, m := range passive(plan) {
		if err := d.tracker.Resolve(ctx, m.member, types.Active, m.role, ""); err != nil {
			return err
		}
	}
	for _, ref := range plan.Retract {
		err := d.store.DeleteIfConfirmed(ctx, ref)
		switch {
		case err == nil:
			out.Purged = append(out.Purged, ref)
		case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNotPendingDelete):
		default:
			return err
		}
	}
	return nil
}

// record persists the outcome. The applied digest only moves when every
// step was acknowledged.
func (d *Dispatcher) record(ctx context.Context, prev *store.PlanRecord, plan *rules.Plan, out *Outcome) error {
	rec := &store.PlanRecord{
		ListenerID: plan.ListenerID,
		Digest:     prev.Digest,
		AppliedAt:  prev.AppliedAt,
		Status:     out.Status,
	}
	if out.Status == store.PlanApplied {
		rec.Digest = plan.Digest
		rec.AppliedAt = d.now().UTC()
	}
	if err := out.Err(); err != nil {
		rec.LastError = err.Error()
	}
	return d.store.PutPlanRecord(ctx, rec)
}

func outcomeStatus(steps, failed int) string {
	switch {
	case failed == 0:
		return store.PlanApplied
	case failed < steps:
		return store.PlanPartial
	}
	return store.PlanFailed
}
