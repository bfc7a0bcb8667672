package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

// ListenerState is the in-memory plan state of one listener.
type ListenerState struct {
	// Digest of the last successful compile.
	Digest       string
	CompileError *types.CompileError
	// LastOutcome is a store.Plan* value, or empty before the first dispatch.
	LastOutcome string
	LastError   string
	// Nacks counts consecutive dispatches that had at least one NACK.
	Nacks     int
	UpdatedAt time.Time
}

// Tracker applies status transitions through the store and remembers
// per-listener compile and dispatch outcomes. Safe for concurrent use.
type Tracker struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.RWMutex
	listeners map[types.ListenerID]*ListenerState
}

// NewTracker creates a Tracker over s.
func NewTracker(s store.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:     s,
		log:       logger.With().Str("component", "status").Logger(),
		now:       time.Now,
		listeners: make(map[types.ListenerID]*ListenerState),
	}
}

// Transition validates tr against the state machine and applies it.
func (t *Tracker) Transition(ctx context.Context, ref types.EntityRef, tr types.Transition) error {
	if !Allowed(tr.From, tr.To) {
		return fmt.Errorf("%s: %s -> %s: %w", ref, tr.From, tr.To, types.ErrInvalidTransition)
	}
	tr.Reason = types.Truncate(tr.Reason, types.MaxStatusReasonLength)
	return t.store.SetStatus(ctx, ref, tr)
}

// Resolve moves a plan member out of PENDING after dispatch. to is ACTIVE
// or ERROR. ACTIVE members only move on ERROR (a NACK of a live step);
// members already resolved otherwise are left alone.
func (t *Tracker) Resolve(ctx context.Context, m rules.Member, to types.ProvisioningStatus, role Role, reason string) error {
	switch {
	case m.Status == types.PendingCreate, m.Status == types.PendingUpdate:
	case m.Status == types.Active && to == types.Error:
	default:
		return nil
	}
	if to == types.Active {
		reason = ""
	}

	err := t.Transition(ctx, m.Ref, types.Transition{
		From:      m.Status,
		To:        to,
		Operating: Operating(to, role),
		Revision:  m.Ref.Revision,
		Reason:    reason,
	})
	if errors.Is(err, types.ErrStatusConflict) || errors.Is(err, types.ErrNotFound) {
		t.log.Debug().Err(err).Str("entity", m.Ref.String()).Msg("stale result dropped")
		return nil
	}
	return err
}

// CompileFailed records cerr for the listener and moves the entities it
// names to ERROR. Pending entities are failed first; only when none of the
// named entities is pending are ACTIVE ones failed, so a conflict between a
// live entity and a new one blames the new one.
func (t *Tracker) CompileFailed(ctx context.Context, set *types.EntitySet, cerr *types.CompileError) error {
	t.update(set.ListenerID, func(s *ListenerState) {
		s.CompileError = cerr
		s.Digest = ""
	})

	var pending, live []types.Entity
	for _, id := range cerr.IDs() {
		e := set.Find(id)
		if e == nil {
			continue
		}
		switch st := e.Base().ProvisioningStatus; {
		case st == types.PendingCreate || st == types.PendingUpdate:
			pending = append(pending, e)
		case st == types.Active:
			live = append(live, e)
		}
	}
	targets := pending
	if len(targets) == 0 {
		targets = live
	}

	var errs []error
	for _, e := range targets {
		m := e.Base()
		member := rules.Member{Ref: m.Ref(e.Kind()), Status: m.ProvisioningStatus}
		if err := t.Resolve(ctx, member, types.Error, RoleStep, cerr.ReasonFor(m.ID)); err != nil {
			errs = append(errs, err)
			continue
		}
		t.log.Warn().
			Str("listener", string(set.ListenerID)).
			Str("entity", member.Ref.String()).
			Str("reason", cerr.ReasonFor(m.ID)).
			Msg("compile error moved entity to ERROR")
	}
	return errors.Join(errs...)
}

// Compiled records a successful compile.
func (t *Tracker) Compiled(listener types.ListenerID, digest string) {
	t.update(listener, func(s *ListenerState) {
		s.Digest = digest
		s.CompileError = nil
	})
}

// Dispatched records a dispatch outcome and returns the number of
// consecutive dispatches with NACKs, including this one.
func (t *Tracker) Dispatched(listener types.ListenerID, outcome, lastErr string, nacked bool) int {
	var n int
	t.update(listener, func(s *ListenerState) {
		s.LastOutcome = outcome
		s.LastError = lastErr
		if nacked {
			s.Nacks++
		} else {
			s.Nacks = 0
		}
		n = s.Nacks
	})
	return n
}

// ResetNacks clears the consecutive NACK counter.
func (t *Tracker) ResetNacks(listener types.ListenerID) {
	t.update(listener, func(s *ListenerState) { s.Nacks = 0 })
}

// State returns a copy of the listener's plan state.
func (t *Tracker) State(listener types.ListenerID) (ListenerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.listeners[listener]
	if !ok {
		return ListenerState{}, false
	}
	return *s, true
}

// Forget drops the state of a deleted listener.
func (t *Tracker) Forget(listener types.ListenerID) {
	t.mu.Lock()
	delete(t.listeners, listener)
	t.mu.Unlock()
}

func (t *Tracker) update(listener types.ListenerID, fn func(*ListenerState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.listeners[listener]
	if !ok {
		s = &ListenerState{}
		t.listeners[listener] = s
	}
	fn(s)
	s.UpdatedAt = t.now()
}

// EntityStatus is one row of a plan status report.
type EntityStatus struct {
	Ref                types.EntityRef          `json:"ref"`
	Name               string                   `json:"name"`
	ProvisioningStatus types.ProvisioningStatus `json:"provisioning_status"`
	OperatingStatus    types.OperatingStatus    `json:"operating_status"`
	Reason             string                   `json:"reason,omitempty"`
}

// PlanStatus answers get_plan_status.
type PlanStatus struct {
	ListenerID    types.ListenerID      `json:"listener_id"`
	Digest        string                `json:"digest"`
	AppliedDigest string                `json:"applied_digest"`
	AppliedAt     time.Time             `json:"applied_at"`
	Status        types.OperatingStatus `json:"status"`
	LastOutcome   string                `json:"last_outcome,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	Errors        []types.EntityError   `json:"errors,omitempty"`
	Entities      []EntityStatus        `json:"entities"`
}

// PlanStatus reports the listener's digests, compile errors and the status
// of every entity it owns.
func (t *Tracker) PlanStatus(ctx context.Context, listener types.ListenerID) (*PlanStatus, error) {
	set, err := t.store.GetEntities(ctx, listener)
	if err != nil {
		return nil, err
	}
	rec, err := t.store.GetPlanRecord(ctx, listener)
	if err != nil {
		return nil, err
	}
	state, _ := t.State(listener)

	ps := &PlanStatus{
		ListenerID:    listener,
		Digest:        state.Digest,
		AppliedDigest: rec.Digest,
		AppliedAt:     rec.AppliedAt,
		Status:        ListenerOperating(set, state.CompileError != nil),
		LastOutcome:   state.LastOutcome,
		LastError:     state.LastError,
		Entities:      make([]EntityStatus, 0, set.Len()),
	}
	if ps.LastOutcome == "" {
		ps.LastOutcome = rec.Status
		ps.LastError = rec.LastError
	}
	if state.CompileError != nil {
		ps.Errors = state.CompileError.Errors
	}
	set.Each(func(e types.Entity) {
		m := e.Base()
		ps.Entities = append(ps.Entities, EntityStatus{
			Ref:                m.Ref(e.Kind()),
			Name:               m.Name,
			ProvisioningStatus: m.ProvisioningStatus,
			OperatingStatus:    m.OperatingStatus,
			Reason:             m.StatusReason,
		})
	})
	return ps, nil
}
