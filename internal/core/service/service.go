// Package service implements the API-facing operations of the control
// plane: validated mutations of listeners, conditions, ACLs and rules,
// request_recompile and get_plan_status.
//
// Every mutation runs under the listener lock, so name uniqueness checks
// and the store write are atomic with respect to other mutations and to
// compilation of the same listener. Status writes by the dispatcher are not
// serialized by the lock; updates and deletes re-read and retry when their
// compare-and-set loses against one.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

// Recompiler schedules compilation and dispatch of a listener.
type Recompiler interface {
	Trigger(listener types.ListenerID)
}

const (
	conflictAttempts = 5
	conflictDelay    = 10 * time.Millisecond
)

// Service validates and applies entity mutations.
type Service struct {
	store      store.Store
	locker     *store.Locker
	tracker    *status.Tracker
	recompiler Recompiler
	log        zerolog.Logger
}

// New creates a Service. recompiler may be nil, in which case mutations
// are only picked up by the reconciler's periodic sweep.
func New(s store.Store, locker *store.Locker, tracker *status.Tracker, recompiler Recompiler, logger zerolog.Logger) (*Service, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	return &Service{
		store:      s,
		locker:     locker,
		tracker:    tracker,
		recompiler: recompiler,
		log:        logger.With().Str("component", "service").Logger(),
	}, nil
}

// CreateListener registers a listener. ID is generated when empty.
func (s *Service) CreateListener(ctx context.Context, l *types.Listener) (*types.Listener, error) {
	if l == nil {
		return nil, types.NewValidationError(types.ReasonMissingField, "listener", "listener is required")
	}
	next := *l
	if next.ID == "" {
		next.ID = types.NewListenerID()
	}
	if err := validateListener(&next); err != nil {
		return nil, err
	}
	if err := s.store.CreateListener(ctx, &next); err != nil {
		return nil, err
	}
	s.log.Info().Str("listener_id", string(next.ID)).Msg("listener created")
	return &next, nil
}

func (s *Service) GetListener(ctx context.Context, id types.ListenerID) (*types.Listener, error) {
	return s.store.GetListener(ctx, id)
}

func (s *Service) ListListeners(ctx context.Context) ([]types.Listener, error) {
	return s.store.ListListeners(ctx)
}

// DeleteListener removes a listener that owns no entities.
func (s *Service) DeleteListener(ctx context.Context, id types.ListenerID) error {
	unlock := s.locker.Lock(id)
	defer unlock()

	if err := s.store.DeleteListener(ctx, id); err != nil {
		return err
	}
	s.tracker.Forget(id)
	s.log.Info().Str("listener_id", string(id)).Msg("listener deleted")
	return nil
}

// Create validates e and stores it in PENDING_CREATE. Empty ID and
// TenantID are defaulted (a new UUIDv7, the listener's tenant).
func (s *Service) Create(ctx context.Context, e types.Entity) (types.Entity, error) {
	if e == nil {
		return nil, types.NewValidationError(types.ReasonMissingField, "entity", "entity is required")
	}
	e = store.CloneEntity(e)
	m := e.Base()
	if m.ID == "" {
		m.ID = types.NewEntityID()
	}
	if err := validateEntity(e); err != nil {
		return nil, err
	}

	unlock := s.locker.Lock(m.ListenerID)
	defer unlock()

	l, err := s.listener(ctx, m.ListenerID)
	if err != nil {
		return nil, err
	}
	if m.TenantID == "" {
		m.TenantID = l.TenantID
	}
	if err := s.checkUniqueName(ctx, e); err != nil {
		return nil, err
	}

	m.ProvisioningStatus = types.PendingCreate
	m.OperatingStatus = types.Offline
	m.StatusReason = ""
	if err := s.store.CreateEntity(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("listener_id", string(m.ListenerID)).
		Str("kind", string(e.Kind())).
		Str("id", string(m.ID)).
		Str("name", m.Name).
		Msg("entity created")
	s.trigger(m.ListenerID)
	return s.store.GetEntity(ctx, e.Kind(), m.ID)
}

// Update applies mutate to a copy of the stored entity and writes the
// result. The entity moves to PENDING_UPDATE, except that an entity still
// in PENDING_CREATE stays there. Updating an entity in PENDING_DELETE is
// rejected.
func (s *Service) Update(ctx context.Context, kind types.Kind, id types.EntityID, mutate func(types.Entity) error) (types.Entity, error) {
	cur, err := s.store.GetEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	listener := cur.Base().ListenerID

	unlock := s.locker.Lock(listener)
	defer unlock()

	var next types.Entity
	err = retry.Do(
		func() error {
			cur, err := s.store.GetEntity(ctx, kind, id)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			next, err = s.prepareUpdate(ctx, cur, mutate)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return s.store.UpdateEntity(ctx, next, cur.Base().ProvisioningStatus)
		},
		s.conflictRetry(ctx)...,
	)
	if err != nil {
		return nil, err
	}

	m := next.Base()
	s.log.Info().
		Str("listener_id", string(listener)).
		Str("kind", string(kind)).
		Str("id", string(id)).
		Int64("revision", m.Revision).
		Str("status", string(m.ProvisioningStatus)).
		Msg("entity updated")
	s.trigger(listener)
	return s.store.GetEntity(ctx, kind, id)
}

func (s *Service) prepareUpdate(ctx context.Context, cur types.Entity, mutate func(types.Entity) error) (types.Entity, error) {
	cm := cur.Base()
	if cm.ProvisioningStatus == types.PendingDelete {
		return nil, types.NewValidationError(types.ReasonPendingDelete, "", "%s %s is pending delete", cur.Kind(), cm.ID)
	}

	next := store.CloneEntity(cur)
	if err := mutate(next); err != nil {
		return nil, err
	}
	nm := next.Base()
	if err := checkImmutable(cm, nm); err != nil {
		return nil, err
	}
	if err := validateEntity(next); err != nil {
		return nil, err
	}
	if err := s.checkUniqueName(ctx, next); err != nil {
		return nil, err
	}

	to := types.PendingUpdate
	if cm.ProvisioningStatus == types.PendingCreate {
		to = types.PendingCreate
	}
	if !status.Allowed(cm.ProvisioningStatus, to) {
		return nil, fmt.Errorf("%s %s: %s -> %s: %w", cur.Kind(), cm.ID, cm.ProvisioningStatus, to, types.ErrInvalidTransition)
	}
	nm.ProvisioningStatus = to
	nm.OperatingStatus = types.Offline
	nm.StatusReason = ""
	nm.Revision = cm.Revision
	nm.Seq = cm.Seq
	return next, nil
}

// Delete moves an entity to PENDING_DELETE. It is purged once the data
// plane confirms the retraction. Deleting an entity already pending delete
// is a no-op.
func (s *Service) Delete(ctx context.Context, kind types.Kind, id types.EntityID) error {
	cur, err := s.store.GetEntity(ctx, kind, id)
	if err != nil {
		return err
	}
	listener := cur.Base().ListenerID

	unlock := s.locker.Lock(listener)
	defer unlock()

	var done bool
	err = retry.Do(
		func() error {
			cur, err := s.store.GetEntity(ctx, kind, id)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			m := cur.Base()
			switch m.ProvisioningStatus {
			case types.PendingDelete:
				done = true
				return nil
			case types.PendingCreate:
				return retry.Unrecoverable(types.NewValidationError(types.ReasonPendingCreate, "",
					"%s %s is pending create", kind, id))
			}
			if c, ok := cur.(*types.Condition); ok {
				if err := s.checkConditionUnused(ctx, c); err != nil {
					return retry.Unrecoverable(err)
				}
			}
			err = s.tracker.Transition(ctx, m.Ref(kind), types.Transition{
				From:      m.ProvisioningStatus,
				To:        types.PendingDelete,
				Operating: types.Offline,
				Revision:  m.Revision,
			})
			if errors.Is(err, types.ErrStatusConflict) {
				return err
			}
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		s.conflictRetry(ctx)...,
	)
	if err != nil || done {
		return err
	}

	s.log.Info().
		Str("listener_id", string(listener)).
		Str("kind", string(kind)).
		Str("id", string(id)).
		Msg("entity pending delete")
	s.trigger(listener)
	return nil
}

func (s *Service) Get(ctx context.Context, kind types.Kind, id types.EntityID) (types.Entity, error) {
	return s.store.GetEntity(ctx, kind, id)
}

func (s *Service) List(ctx context.Context, kind types.Kind, filter store.ListFilter) ([]types.Entity, error) {
	if !kind.Valid() {
		return nil, types.NewValidationError(types.ReasonInvalidField, "kind", "unknown entity kind %q", kind)
	}
	return s.store.ListEntities(ctx, kind, filter)
}

// RequestRecompile schedules compilation and dispatch of a listener.
func (s *Service) RequestRecompile(ctx context.Context, listener types.ListenerID) error {
	if _, err := s.listener(ctx, listener); err != nil {
		return err
	}
	s.trigger(listener)
	return nil
}

// GetPlanStatus reports the listener's digests, compile errors and entity statuses.
func (s *Service) GetPlanStatus(ctx context.Context, listener types.ListenerID) (*status.PlanStatus, error) {
	if _, err := s.store.GetListener(ctx, listener); err != nil {
		return nil, err
	}
	return s.tracker.PlanStatus(ctx, listener)
}

func (s *Service) listener(ctx context.Context, id types.ListenerID) (*types.Listener, error) {
	l, err := s.store.GetListener(ctx, id)
	if errors.Is(err, types.ErrListenerNotFound) {
		return nil, types.NewValidationError(types.ReasonUnknownListener, "listener_id", "listener %s does not exist", id)
	}
	return l, err
}

// checkUniqueName enforces per-listener unique names for conditions and
// ACLs. The store enforces the ACL constraint again on write.
func (s *Service) checkUniqueName(ctx context.Context, e types.Entity) error {
	if e.Kind() == types.KindRule {
		return nil
	}
	m := e.Base()
	existing, err := s.store.ListEntities(ctx, e.Kind(), store.ListFilter{ListenerID: m.ListenerID, Name: m.Name})
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.Base().ID != m.ID {
			return types.NewValidationError(types.ReasonDuplicateName, "name",
				"%s name %q already exists on listener %s", e.Kind(), m.Name, m.ListenerID)
		}
	}
	return nil
}

// checkConditionUnused rejects deleting a condition that a live ACL refers
// to by id or name.
func (s *Service) checkConditionUnused(ctx context.Context, c *types.Condition) error {
	acls, err := s.store.ListEntities(ctx, types.KindACL, store.ListFilter{ListenerID: c.ListenerID})
	if err != nil {
		return err
	}
	for _, e := range acls {
		a := e.(*types.ACL)
		if a.ProvisioningStatus == types.PendingDelete {
			continue
		}
		if a.ConditionRef == string(c.ID) || a.ConditionRef == c.Name {
			return types.NewValidationError(types.ReasonInUse, "",
				"condition %s is referenced by acl %s", c.ID, a.ID)
		}
	}
	return nil
}

func (s *Service) conflictRetry(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, types.ErrStatusConflict) }),
		retry.OnRetry(func(attempt uint, err error) {
			s.log.Debug().Uint("attempt", attempt+1).Err(err).Msg("status conflict, retrying")
		}),
	}
}

func (s *Service) trigger(listener types.ListenerID) {
	if s.recompiler != nil {
		s.recompiler.Trigger(listener)
	}
}
