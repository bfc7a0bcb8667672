// Package memstore is an in-process Rule Store.
//
// Entities live in an arena (a slice of slots with a free list) indexed by
// id. Each listener record owns the ids of its entities; that set is the
// reference count checked before a listener is deleted, in place of
// cascading foreign keys.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

type listenerRecord struct {
	listener types.Listener
	owned    map[types.EntityID]struct{}
	nextSeq  int64
}

type slot struct {
	entity types.Entity
	live   bool
}

// Store implements store.Store in memory. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	listeners map[types.ListenerID]*listenerRecord
	arena     []slot
	free      []int
	index     map[types.EntityID]int
	plans     map[types.ListenerID]store.PlanRecord
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		listeners: make(map[types.ListenerID]*listenerRecord),
		index:     make(map[types.EntityID]int),
		plans:     make(map[types.ListenerID]store.PlanRecord),
	}
}

func (s *Store) CreateListener(_ context.Context, l *types.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[l.ID]; ok {
		return fmt.Errorf("listener %s: %w", l.ID, types.ErrListenerExists)
	}
	s.listeners[l.ID] = &listenerRecord{
		listener: *l,
		owned:    make(map[types.EntityID]struct{}),
	}
	return nil
}

func (s *Store) GetListener(_ context.Context, id types.ListenerID) (*types.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.listeners[id]
	if !ok {
		return nil, fmt.Errorf("listener %s: %w", id, types.ErrListenerNotFound)
	}
	l := rec.listener
	return &l, nil
}

func (s *Store) ListListeners(_ context.Context) ([]types.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Listener, 0, len(s.listeners))
	for _, rec := range s.listeners {
		out = append(out, rec.listener)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteListener(_ context.Context, id types.ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.listeners[id]
	if !ok {
		return fmt.Errorf("listener %s: %w", id, types.ErrListenerNotFound)
	}
	if len(rec.owned) > 0 {
		return fmt.Errorf("listener %s owns %d entities: %w", id, len(rec.owned), types.ErrListenerInUse)
	}
	delete(s.listeners, id)
	delete(s.plans, id)
	return nil
}

func (s *Store) GetEntities(_ context.Context, listener types.ListenerID) (*types.EntitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.listeners[listener]
	if !ok {
		return nil, fmt.Errorf("listener %s: %w", listener, types.ErrListenerNotFound)
	}

	set := &types.EntitySet{ListenerID: listener}
	for id := range rec.owned {
		switch e := store.CloneEntity(s.arena[s.index[id]].entity).(type) {
		case *types.Condition:
			set.Conditions = append(set.Conditions, *e)
		case *types.ACL:
			set.ACLs = append(set.ACLs, *e)
		case *types.Rule:
			set.Rules = append(set.Rules, *e)
		}
	}
	sortSet(set)
	return set, nil
}

func (s *Store) GetEntity(_ context.Context, kind types.Kind, id types.EntityID) (types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(kind, id)
	if err != nil {
		return nil, err
	}
	return store.CloneEntity(e), nil
}

func (s *Store) ListEntities(_ context.Context, kind types.Kind, f store.ListFilter) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Entity
	for _, sl := range s.arena {
		if !sl.live || sl.entity.Kind() != kind {
			continue
		}
		m := sl.entity.Base()
		if f.ListenerID != "" && m.ListenerID != f.ListenerID {
			continue
		}
		if f.TenantID != "" && m.TenantID != f.TenantID {
			continue
		}
		if f.Name != "" && m.Name != f.Name {
			continue
		}
		if f.Status != "" && m.ProvisioningStatus != f.Status {
			continue
		}
		out = append(out, store.CloneEntity(sl.entity))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Base(), out[j].Base()
		if a.ListenerID != b.ListenerID {
			return a.ListenerID < b.ListenerID
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CreateEntity(_ context.Context, e types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := e.Base()
	rec, ok := s.listeners[m.ListenerID]
	if !ok {
		return fmt.Errorf("listener %s: %w", m.ListenerID, types.ErrListenerNotFound)
	}
	if _, exists := s.index[m.ID]; exists {
		return types.NewValidationError(types.ReasonInvalidField, "id", "entity %s already exists", m.ID)
	}
	if err := s.checkUniqueName(rec, e); err != nil {
		return err
	}

	rec.nextSeq++
	m.Seq = rec.nextSeq
	m.Revision = 1

	idx := len(s.arena)
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
		s.arena[idx] = slot{entity: store.CloneEntity(e), live: true}
	} else {
		s.arena = append(s.arena, slot{entity: store.CloneEntity(e), live: true})
	}
	s.index[m.ID] = idx
	rec.owned[m.ID] = struct{}{}
	return nil
}

func (s *Store) UpdateEntity(_ context.Context, e types.Entity, from types.ProvisioningStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := e.Base()
	cur, err := s.lookup(e.Kind(), m.ID)
	if err != nil {
		return err
	}
	cm := cur.Base()
	if cm.Revision != m.Revision || cm.ProvisioningStatus != from {
		return fmt.Errorf("%s/%s at %s@%d: %w", e.Kind(), m.ID, cm.ProvisioningStatus, cm.Revision, types.ErrStatusConflict)
	}
	if err := s.checkUniqueName(s.listeners[cm.ListenerID], e); err != nil {
		return err
	}

	next := store.CloneEntity(e)
	nm := next.Base()
	// Ownership and ordering never change on update.
	nm.ListenerID = cm.ListenerID
	nm.TenantID = cm.TenantID
	nm.Seq = cm.Seq
	nm.Revision = cm.Revision + 1
	s.arena[s.index[m.ID]].entity = next

	m.Revision = nm.Revision
	return nil
}

func (s *Store) SetStatus(_ context.Context, ref types.EntityRef, tr types.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ref.Kind, ref.ID)
	if err != nil {
		return err
	}
	m := cur.Base()
	if m.ProvisioningStatus != tr.From || (tr.Revision != 0 && m.Revision != tr.Revision) {
		return fmt.Errorf("%s: %s@%d: %w", ref, m.ProvisioningStatus, m.Revision, types.ErrStatusConflict)
	}
	m.ProvisioningStatus = tr.To
	m.OperatingStatus = tr.Operating
	m.StatusReason = tr.Reason
	return nil
}

func (s *Store) DeleteIfConfirmed(_ context.Context, ref types.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ref.Kind, ref.ID)
	if err != nil {
		return err
	}
	m := cur.Base()
	if m.ProvisioningStatus != types.PendingDelete || (ref.Revision != 0 && m.Revision != ref.Revision) {
		return fmt.Errorf("%s: %s@%d: %w", ref, m.ProvisioningStatus, m.Revision, types.ErrNotPendingDelete)
	}

	idx := s.index[ref.ID]
	s.arena[idx] = slot{}
	s.free = append(s.free, idx)
	delete(s.index, ref.ID)
	if rec, ok := s.listeners[m.ListenerID]; ok {
		delete(rec.owned, ref.ID)
	}
	return nil
}

func (s *Store) ListPendingListeners(_ context.Context) ([]types.ListenerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[types.ListenerID]bool)
	for _, sl := range s.arena {
		if sl.live && sl.entity.Base().ProvisioningStatus.IsPending() {
			seen[sl.entity.Base().ListenerID] = true
		}
	}
	out := make([]types.ListenerID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) GetPlanRecord(_ context.Context, listener types.ListenerID) (*store.PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.listeners[listener]; !ok {
		return nil, fmt.Errorf("listener %s: %w", listener, types.ErrListenerNotFound)
	}
	rec, ok := s.plans[listener]
	if !ok {
		return &store.PlanRecord{ListenerID: listener}, nil
	}
	return &rec, nil
}

func (s *Store) PutPlanRecord(_ context.Context, rec *store.PlanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[rec.ListenerID]; !ok {
		return fmt.Errorf("listener %s: %w", rec.ListenerID, types.ErrListenerNotFound)
	}
	s.plans[rec.ListenerID] = *rec
	return nil
}

func (s *Store) Close() error { return nil }

// lookup returns the live entity, not a copy. Callers hold s.mu.
func (s *Store) lookup(kind types.Kind, id types.EntityID) (types.Entity, error) {
	idx, ok := s.index[id]
	if !ok || !s.arena[idx].live || s.arena[idx].entity.Kind() != kind {
		return nil, fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
	}
	return s.arena[idx].entity, nil
}

// checkUniqueName enforces UNIQUE(listener_id, name) for ACLs.
func (s *Store) checkUniqueName(rec *listenerRecord, e types.Entity) error {
	if e.Kind() != types.KindACL || rec == nil {
		return nil
	}
	m := e.Base()
	for id := range rec.owned {
		if id == m.ID {
			continue
		}
		other := s.arena[s.index[id]].entity
		if other.Kind() == types.KindACL && other.Base().Name == m.Name {
			return types.NewValidationError(types.ReasonDuplicateName, "name",
				"acl name %q already exists on listener %s", m.Name, m.ListenerID)
		}
	}
	return nil
}

func sortSet(set *types.EntitySet) {
	sort.Slice(set.Conditions, func(i, j int) bool { return metaLess(&set.Conditions[i].Meta, &set.Conditions[j].Meta) })
	sort.Slice(set.ACLs, func(i, j int) bool { return metaLess(&set.ACLs[i].Meta, &set.ACLs[j].Meta) })
	sort.Slice(set.Rules, func(i, j int) bool { return metaLess(&set.Rules[i].Meta, &set.Rules[j].Meta) })
}

func metaLess(a, b *types.Meta) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
