// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"ListenerLifecycle", testListenerLifecycle},
		{"CreateAssignsSeqAndRevision", testCreateAssignsSeqAndRevision},
		{"CreateRequiresListener", testCreateRequiresListener},
		{"DuplicateACLName", testDuplicateACLName},
		{"UpdateCompareAndSet", testUpdateCompareAndSet},
		{"SetStatusCompareAndSet", testSetStatusCompareAndSet},
		{"DeleteIfConfirmed", testDeleteIfConfirmed},
		{"DeleteListenerInUse", testDeleteListenerInUse},
		{"ListEntitiesFilter", testListEntitiesFilter},
		{"ListPendingListeners", testListPendingListeners},
		{"PlanRecord", testPlanRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// Listener creates listener id in s.
func Listener(t *testing.T, s store.Store, id types.ListenerID) *types.Listener {
	t.Helper()
	l := &types.Listener{ID: id, TenantID: "tenant-1", Name: string(id), Protocol: "HTTP", ProtocolPort: 80, AdminStateUp: true}
	if err := s.CreateListener(context.Background(), l); err != nil {
		t.Fatalf("CreateListener(%s) error = %v", id, err)
	}
	return l
}

func pendingMeta(id string, listener types.ListenerID, name string) types.Meta {
	return types.Meta{
		ID:                 types.EntityID(id),
		TenantID:           "tenant-1",
		ListenerID:         listener,
		Name:               name,
		AdminStateUp:       true,
		ProvisioningStatus: types.PendingCreate,
		OperatingStatus:    types.Offline,
	}
}

// ACL returns an unsaved PENDING_CREATE ACL.
func ACL(id string, listener types.ListenerID, name string) *types.ACL {
	return &types.ACL{
		Meta:           pendingMeta(id, listener, name),
		Action:         "url_end",
		Operator:       "redirect location",
		Match:          "http://www.letv.com",
		MatchCondition: "m_" + name,
	}
}

// Condition returns an unsaved PENDING_CREATE condition.
func Condition(id string, listener types.ListenerID, expr string) *types.Condition {
	return &types.Condition{Meta: pendingMeta(id, listener, "c-"+id), Expression: expr}
}

// Rule returns an unsaved PENDING_CREATE rule.
func Rule(id string, listener types.ListenerID, expr string) *types.Rule {
	return &types.Rule{Meta: pendingMeta(id, listener, "r-"+id), Expression: expr}
}

func mustCreate(t *testing.T, s store.Store, e types.Entity) {
	t.Helper()
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity(%s) error = %v", e.Base().ID, err)
	}
}

func testListenerLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L2")
	Listener(t, s, "L1")

	if err := s.CreateListener(ctx, &types.Listener{ID: "L1"}); !errors.Is(err, types.ErrListenerExists) {
		t.Errorf("CreateListener(dup) error = %v, want ErrListenerExists", err)
	}

	got, err := s.GetListener(ctx, "L1")
	if err != nil {
		t.Fatalf("GetListener() error = %v", err)
	}
	if got.TenantID != "tenant-1" || got.ProtocolPort != 80 || !got.AdminStateUp {
		t.Errorf("GetListener() = %+v, want tenant-1/80/up", got)
	}

	all, err := s.ListListeners(ctx)
	if err != nil {
		t.Fatalf("ListListeners() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "L1" || all[1].ID != "L2" {
		t.Errorf("ListListeners() = %+v, want [L1 L2]", all)
	}

	if err := s.DeleteListener(ctx, "L2"); err != nil {
		t.Fatalf("DeleteListener() error = %v", err)
	}
	if _, err := s.GetListener(ctx, "L2"); !errors.Is(err, types.ErrListenerNotFound) {
		t.Errorf("GetListener(deleted) error = %v, want ErrListenerNotFound", err)
	}
	if err := s.DeleteListener(ctx, "L2"); !errors.Is(err, types.ErrListenerNotFound) {
		t.Errorf("DeleteListener(deleted) error = %v, want ErrListenerNotFound", err)
	}
}

func testCreateAssignsSeqAndRevision(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")

	c := Condition("C1", "L1", "/login")
	a := ACL("A1", "L1", "a")
	a.ConditionRef = "C1"
	p := int64(3)
	r := Rule("R1", "L1", "deny if /x")
	r.Priority = &p
	mustCreate(t, s, c)
	mustCreate(t, s, a)
	mustCreate(t, s, r)

	if c.Seq != 1 || a.Seq != 2 || r.Seq != 3 {
		t.Errorf("seq = %d,%d,%d, want 1,2,3", c.Seq, a.Seq, r.Seq)
	}
	if a.Revision != 1 {
		t.Errorf("Revision = %d, want 1", a.Revision)
	}

	set, err := s.GetEntities(ctx, "L1")
	if err != nil {
		t.Fatalf("GetEntities() error = %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", set.Len())
	}
	got := set.ACLs[0]
	if got.ConditionRef != "C1" || got.Operator != "redirect location" || got.Match != "http://www.letv.com" || got.MatchCondition != "m_a" {
		t.Errorf("ACL = %+v, want stored fields", got)
	}
	if got.ProvisioningStatus != types.PendingCreate || got.OperatingStatus != types.Offline {
		t.Errorf("status = %s/%s, want PENDING_CREATE/OFFLINE", got.ProvisioningStatus, got.OperatingStatus)
	}
	if set.Rules[0].Priority == nil || *set.Rules[0].Priority != 3 {
		t.Errorf("Priority = %v, want 3", set.Rules[0].Priority)
	}
	if set.Conditions[0].Priority != nil {
		t.Errorf("Priority = %v, want nil", *set.Conditions[0].Priority)
	}
	if set.Conditions[0].Expression != "/login" {
		t.Errorf("Expression = %q, want /login", set.Conditions[0].Expression)
	}

	e, err := s.GetEntity(ctx, types.KindRule, "R1")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if e.(*types.Rule).Expression != "deny if /x" {
		t.Errorf("Expression = %q, want %q", e.(*types.Rule).Expression, "deny if /x")
	}
	if _, err := s.GetEntity(ctx, types.KindACL, "R1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetEntity(wrong kind) error = %v, want ErrNotFound", err)
	}
}

func testCreateRequiresListener(t *testing.T, s store.Store) {
	err := s.CreateEntity(context.Background(), ACL("A1", "nope", "a"))
	if !errors.Is(err, types.ErrListenerNotFound) {
		t.Errorf("CreateEntity(orphan) error = %v, want ErrListenerNotFound", err)
	}
}

func testDuplicateACLName(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	Listener(t, s, "L2")
	mustCreate(t, s, ACL("A1", "L1", "dup"))

	err := s.CreateEntity(ctx, ACL("A2", "L1", "dup"))
	if !types.IsValidation(err, types.ReasonDuplicateName) {
		t.Fatalf("CreateEntity(dup) error = %v, want DuplicateName", err)
	}
	set, _ := s.GetEntities(ctx, "L1")
	if len(set.ACLs) != 1 {
		t.Errorf("len(ACLs) = %d, want 1", len(set.ACLs))
	}

	// Same name on another listener is fine.
	mustCreate(t, s, ACL("A3", "L2", "dup"))
}

func testUpdateCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	a := ACL("A1", "L1", "a")
	mustCreate(t, s, a)
	mustCreate(t, s, ACL("A2", "L1", "b"))

	a.Match = "http://example.com"
	a.ProvisioningStatus = types.PendingCreate
	if err := s.UpdateEntity(ctx, a, types.PendingCreate); err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	if a.Revision != 2 {
		t.Errorf("Revision = %d, want 2", a.Revision)
	}

	stale := *a
	stale.Revision = 1
	if err := s.UpdateEntity(ctx, &stale, types.PendingCreate); !errors.Is(err, types.ErrStatusConflict) {
		t.Errorf("UpdateEntity(stale revision) error = %v, want ErrStatusConflict", err)
	}
	if err := s.UpdateEntity(ctx, a, types.Active); !errors.Is(err, types.ErrStatusConflict) {
		t.Errorf("UpdateEntity(wrong from) error = %v, want ErrStatusConflict", err)
	}

	a.Name = "b"
	if err := s.UpdateEntity(ctx, a, types.PendingCreate); !types.IsValidation(err, types.ReasonDuplicateName) {
		t.Errorf("UpdateEntity(rename to dup) error = %v, want DuplicateName", err)
	}

	missing := ACL("A9", "L1", "z")
	missing.Revision = 1
	if err := s.UpdateEntity(ctx, missing, types.PendingCreate); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("UpdateEntity(missing) error = %v, want ErrNotFound", err)
	}

	got, _ := s.GetEntity(ctx, types.KindACL, "A1")
	if got.(*types.ACL).Match != "http://example.com" || got.Base().Seq != 1 {
		t.Errorf("stored = %+v, want updated match and seq 1", got)
	}
}

func testSetStatusCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	r := Rule("R1", "L1", "deny")
	mustCreate(t, s, r)
	ref := r.Ref(types.KindRule)

	err := s.SetStatus(ctx, ref, types.Transition{From: types.PendingCreate, To: types.Active, Operating: types.Online, Revision: 1})
	if err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	err = s.SetStatus(ctx, ref, types.Transition{From: types.PendingCreate, To: types.Error, Operating: types.OpError, Revision: 1})
	if !errors.Is(err, types.ErrStatusConflict) {
		t.Errorf("SetStatus(stale from) error = %v, want ErrStatusConflict", err)
	}
	err = s.SetStatus(ctx, ref, types.Transition{From: types.Active, To: types.Error, Operating: types.OpError, Revision: 7})
	if !errors.Is(err, types.ErrStatusConflict) {
		t.Errorf("SetStatus(stale revision) error = %v, want ErrStatusConflict", err)
	}
	err = s.SetStatus(ctx, ref, types.Transition{From: types.Active, To: types.Error, Operating: types.OpError, Reason: "nack: bad"})
	if err != nil {
		t.Fatalf("SetStatus(any revision) error = %v", err)
	}

	got, _ := s.GetEntity(ctx, types.KindRule, "R1")
	m := got.Base()
	if m.ProvisioningStatus != types.Error || m.OperatingStatus != types.OpError || m.StatusReason != "nack: bad" {
		t.Errorf("status = %s/%s/%q, want ERROR/ERROR/nack: bad", m.ProvisioningStatus, m.OperatingStatus, m.StatusReason)
	}
	if m.Revision != 1 {
		t.Errorf("Revision = %d, want 1 (status changes do not bump revision)", m.Revision)
	}

	if err := s.SetStatus(ctx, types.EntityRef{Kind: types.KindRule, ID: "nope"}, types.Transition{From: types.Active, To: types.Error}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("SetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func testDeleteIfConfirmed(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	c := Condition("C1", "L1", "/x")
	mustCreate(t, s, c)
	ref := c.Ref(types.KindCondition)

	if err := s.DeleteIfConfirmed(ctx, ref); !errors.Is(err, types.ErrNotPendingDelete) {
		t.Errorf("DeleteIfConfirmed(pending create) error = %v, want ErrNotPendingDelete", err)
	}

	if err := s.SetStatus(ctx, ref, types.Transition{From: types.PendingCreate, To: types.PendingDelete, Operating: types.Offline}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.DeleteIfConfirmed(ctx, types.EntityRef{Kind: types.KindCondition, ID: "C1", Revision: 9}); !errors.Is(err, types.ErrNotPendingDelete) {
		t.Errorf("DeleteIfConfirmed(wrong revision) error = %v, want ErrNotPendingDelete", err)
	}
	if err := s.DeleteIfConfirmed(ctx, ref); err != nil {
		t.Fatalf("DeleteIfConfirmed() error = %v", err)
	}
	if _, err := s.GetEntity(ctx, types.KindCondition, "C1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetEntity(purged) error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteIfConfirmed(ctx, ref); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("DeleteIfConfirmed(purged) error = %v, want ErrNotFound", err)
	}
}

func testDeleteListenerInUse(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	r := Rule("R1", "L1", "deny")
	mustCreate(t, s, r)

	if err := s.DeleteListener(ctx, "L1"); !errors.Is(err, types.ErrListenerInUse) {
		t.Fatalf("DeleteListener(in use) error = %v, want ErrListenerInUse", err)
	}

	ref := r.Ref(types.KindRule)
	if err := s.SetStatus(ctx, ref, types.Transition{From: types.PendingCreate, To: types.PendingDelete}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.DeleteIfConfirmed(ctx, ref); err != nil {
		t.Fatalf("DeleteIfConfirmed() error = %v", err)
	}
	if err := s.DeleteListener(ctx, "L1"); err != nil {
		t.Errorf("DeleteListener(empty) error = %v, want nil", err)
	}
}

func testListEntitiesFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	Listener(t, s, "L2")
	mustCreate(t, s, ACL("A1", "L1", "a"))
	mustCreate(t, s, ACL("A2", "L1", "b"))
	mustCreate(t, s, ACL("A3", "L2", "a"))
	mustCreate(t, s, Rule("R1", "L1", "deny"))

	all, err := s.ListEntities(ctx, types.KindACL, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	byListener, _ := s.ListEntities(ctx, types.KindACL, store.ListFilter{ListenerID: "L1"})
	if len(byListener) != 2 || byListener[0].Base().ID != "A1" {
		t.Errorf("ListEntities(L1) = %d entries, want [A1 A2]", len(byListener))
	}

	byName, _ := s.ListEntities(ctx, types.KindACL, store.ListFilter{Name: "a"})
	if len(byName) != 2 {
		t.Errorf("len(ListEntities(name=a)) = %d, want 2", len(byName))
	}

	limited, _ := s.ListEntities(ctx, types.KindACL, store.ListFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("len(ListEntities(limit=1)) = %d, want 1", len(limited))
	}

	active, _ := s.ListEntities(ctx, types.KindACL, store.ListFilter{Status: types.Active})
	if len(active) != 0 {
		t.Errorf("len(ListEntities(ACTIVE)) = %d, want 0", len(active))
	}

	rules, _ := s.ListEntities(ctx, types.KindRule, store.ListFilter{TenantID: "tenant-1"})
	if len(rules) != 1 || rules[0].Kind() != types.KindRule {
		t.Errorf("ListEntities(rule) = %v, want [R1]", rules)
	}
}

func testListPendingListeners(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")
	Listener(t, s, "L2")
	Listener(t, s, "L3")
	r := Rule("R1", "L1", "deny")
	mustCreate(t, s, r)
	mustCreate(t, s, Condition("C1", "L2", "/x"))

	if err := s.SetStatus(ctx, r.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.Active, Operating: types.Online}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, err := s.ListPendingListeners(ctx)
	if err != nil {
		t.Fatalf("ListPendingListeners() error = %v", err)
	}
	if len(got) != 1 || got[0] != "L2" {
		t.Errorf("ListPendingListeners() = %v, want [L2]", got)
	}
}

func testPlanRecord(t *testing.T, s store.Store) {
	ctx := context.Background()
	Listener(t, s, "L1")

	rec, err := s.GetPlanRecord(ctx, "L1")
	if err != nil {
		t.Fatalf("GetPlanRecord() error = %v", err)
	}
	if rec.Digest != "" || !rec.AppliedAt.IsZero() {
		t.Errorf("GetPlanRecord(empty) = %+v, want zero record", rec)
	}

	at := time.UnixMilli(1700000000123).UTC()
	for _, digest := range []string{"aaa", "bbb"} {
		err := s.PutPlanRecord(ctx, &store.PlanRecord{ListenerID: "L1", Digest: digest, AppliedAt: at, Status: store.PlanApplied})
		if err != nil {
			t.Fatalf("PutPlanRecord() error = %v", err)
		}
	}
	rec, _ = s.GetPlanRecord(ctx, "L1")
	if rec.Digest != "bbb" || !rec.AppliedAt.Equal(at) || rec.Status != store.PlanApplied {
		t.Errorf("GetPlanRecord() = %+v, want bbb at %v", rec, at)
	}

	if _, err := s.GetPlanRecord(ctx, "nope"); !errors.Is(err, types.ErrListenerNotFound) {
		t.Errorf("GetPlanRecord(missing) error = %v, want ErrListenerNotFound", err)
	}
	if err := s.PutPlanRecord(ctx, &store.PlanRecord{ListenerID: "nope"}); !errors.Is(err, types.ErrListenerNotFound) {
		t.Errorf("PutPlanRecord(missing) error = %v, want ErrListenerNotFound", err)
	}
}
