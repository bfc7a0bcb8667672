package status

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/store/memstore"
	"github.com/solatis/l7plane/internal/store/storetest"
	"github.com/solatis/l7plane/internal/types"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		from, to types.ProvisioningStatus
		want     bool
	}{
		{types.PendingCreate, types.Active, true},
		{types.PendingCreate, types.Error, true},
		{types.PendingCreate, types.PendingCreate, true},
		{types.PendingCreate, types.PendingDelete, false},
		{types.PendingUpdate, types.Active, true},
		{types.PendingUpdate, types.PendingDelete, true},
		{types.Active, types.PendingUpdate, true},
		{types.Active, types.PendingDelete, true},
		{types.Active, types.Error, true},
		{types.Active, types.PendingCreate, false},
		{types.Error, types.PendingUpdate, true},
		{types.Error, types.PendingDelete, true},
		{types.Error, types.Active, false},
		{types.PendingDelete, types.PendingCreate, false},
		{types.PendingDelete, types.Active, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.from, tt.to); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOperating(t *testing.T) {
	tests := []struct {
		prov types.ProvisioningStatus
		role Role
		want types.OperatingStatus
	}{
		{types.Active, RoleStep, types.Online},
		{types.Active, RoleInactive, types.Offline},
		{types.Active, RoleUnbound, types.NoMonitor},
		{types.Error, RoleStep, types.OpError},
		{types.PendingCreate, RoleStep, types.Offline},
		{types.PendingDelete, RoleStep, types.Offline},
	}
	for _, tt := range tests {
		if got := Operating(tt.prov, tt.role); got != tt.want {
			t.Errorf("Operating(%s, %d) = %s, want %s", tt.prov, tt.role, got, tt.want)
		}
	}
}

func TestListenerOperating(t *testing.T) {
	withStatus := func(statuses ...types.ProvisioningStatus) *types.EntitySet {
		set := &types.EntitySet{ListenerID: "L1"}
		for _, s := range statuses {
			r := types.Rule{}
			r.ProvisioningStatus = s
			set.Rules = append(set.Rules, r)
		}
		return set
	}

	tests := []struct {
		name   string
		set    *types.EntitySet
		failed bool
		want   types.OperatingStatus
	}{
		{"empty", withStatus(), false, types.Offline},
		{"pending only", withStatus(types.PendingCreate), false, types.Offline},
		{"all active", withStatus(types.Active, types.Active), false, types.Online},
		{"some error", withStatus(types.Active, types.Error), false, types.Degraded},
		{"compile failed", withStatus(types.Active), true, types.OpError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ListenerOperating(tt.set, tt.failed); got != tt.want {
				t.Errorf("ListenerOperating() = %s, want %s", got, tt.want)
			}
		})
	}
}

func newTracker(t *testing.T) (*Tracker, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	storetest.Listener(t, s, "L1")
	return NewTracker(s, zerolog.Nop()), s
}

func createRule(t *testing.T, s *memstore.Store, id, expr string) *types.Rule {
	t.Helper()
	r := storetest.Rule(id, "L1", expr)
	if err := s.CreateEntity(context.Background(), r); err != nil {
		t.Fatalf("CreateEntity(%s) error = %v", id, err)
	}
	return r
}

func statusOf(t *testing.T, s *memstore.Store, kind types.Kind, id types.EntityID) *types.Meta {
	t.Helper()
	e, err := s.GetEntity(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("GetEntity(%s) error = %v", id, err)
	}
	return e.Base()
}

func TestTracker_Transition(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r := createRule(t, s, "R1", "deny")

	err := tr.Transition(ctx, r.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.PendingDelete})
	if err == nil {
		t.Fatal("Transition(PENDING_CREATE -> PENDING_DELETE) error = nil, want ErrInvalidTransition")
	}
	if got := statusOf(t, s, types.KindRule, "R1").ProvisioningStatus; got != types.PendingCreate {
		t.Errorf("ProvisioningStatus = %s, want PENDING_CREATE", got)
	}
}

func TestTracker_Resolve(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r := createRule(t, s, "R1", "deny")
	member := rules.Member{Ref: r.Ref(types.KindRule), Status: types.PendingCreate}

	if err := tr.Resolve(ctx, member, types.Active, RoleStep, "ignored"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	m := statusOf(t, s, types.KindRule, "R1")
	if m.ProvisioningStatus != types.Active || m.OperatingStatus != types.Online || m.StatusReason != "" {
		t.Errorf("status = %s/%s/%q, want ACTIVE/ONLINE/empty", m.ProvisioningStatus, m.OperatingStatus, m.StatusReason)
	}

	// Replaying the same result is dropped by the compare-and-set.
	if err := tr.Resolve(ctx, member, types.Error, RoleStep, "late nack"); err != nil {
		t.Errorf("Resolve(stale) error = %v, want nil", err)
	}
	if got := statusOf(t, s, types.KindRule, "R1").ProvisioningStatus; got != types.Active {
		t.Errorf("ProvisioningStatus = %s, want ACTIVE", got)
	}

	live := rules.Member{Ref: r.Ref(types.KindRule), Status: types.Active}
	if err := tr.Resolve(ctx, live, types.Active, RoleStep, ""); err != nil {
		t.Errorf("Resolve(active ack) error = %v", err)
	}
	if err := tr.Resolve(ctx, live, types.Error, RoleStep, "nack: bad"); err != nil {
		t.Fatalf("Resolve(active nack) error = %v", err)
	}
	m = statusOf(t, s, types.KindRule, "R1")
	if m.ProvisioningStatus != types.Error || m.OperatingStatus != types.OpError || m.StatusReason != "nack: bad" {
		t.Errorf("status = %s/%s/%q, want ERROR/ERROR/nack: bad", m.ProvisioningStatus, m.OperatingStatus, m.StatusReason)
	}
}

func TestTracker_Resolve_StaleRevision(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r := createRule(t, s, "R1", "deny")
	old := rules.Member{Ref: r.Ref(types.KindRule), Status: types.PendingCreate}

	r.Expression = "allow"
	if err := s.UpdateEntity(ctx, r, types.PendingCreate); err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}

	if err := tr.Resolve(ctx, old, types.Active, RoleStep, ""); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := statusOf(t, s, types.KindRule, "R1").ProvisioningStatus; got != types.PendingCreate {
		t.Errorf("ProvisioningStatus = %s, want PENDING_CREATE (newer revision untouched)", got)
	}
}

func TestTracker_CompileFailed_BlamesPending(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r1 := createRule(t, s, "R1", "deny if /admin")
	createRule(t, s, "R2", "allow if /admin")
	if err := s.SetStatus(ctx, r1.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.Active, Operating: types.Online}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	set, _ := s.GetEntities(ctx, "L1")
	_, err := rules.Compile(set)
	cerr, ok := err.(*types.CompileError)
	if !ok {
		t.Fatalf("Compile() error = %v, want *CompileError", err)
	}

	if err := tr.CompileFailed(ctx, set, cerr); err != nil {
		t.Fatalf("CompileFailed() error = %v", err)
	}
	if got := statusOf(t, s, types.KindRule, "R1").ProvisioningStatus; got != types.Active {
		t.Errorf("R1 = %s, want ACTIVE", got)
	}
	m := statusOf(t, s, types.KindRule, "R2")
	if m.ProvisioningStatus != types.Error || m.StatusReason == "" {
		t.Errorf("R2 = %s/%q, want ERROR with reason", m.ProvisioningStatus, m.StatusReason)
	}

	state, _ := tr.State("L1")
	if state.CompileError == nil {
		t.Error("State().CompileError = nil, want recorded")
	}

	// Recompiling converges: R2 is excluded now.
	set, _ = s.GetEntities(ctx, "L1")
	plan, err := rules.Compile(set)
	if err != nil {
		t.Fatalf("Compile() after failure error = %v", err)
	}
	tr.Compiled("L1", plan.Digest)
	state, _ = tr.State("L1")
	if state.CompileError != nil || state.Digest != plan.Digest {
		t.Errorf("State() = %+v, want cleared error and digest %s", state, plan.Digest)
	}
}

func TestTracker_CompileFailed_BothActive(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	set := &types.EntitySet{ListenerID: "L1"}
	for _, id := range []types.EntityID{"R1", "R2"} {
		r := createRule(t, s, string(id), "deny")
		if err := s.SetStatus(ctx, r.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.Active}); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}
	}
	set, _ = s.GetEntities(ctx, "L1")
	cerr := &types.CompileError{ListenerID: "L1", Errors: []types.EntityError{
		{Kind: types.AmbiguousMatch, IDs: []types.EntityID{"R1", "R2"}, Msg: "conflict"},
	}}

	if err := tr.CompileFailed(ctx, set, cerr); err != nil {
		t.Fatalf("CompileFailed() error = %v", err)
	}
	for _, id := range []types.EntityID{"R1", "R2"} {
		if got := statusOf(t, s, types.KindRule, id).ProvisioningStatus; got != types.Error {
			t.Errorf("%s = %s, want ERROR", id, got)
		}
	}
}

func TestTracker_Dispatched(t *testing.T) {
	tr, _ := newTracker(t)

	if n := tr.Dispatched("L1", "PARTIAL", "nack", true); n != 1 {
		t.Errorf("Dispatched() = %d, want 1", n)
	}
	if n := tr.Dispatched("L1", "PARTIAL", "nack", true); n != 2 {
		t.Errorf("Dispatched() = %d, want 2", n)
	}
	if n := tr.Dispatched("L1", "APPLIED", "", false); n != 0 {
		t.Errorf("Dispatched() = %d, want 0", n)
	}

	tr.Forget("L1")
	if _, ok := tr.State("L1"); ok {
		t.Error("State() after Forget ok = true, want false")
	}
}

func TestTracker_PlanStatus(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r := createRule(t, s, "R1", "deny")
	createRule(t, s, "R2", "allow if /x")
	if err := s.SetStatus(ctx, r.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.Error, Operating: types.OpError, Reason: "nack"}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	tr.Compiled("L1", "abc")

	ps, err := tr.PlanStatus(ctx, "L1")
	if err != nil {
		t.Fatalf("PlanStatus() error = %v", err)
	}
	if ps.Digest != "abc" || ps.AppliedDigest != "" {
		t.Errorf("digests = %q/%q, want abc/empty", ps.Digest, ps.AppliedDigest)
	}
	if ps.Status != types.Degraded {
		t.Errorf("Status = %s, want DEGRADED", ps.Status)
	}
	if len(ps.Entities) != 2 || ps.Entities[0].Reason != "nack" {
		t.Errorf("Entities = %+v, want R1 with reason nack first", ps.Entities)
	}

	if _, err := tr.PlanStatus(ctx, "nope"); err == nil {
		t.Error("PlanStatus(unknown) error = nil, want error")
	}
}

func TestTracker_Transition_TruncatesReasonOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	r := createRule(t, s, "R1", "deny")

	reason := strings.Repeat("é", types.MaxStatusReasonLength)
	err := tr.Transition(ctx, r.Ref(types.KindRule), types.Transition{From: types.PendingCreate, To: types.Error, Operating: types.OpError, Reason: reason})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	got := statusOf(t, s, types.KindRule, "R1").StatusReason
	if !utf8.ValidString(got) {
		t.Error("StatusReason is not valid UTF-8")
	}
	if len(got) != types.MaxStatusReasonLength {
		t.Errorf("len(StatusReason) = %d, want %d", len(got), types.MaxStatusReasonLength)
	}
}
