package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/l7plane/internal/dataplane/dataplanetest"
	"github.com/solatis/l7plane/internal/dispatch"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/store/memstore"
	"github.com/solatis/l7plane/internal/store/storetest"
	"github.com/solatis/l7plane/internal/types"
)

type fixture struct {
	store      *memstore.Store
	agent      *dataplanetest.Agent
	tracker    *status.Tracker
	dispatcher *dispatch.Dispatcher
}

func testPolicy() dispatch.Policy {
	return dispatch.Policy{
		AttemptTimeout: time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	storetest.Listener(t, s, "L1")
	agent := dataplanetest.New()
	tracker := status.NewTracker(s, zerolog.Nop())
	return &fixture{
		store:      s,
		agent:      agent,
		tracker:    tracker,
		dispatcher: dispatch.New(agent, s, tracker, testPolicy(), zerolog.Nop()),
	}
}

func (f *fixture) create(t *testing.T, e types.Entity) {
	t.Helper()
	if err := f.store.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity(%s) error = %v", e.Base().ID, err)
	}
}

func (f *fixture) compile(t *testing.T) *rules.Plan {
	t.Helper()
	set, err := f.store.GetEntities(context.Background(), "L1")
	if err != nil {
		t.Fatalf("GetEntities() error = %v", err)
	}
	plan, err := rules.Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return plan
}

func (f *fixture) dispatch(t *testing.T, opts ...dispatch.Option) *dispatch.Outcome {
	t.Helper()
	out, err := f.dispatcher.Dispatch(context.Background(), f.compile(t), opts...)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	return out
}

func (f *fixture) meta(t *testing.T, kind types.Kind, id types.EntityID) *types.Meta {
	t.Helper()
	e, err := f.store.GetEntity(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("GetEntity(%s) error = %v", id, err)
	}
	return e.Base()
}

func (f *fixture) wantStatus(t *testing.T, kind types.Kind, id types.EntityID, prov types.ProvisioningStatus, op types.OperatingStatus) {
	t.Helper()
	m := f.meta(t, kind, id)
	if m.ProvisioningStatus != prov || m.OperatingStatus != op {
		t.Errorf("%s status = %s/%s, want %s/%s", id, m.ProvisioningStatus, m.OperatingStatus, prov, op)
	}
}

func (f *fixture) activate(t *testing.T, kind types.Kind, id types.EntityID) {
	t.Helper()
	m := f.meta(t, kind, id)
	err := f.store.SetStatus(context.Background(), m.Ref(kind), types.Transition{From: m.ProvisioningStatus, To: types.Active, Operating: types.Online})
	if err != nil {
		t.Fatalf("SetStatus(%s) error = %v", id, err)
	}
}

func TestDispatch_ConditionBoundACL(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Condition("C1", "L1", "/login"))
	a := storetest.ACL("A1", "L1", "a")
	a.ConditionRef = "C1"
	f.create(t, a)

	plan := f.compile(t)
	if len(plan.Steps) != 1 || plan.Steps[0].Ref.ID != "A1" || plan.Steps[0].Condition.Ref.ID != "C1" {
		t.Fatalf("plan steps = %+v, want one step C1 -> A1", plan.Steps)
	}

	out := f.dispatch(t)
	if out.Status != store.PlanApplied || len(out.Acked) != 1 {
		t.Errorf("Outcome = %+v, want APPLIED with one ack", out)
	}
	f.wantStatus(t, types.KindACL, "A1", types.Active, types.Online)
	f.wantStatus(t, types.KindCondition, "C1", types.Active, types.Online)

	rec, _ := f.store.GetPlanRecord(context.Background(), "L1")
	if rec.Digest != plan.Digest || rec.AppliedAt.IsZero() {
		t.Errorf("PlanRecord = %+v, want digest %s", rec, plan.Digest)
	}
}

func TestDispatch_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.create(t, storetest.Rule("R2", "L1", "deny if /b"))
	f.create(t, storetest.Rule("R3", "L1", "deny if /c"))
	f.agent.Script("R2", dispatch.Nack, "unsupported")

	out := f.dispatch(t)

	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
	f.wantStatus(t, types.KindRule, "R2", types.Error, types.OpError)
	f.wantStatus(t, types.KindRule, "R3", types.Active, types.Online)

	if out.Status != store.PlanPartial || !out.Nacked() {
		t.Errorf("Outcome status = %s, nacked = %v, want PARTIAL, true", out.Status, out.Nacked())
	}
	if len(out.Failed) != 1 || !errors.Is(out.Failed[0], types.ErrNack) {
		t.Errorf("Failed = %v, want one NACK", out.Failed)
	}
	if reason := f.meta(t, types.KindRule, "R2").StatusReason; reason == "" {
		t.Error("R2 StatusReason is empty, want the NACK reason")
	}

	rec, _ := f.store.GetPlanRecord(context.Background(), "L1")
	if rec.Digest != "" || rec.Status != store.PlanPartial || rec.LastError == "" {
		t.Errorf("PlanRecord = %+v, want no applied digest, PARTIAL with error", rec)
	}

	// The next compile excludes R2 and applies cleanly.
	out = f.dispatch(t)
	if out.Status != store.PlanApplied {
		t.Errorf("second Outcome status = %s, want APPLIED", out.Status)
	}
	if steps := f.agent.Plan("L1").Dispatchable(); len(steps) != 2 {
		t.Errorf("applied steps = %d, want 2", len(steps))
	}
}

func TestDispatch_IdempotentDigest(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))

	f.dispatch(t)
	out := f.dispatch(t)

	if !out.Skipped {
		t.Error("Skipped = false, want true")
	}
	if got := f.agent.Applies(); got != 1 {
		t.Errorf("Applies() = %d, want 1", got)
	}
}

func TestDispatch_ResolvesPendingOnMatchingDigest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	plan := f.compile(t)

	// Applied by an earlier run that never recorded the ACK.
	if err := f.store.PutPlanRecord(ctx, &store.PlanRecord{ListenerID: "L1", Digest: plan.Digest, Status: store.PlanApplied}); err != nil {
		t.Fatalf("PutPlanRecord() error = %v", err)
	}

	out, err := f.dispatcher.Dispatch(ctx, plan)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !out.Skipped || f.agent.Applies() != 0 {
		t.Errorf("Skipped = %v, Applies() = %d, want true, 0", out.Skipped, f.agent.Applies())
	}
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
}

func TestDispatch_TimeoutRetried(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.agent.Script("R1", dispatch.Timeout, "").Script("R1", dispatch.Timeout, "")

	out := f.dispatch(t)

	if got := f.agent.Applies(); got != 3 {
		t.Errorf("Applies() = %d, want 3", got)
	}
	if out.Status != store.PlanApplied {
		t.Errorf("Outcome status = %s, want APPLIED", out.Status)
	}
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
}

func TestDispatch_TimeoutExhausted(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.create(t, storetest.Condition("C9", "L1", "/unused"))
	for range 3 {
		f.agent.Script("R1", dispatch.Timeout, "")
	}

	out := f.dispatch(t)

	if got := f.agent.Applies(); got != 3 {
		t.Errorf("Applies() = %d, want 3", got)
	}
	if out.Status != store.PlanFailed || len(out.Failed) != 1 || !errors.Is(out.Failed[0], types.ErrTimeout) {
		t.Errorf("Outcome = %+v, want FAILED with one TIMEOUT", out)
	}
	f.wantStatus(t, types.KindRule, "R1", types.Error, types.OpError)
	// Passive members wait for a complete apply.
	f.wantStatus(t, types.KindCondition, "C9", types.PendingCreate, types.Offline)
}

func TestDispatch_TimeoutKeepsLiveStep(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.activate(t, types.KindRule, "R1")
	for range 3 {
		f.agent.Script("R1", dispatch.Timeout, "")
	}

	f.dispatch(t)
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
}

func TestDispatch_ApplyTransportErrorRetried(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.agent.FailApply(errors.New("connection refused"))

	f.dispatch(t)

	if got := f.agent.Applies(); got != 2 {
		t.Errorf("Applies() = %d, want 2", got)
	}
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
}

func TestDispatch_ApplyRejectedWhole(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.create(t, storetest.Rule("R2", "L1", "deny if /b"))
	f.agent.FailApply(types.ErrNack)

	out := f.dispatch(t)

	if got := f.agent.Applies(); got != 1 {
		t.Errorf("Applies() = %d, want 1", got)
	}
	if out.Status != store.PlanFailed || len(out.Failed) != 2 {
		t.Errorf("Outcome = %+v, want FAILED with two NACKs", out)
	}
}

func TestDispatch_PassiveMembers(t *testing.T) {
	f := newFixture(t)
	f.create(t, storetest.Condition("C1", "L1", "/unused"))
	r := storetest.Rule("R1", "L1", "deny if /a")
	r.AdminStateUp = false
	f.create(t, r)

	f.dispatch(t)

	f.wantStatus(t, types.KindCondition, "C1", types.Active, types.NoMonitor)
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Offline)
	if steps := f.agent.Plan("L1").Dispatchable(); len(steps) != 0 {
		t.Errorf("dispatched steps = %d, want 0", len(steps))
	}
}

func markDeleted(t *testing.T, f *fixture, kind types.Kind, id types.EntityID) {
	t.Helper()
	m := f.meta(t, kind, id)
	err := f.store.SetStatus(context.Background(), m.Ref(kind), types.Transition{From: m.ProvisioningStatus, To: types.PendingDelete, Operating: types.Offline})
	if err != nil {
		t.Fatalf("SetStatus(%s) error = %v", id, err)
	}
}

func TestDispatch_Retract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.dispatch(t)
	markDeleted(t, f, types.KindRule, "R1")

	out := f.dispatch(t)

	if len(out.Purged) != 1 || out.Purged[0].ID != "R1" {
		t.Errorf("Purged = %v, want [R1]", out.Purged)
	}
	if got := f.agent.Retracted(); len(got) != 1 || got[0].ID != "R1" {
		t.Errorf("Retracted() = %v, want [R1]", got)
	}
	if _, err := f.store.GetEntity(ctx, types.KindRule, "R1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetEntity(R1) error = %v, want ErrNotFound", err)
	}
}

func TestDispatch_RetractForcePurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.dispatch(t)
	markDeleted(t, f, types.KindRule, "R1")
	f.agent.FailRetract(types.ErrNack, types.ErrNack, types.ErrNack)

	out := f.dispatch(t)

	if got := f.agent.Retracts(); got != 3 {
		t.Errorf("Retracts() = %d, want 3", got)
	}
	if len(out.ForcePurged) != 1 || len(out.Purged) != 0 {
		t.Errorf("ForcePurged = %v, Purged = %v, want [R1], []", out.ForcePurged, out.Purged)
	}
	if _, err := f.store.GetEntity(ctx, types.KindRule, "R1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetEntity(R1) error = %v, want ErrNotFound", err)
	}
}

func TestDispatch_Supersede(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	started, release := f.agent.Hold()
	defer release()

	first := make(chan error, 1)
	plan := f.compile(t)
	go func() {
		_, err := f.dispatcher.Dispatch(ctx, plan)
		first <- err
	}()
	<-started

	out, err := f.dispatcher.Dispatch(ctx, f.compile(t))
	if err != nil {
		t.Fatalf("Dispatch(newer) error = %v", err)
	}
	if err := <-first; !errors.Is(err, dispatch.ErrSuperseded) {
		t.Errorf("Dispatch(older) error = %v, want ErrSuperseded", err)
	}
	if out.Status != store.PlanApplied {
		t.Errorf("Outcome status = %s, want APPLIED", out.Status)
	}
	if got := f.agent.Applies(); got != 2 {
		t.Errorf("Applies() = %d, want 2", got)
	}
	f.wantStatus(t, types.KindRule, "R1", types.Active, types.Online)
}

func TestDispatch_DriftAndForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storetest.Rule("R1", "L1", "deny if /a"))
	f.dispatch(t)

	drifted, err := f.dispatcher.Drifted(ctx, "L1")
	if err != nil || drifted {
		t.Fatalf("Drifted() = %v, %v, want false, nil", drifted, err)
	}

	f.agent.SetDigest("L1", "")
	drifted, _ = f.dispatcher.Drifted(ctx, "L1")
	if !drifted {
		t.Fatal("Drifted() after agent reset = false, want true")
	}

	out := f.dispatch(t, dispatch.Force())
	if out.Skipped {
		t.Error("Skipped = true, want false under Force")
	}
	if got := f.agent.Applies(); got != 2 {
		t.Errorf("Applies() = %d, want 2", got)
	}
	if drifted, _ := f.dispatcher.Drifted(ctx, "L1"); drifted {
		t.Error("Drifted() after forced dispatch = true, want false")
	}
}
