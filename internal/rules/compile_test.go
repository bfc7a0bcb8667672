// internal/rules/compile_test.go
package rules

import (
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/l7plane/internal/types"
)

const testListener = types.ListenerID("L1")

func meta(id string, seq int64, status types.ProvisioningStatus) types.Meta {
	return types.Meta{
		ID:                 types.EntityID(id),
		ListenerID:         testListener,
		Name:               id,
		AdminStateUp:       true,
		ProvisioningStatus: status,
		Seq:                seq,
		Revision:           1,
	}
}

func cond(id, expr string, seq int64, status types.ProvisioningStatus) types.Condition {
	return types.Condition{Meta: meta(id, seq, status), Expression: expr}
}

func acl(id, action, condRef, operator, match string, seq int64, status types.ProvisioningStatus) types.ACL {
	return types.ACL{
		Meta:           meta(id, seq, status),
		Action:         action,
		ConditionRef:   condRef,
		Operator:       operator,
		Match:          match,
		MatchCondition: "m_" + id,
	}
}

func rule(id, expr string, seq int64, status types.ProvisioningStatus) types.Rule {
	return types.Rule{Meta: meta(id, seq, status), Expression: expr}
}

func priority(p int64) *int64 { return &p }

func compileErr(t *testing.T, err error) *types.CompileError {
	t.Helper()
	var ce *types.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Compile() error = %v, want *types.CompileError", err)
	}
	return ce
}

func TestCompile_ConditionBoundToACL(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{cond("C1", "/login", 1, types.PendingCreate)},
		ACLs:       []types.ACL{acl("A1", "url_end", "C1", "redirect location", "http://www.letv.com", 2, types.PendingCreate)},
	}

	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}

	if len(plan.Steps) != 1 {
		t.Fatalf("len(Steps) = %v, want 1", len(plan.Steps))
	}
	step := plan.Steps[0]
	if step.Ref.ID != "A1" {
		t.Errorf("Steps[0].Ref.ID = %v, want A1", step.Ref.ID)
	}
	if step.Condition == nil || step.Condition.Ref.ID != "C1" {
		t.Errorf("Steps[0].Condition = %+v, want C1", step.Condition)
	}
	if got := step.Predicate.Canonical(); got != "url_end /login" {
		t.Errorf("Predicate = %q, want %q", got, "url_end /login")
	}
	if got := step.Action.Canonical(); got != "redirect location http://www.letv.com" {
		t.Errorf("Action = %q, want %q", got, "redirect location http://www.letv.com")
	}
	if len(plan.Unbound) != 0 {
		t.Errorf("len(Unbound) = %v, want 0", len(plan.Unbound))
	}
	if plan.Digest == "" || len(plan.Digest) != 64 {
		t.Errorf("Digest = %q, want 64 hex chars", plan.Digest)
	}
}

func TestCompile_ConditionByName(t *testing.T) {
	c := cond("C1", "/login", 1, types.Active)
	c.Name = "login"
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{c},
		ACLs:       []types.ACL{acl("A1", "path_beg", "login", "deny", "", 2, types.PendingCreate)},
	}

	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	if plan.Steps[0].Condition == nil || plan.Steps[0].Condition.Ref.ID != "C1" {
		t.Errorf("Condition = %+v, want C1", plan.Steps[0].Condition)
	}
}

func TestCompile_OrderingPrioritySeqID(t *testing.T) {
	r1 := rule("r-c", "deny if path_beg /c", 3, types.Active)
	r2 := rule("r-b", "deny if path_beg /b", 1, types.Active)
	r3 := rule("r-a", "deny if path_beg /a", 1, types.Active)
	r4 := rule("r-p", "deny if path_beg /p", 9, types.Active)
	r4.Priority = priority(5)
	r5 := rule("r-q", "deny if path_beg /q", 10, types.Active)
	r5.Priority = priority(1)

	set := &types.EntitySet{ListenerID: testListener, Rules: []types.Rule{r1, r2, r3, r4, r5}}
	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}

	want := []types.EntityID{"r-q", "r-p", "r-a", "r-b", "r-c"}
	var got []types.EntityID
	for _, s := range plan.Steps {
		got = append(got, s.Ref.ID)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("step order = %v, want %v", got, want)
	}
}

func TestCompile_AmbiguousMatch(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Rules: []types.Rule{
			rule("R1", "use_backend a if path_beg /api", 1, types.PendingCreate),
			rule("R2", "use_backend b if /api", 2, types.PendingCreate),
		},
	}

	_, err := Compile(set)
	ce := compileErr(t, err)
	if !ce.Has(types.AmbiguousMatch) {
		t.Fatalf("CompileError = %v, want AmbiguousMatch", ce)
	}
	if got := ce.IDs(); !reflect.DeepEqual(got, []types.EntityID{"R1", "R2"}) {
		t.Errorf("IDs() = %v, want [R1 R2]", got)
	}
}

func TestCompile_SamePredicateSameActionIsNotAConflict(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Rules: []types.Rule{
			rule("R1", "deny if path_beg /x", 1, types.Active),
			rule("R2", "deny if /x", 2, types.PendingCreate),
		},
	}
	if _, err := Compile(set); err != nil {
		t.Errorf("Compile() error = %v, want nil", err)
	}
}

func TestCompile_ConflictIgnoresInactiveAndErrorSteps(t *testing.T) {
	down := rule("R2", "use_backend b if /api", 2, types.PendingCreate)
	down.AdminStateUp = false
	set := &types.EntitySet{
		ListenerID: testListener,
		Rules: []types.Rule{
			rule("R1", "use_backend a if /api", 1, types.Active),
			down,
			rule("R3", "use_backend c if /api", 3, types.Error),
		},
	}

	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	states := map[types.EntityID]StepState{}
	for _, s := range plan.Steps {
		states[s.Ref.ID] = s.State
	}
	want := map[types.EntityID]StepState{"R1": StepActive, "R2": StepInactive, "R3": StepExcluded}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if got := len(plan.Dispatchable()); got != 1 {
		t.Errorf("len(Dispatchable()) = %v, want 1", got)
	}
	passive := plan.Passive()
	if len(passive) != 1 || passive[0].Ref.ID != "R2" {
		t.Errorf("Passive() = %+v, want [R2]", passive)
	}
}

func TestCompile_DanglingReference(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		ACLs:       []types.ACL{acl("A1", "url_end", "missing", "deny", "", 1, types.PendingCreate)},
	}

	_, err := Compile(set)
	ce := compileErr(t, err)
	if !ce.Has(types.DanglingReference) {
		t.Errorf("CompileError = %v, want DanglingReference", ce)
	}
	if !reflect.DeepEqual(ce.IDs(), []types.EntityID{"A1"}) {
		t.Errorf("IDs() = %v, want [A1]", ce.IDs())
	}
}

func TestCompile_ReferenceToPendingDeleteConditionDangles(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{cond("C1", "/x", 1, types.PendingDelete)},
		ACLs:       []types.ACL{acl("A1", "path_beg", "C1", "deny", "", 2, types.PendingUpdate)},
	}
	_, err := Compile(set)
	if ce := compileErr(t, err); !ce.Has(types.DanglingReference) {
		t.Errorf("CompileError = %v, want DanglingReference", ce)
	}
}

func TestCompile_InvalidExpressions(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{cond("C1", "path_reg ([", 1, types.PendingCreate)},
		ACLs:       []types.ACL{acl("A1", "url_end", "", "teleport", "", 2, types.PendingCreate)},
		Rules:      []types.Rule{rule("R1", "deny if", 3, types.PendingUpdate)},
	}

	_, err := Compile(set)
	ce := compileErr(t, err)
	if len(ce.Errors) != 3 {
		t.Fatalf("len(Errors) = %v, want 3: %v", len(ce.Errors), ce)
	}
	for _, e := range ce.Errors {
		if e.Kind != types.InvalidExpression {
			t.Errorf("Kind = %v, want InvalidExpression", e.Kind)
		}
	}
}

func TestCompile_ErrorEntitiesDoNotFailCompile(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{cond("C1", "path_reg ([", 1, types.Error)},
		ACLs: []types.ACL{
			acl("A1", "url_end", "C1", "deny", "", 2, types.PendingCreate),
			acl("A2", "url_end", "nowhere", "deny", "", 3, types.Error),
		},
		Rules: []types.Rule{
			rule("R1", "deny if", 4, types.Error),
			rule("R2", "deny if /ok", 5, types.PendingCreate),
		},
	}

	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	states := map[types.EntityID]StepState{}
	for _, s := range plan.Steps {
		states[s.Ref.ID] = s.State
	}
	want := map[types.EntityID]StepState{"A1": StepBlocked, "A2": StepExcluded, "R1": StepExcluded, "R2": StepActive}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if len(plan.Unbound) != 0 {
		t.Errorf("Unbound = %v, want none (ERROR conditions are not resolved)", plan.Unbound)
	}
}

func TestCompile_RetractAndUnbound(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{
			cond("C1", "/used", 1, types.Active),
			cond("C2", "/spare", 2, types.PendingCreate),
			cond("C3", "/gone", 3, types.PendingDelete),
		},
		ACLs: []types.ACL{
			acl("A1", "path_beg", "C1", "deny", "", 4, types.Active),
			acl("A2", "path_beg", "C1", "deny", "", 5, types.PendingDelete),
		},
		Rules: []types.Rule{rule("R1", "deny", 6, types.PendingDelete)},
	}

	plan, err := Compile(set)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}

	var retract []types.EntityID
	for _, r := range plan.Retract {
		retract = append(retract, r.ID)
	}
	if !reflect.DeepEqual(retract, []types.EntityID{"A2", "C3", "R1"}) {
		t.Errorf("Retract = %v, want [A2 C3 R1]", retract)
	}
	if len(plan.Unbound) != 1 || plan.Unbound[0].Ref.ID != "C2" {
		t.Errorf("Unbound = %+v, want [C2]", plan.Unbound)
	}
	if !plan.Covers(types.EntityRef{Kind: types.KindCondition, ID: "C1", Revision: 1}) {
		t.Errorf("Covers(C1) = false, want true")
	}
	if plan.Covers(types.EntityRef{Kind: types.KindCondition, ID: "C1", Revision: 2}) {
		t.Errorf("Covers(C1@2) = true, want false")
	}
}

func TestCompile_DigestTracksAppliedContentOnly(t *testing.T) {
	base := func() *types.EntitySet {
		return &types.EntitySet{
			ListenerID: testListener,
			Rules:      []types.Rule{rule("R1", "deny if /a", 1, types.PendingCreate)},
		}
	}

	p1, _ := Compile(base())

	resolved := base()
	resolved.Rules[0].ProvisioningStatus = types.Active
	p2, _ := Compile(resolved)
	if p1.Digest != p2.Digest {
		t.Errorf("digest changed when only status changed: %v != %v", p1.Digest, p2.Digest)
	}

	withSpare := base()
	withSpare.Conditions = []types.Condition{cond("C9", "/spare", 2, types.PendingCreate)}
	p3, _ := Compile(withSpare)
	if p1.Digest != p3.Digest {
		t.Errorf("digest changed for unbound condition: %v != %v", p1.Digest, p3.Digest)
	}

	edited := base()
	edited.Rules[0].Revision = 2
	p4, _ := Compile(edited)
	if p1.Digest == p4.Digest {
		t.Errorf("digest unchanged after revision bump")
	}

	other := base()
	other.ListenerID = "L2"
	p5, _ := Compile(other)
	if p1.Digest == p5.Digest {
		t.Errorf("digest identical across listeners")
	}
}

func TestEngine_CompileMatchesPackageCompile(t *testing.T) {
	set := &types.EntitySet{
		ListenerID: testListener,
		Conditions: []types.Condition{cond("C1", "/login", 1, types.Active)},
		ACLs:       []types.ACL{acl("A1", "url_end", "C1", "deny", "", 2, types.PendingCreate)},
	}
	engine := NewEngine()
	for i := 0; i < 3; i++ {
		got, err := engine.Compile(set)
		if err != nil {
			t.Fatalf("Engine.Compile() error = %v", err)
		}
		want, _ := Compile(set)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Engine.Compile() = %+v, want %+v", got, want)
		}
	}
}

// genEntitySet builds a valid entity set from generated seeds. Expressions
// are drawn from a fixed pool so that conflicts do not arise.
func genEntitySet(n int, seeds []int64, shuffle bool) *types.EntitySet {
	paths := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h", "/i", "/j"}
	set := &types.EntitySet{ListenerID: testListener}
	for i := 0; i < n && i < len(paths); i++ {
		seed := int64(i)
		if i < len(seeds) {
			seed = seeds[i]
		}
		r := rule(string(rune('a'+i))+"-rule", "deny if path_beg "+paths[i], seed%4, types.Active)
		if seed%3 == 0 {
			r.Priority = priority(seed % 5)
		}
		set.Rules = append(set.Rules, r)
	}
	if shuffle {
		for i, j := 0, len(set.Rules)-1; i < j; i, j = i+1, j-1 {
			set.Rules[i], set.Rules[j] = set.Rules[j], set.Rules[i]
		}
	}
	return set
}

// Property-based test: compilation is deterministic
func TestCompile_PropertyDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical input yields identical plan and digest", prop.ForAll(
		func(n int, seeds []int64) bool {
			p1, err1 := Compile(genEntitySet(n, seeds, false))
			p2, err2 := Compile(genEntitySet(n, seeds, false))
			if err1 != nil || err2 != nil {
				return false
			}
			b1, _ := Encode(p1)
			b2, _ := Encode(p2)
			return reflect.DeepEqual(p1, p2) && string(b1) == string(b2)
		},
		gen.IntRange(0, 10),
		gen.SliceOfN(10, gen.Int64Range(0, 100)),
	))

	properties.TestingRun(t)
}

// Property-based test: input order does not affect the plan
func TestCompile_PropertyOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("store row order does not change the plan", prop.ForAll(
		func(n int, seeds []int64) bool {
			p1, err1 := Compile(genEntitySet(n, seeds, false))
			p2, err2 := Compile(genEntitySet(n, seeds, true))
			if err1 != nil || err2 != nil {
				return false
			}
			return p1.Digest == p2.Digest && reflect.DeepEqual(p1.Steps, p2.Steps)
		},
		gen.IntRange(0, 10),
		gen.SliceOfN(10, gen.Int64Range(0, 100)),
	))

	properties.TestingRun(t)
}

// Property-based test: steps are sorted by priority, seq, id
func TestCompile_PropertyOrdered(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no step sorts before its predecessor", prop.ForAll(
		func(n int, seeds []int64) bool {
			plan, err := Compile(genEntitySet(n, seeds, true))
			if err != nil {
				return false
			}
			for i := 1; i < len(plan.Steps); i++ {
				if stepLess(plan.Steps[i], plan.Steps[i-1]) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.SliceOfN(10, gen.Int64Range(0, 100)),
	))

	properties.TestingRun(t)
}
