// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"

	"github.com/solatis/l7plane/internal/types"
)

/*
 * Rule compilation.
 *
 * Compiles one listener's EntitySet into a Plan: an ordered list of
 * predicate -> action steps plus the bookkeeping the dispatcher needs to
 * resolve statuses (retractions and unbound conditions).
 *
 * Compilation workflow:
 *   1. Parse conditions; PENDING_DELETE entities go to Retract
 *   2. Build one step per ACL (criterion bound to its condition) and rule
 *   3. Order steps: explicit priority ascending, then seq, then id
 *   4. Detect conflicts among active steps (same predicate, other action)
 *   5. Collect conditions no active step references (Unbound)
 *
 * Step states:
 *   - active:   dispatched to the data plane
 *   - inactive: admin_state_up=false, kept for audit, resolved with the plan
 *   - excluded: entity in ERROR, skipped until an operator corrects it
 *   - blocked:  referenced condition is in ERROR and cannot be parsed
 *
 * Entities already in ERROR never produce new diagnostics, so a listener
 * converges once the offending pending entities have been moved to ERROR.
 *
 * Compilation is pure: identical input yields an identical Plan and Digest.
 */

// StepState describes whether a step reaches the data plane.
type StepState string

const (
	StepActive   StepState = "active"
	StepInactive StepState = "inactive"
	StepExcluded StepState = "excluded"
	StepBlocked  StepState = "blocked"
)

// Member is an entity covered by a plan, with its status at compile time.
type Member struct {
	Ref    types.EntityRef          `json:"ref"`
	Status types.ProvisioningStatus `json:"status"`
}

// Step is one compiled match -> action entry.
type Step struct {
	Ref       types.EntityRef          `json:"ref"`
	Status    types.ProvisioningStatus `json:"status"`
	Condition *Member                  `json:"condition,omitempty"`
	Name      string                   `json:"name"`
	Label     string                   `json:"label,omitempty"`
	ACLType   string                   `json:"acl_type,omitempty"`
	Predicate Predicate                `json:"predicate"`
	Action    Action                   `json:"action"`
	State     StepState                `json:"state"`
	Priority  *int64                   `json:"priority,omitempty"`
	Seq       int64                    `json:"seq"`
}

// Dispatchable reports whether the step is sent to the data plane.
func (s Step) Dispatchable() bool { return s.State == StepActive }

// Plan is the compiled, ordered rule set for one listener.
type Plan struct {
	ListenerID types.ListenerID  `json:"listener_id"`
	Steps      []Step            `json:"steps"`
	Retract    []types.EntityRef `json:"retract,omitempty"`
	Unbound    []Member          `json:"unbound,omitempty"`
	Digest     string            `json:"digest"`
}

// Dispatchable returns the active steps in plan order.
func (p *Plan) Dispatchable() []Step {
	out := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Dispatchable() {
			out = append(out, s)
		}
	}
	return out
}

// Passive returns the entities that resolve with the plan as a whole rather
// than per step: inactive steps and unbound conditions.
func (p *Plan) Passive() []Member {
	var out []Member
	for _, s := range p.Steps {
		if s.State == StepInactive {
			out = append(out, Member{Ref: s.Ref, Status: s.Status})
		}
	}
	return append(out, p.Unbound...)
}

// Covers reports whether the plan lists the entity at this revision in any role.
func (p *Plan) Covers(ref types.EntityRef) bool {
	for _, s := range p.Steps {
		if s.Ref == ref || (s.Condition != nil && s.Condition.Ref == ref) {
			return true
		}
	}
	for _, r := range p.Retract {
		if r == ref {
			return true
		}
	}
	for _, m := range p.Unbound {
		if m.Ref == ref {
			return true
		}
	}
	return false
}

// Compile builds the plan for set, or returns a *types.CompileError.
func Compile(set *types.EntitySet) (*Plan, error) {
	c := compiler{parse: ParsePredicate}
	return c.compile(set)
}

type compiler struct {
	parse func(string) (Predicate, error)
	errs  []types.EntityError
}

type compiledCondition struct {
	cond *types.Condition
	pred Predicate
	err  error
}

func (c *compiler) fail(kind types.CompileErrorKind, msg string, ids ...types.EntityID) {
	c.errs = append(c.errs, types.EntityError{Kind: kind, IDs: ids, Msg: msg})
}

func (c *compiler) compile(set *types.EntitySet) (*Plan, error) {
	c.errs = nil
	plan := &Plan{ListenerID: set.ListenerID}

	byID := make(map[types.EntityID]*compiledCondition, len(set.Conditions))
	byName := make(map[string][]*compiledCondition, len(set.Conditions))
	var live []*compiledCondition

	for i := range set.Conditions {
		cond := &set.Conditions[i]
		if cond.ProvisioningStatus == types.PendingDelete {
			plan.Retract = append(plan.Retract, cond.Ref(types.KindCondition))
			continue
		}
		cc := &compiledCondition{cond: cond}
		cc.pred, cc.err = c.parse(cond.Expression)
		if cc.err != nil && cond.ProvisioningStatus != types.Error {
			c.fail(types.InvalidExpression, fmt.Sprintf("condition %q: %v", cond.Name, cc.err), cond.ID)
		}
		byID[cond.ID] = cc
		byName[cond.Name] = append(byName[cond.Name], cc)
		live = append(live, cc)
	}

	var steps []Step

	for i := range set.ACLs {
		acl := &set.ACLs[i]
		if acl.ProvisioningStatus == types.PendingDelete {
			plan.Retract = append(plan.Retract, acl.Ref(types.KindACL))
			continue
		}
		step := newStep(types.KindACL, &acl.Meta)
		step.Label = acl.MatchCondition
		step.ACLType = acl.ACLType
		excluded := step.State == StepExcluded

		action, err := ParseAction(acl.Operator, acl.Match)
		if err != nil {
			if !excluded {
				c.fail(types.InvalidExpression, fmt.Sprintf("acl %q: %v", acl.Name, err), acl.ID)
				continue
			}
		}
		step.Action = action

		if acl.ConditionRef == "" {
			step.Predicate = Predicate{Kind: AlwaysMatch}
			steps = append(steps, step)
			continue
		}

		cc, msg := resolveCondition(byID, byName, acl.ConditionRef)
		if cc == nil {
			if !excluded {
				c.fail(types.DanglingReference, fmt.Sprintf("acl %q: %s", acl.Name, msg), acl.ID)
				continue
			}
			steps = append(steps, step)
			continue
		}
		step.Condition = &Member{Ref: cc.cond.Ref(types.KindCondition), Status: cc.cond.ProvisioningStatus}

		if cc.err != nil {
			// Diagnostic already recorded against the condition unless it
			// is in ERROR, in which case this step waits for a fix.
			if cc.cond.ProvisioningStatus == types.Error && !excluded {
				step.State = StepBlocked
				steps = append(steps, step)
			} else if excluded {
				steps = append(steps, step)
			}
			continue
		}

		criterion, err := ParseCriterion(acl.Action)
		if err == nil {
			step.Predicate, err = Bind(criterion, cc.pred)
		}
		if err != nil && !excluded {
			c.fail(types.InvalidExpression, fmt.Sprintf("acl %q: %v", acl.Name, err), acl.ID)
			continue
		}
		steps = append(steps, step)
	}

	for i := range set.Rules {
		rule := &set.Rules[i]
		if rule.ProvisioningStatus == types.PendingDelete {
			plan.Retract = append(plan.Retract, rule.Ref(types.KindRule))
			continue
		}
		step := newStep(types.KindRule, &rule.Meta)
		step.Label = fmt.Sprintf("rule_%d", rule.Seq)

		expr, err := ParseRule(rule.Expression)
		if err != nil && step.State != StepExcluded {
			c.fail(types.InvalidExpression, fmt.Sprintf("rule %q: %v", rule.Name, err), rule.ID)
			continue
		}
		step.Predicate = expr.Predicate
		step.Action = expr.Action
		steps = append(steps, step)
	}

	for i := range steps {
		steps[i].Predicate = steps[i].Predicate.withDefaultOp()
	}
	sort.SliceStable(steps, func(i, j int) bool { return stepLess(steps[i], steps[j]) })
	c.detectConflicts(steps)

	if len(c.errs) > 0 {
		return nil, &types.CompileError{ListenerID: set.ListenerID, Errors: c.errs}
	}

	bound := make(map[types.EntityID]bool)
	for _, s := range steps {
		if s.Dispatchable() && s.Condition != nil {
			bound[s.Condition.Ref.ID] = true
		}
	}
	for _, cc := range live {
		if bound[cc.cond.ID] || cc.cond.ProvisioningStatus == types.Error {
			continue
		}
		plan.Unbound = append(plan.Unbound, Member{Ref: cc.cond.Ref(types.KindCondition), Status: cc.cond.ProvisioningStatus})
	}

	sort.Slice(plan.Retract, func(i, j int) bool { return refLess(plan.Retract[i], plan.Retract[j]) })
	sort.Slice(plan.Unbound, func(i, j int) bool { return refLess(plan.Unbound[i].Ref, plan.Unbound[j].Ref) })

	plan.Steps = steps
	plan.Digest = Digest(plan)
	return plan, nil
}

// detectConflicts flags active steps that share a predicate but not an
// action. The first step in plan order is named first.
func (c *compiler) detectConflicts(steps []Step) {
	first := make(map[string]int)
	for i, s := range steps {
		if !s.Dispatchable() {
			continue
		}
		key := s.Predicate.Canonical()
		j, seen := first[key]
		if !seen {
			first[key] = i
			continue
		}
		prev := steps[j]
		if prev.Action.Canonical() == s.Action.Canonical() {
			continue
		}
		c.fail(types.AmbiguousMatch,
			fmt.Sprintf("predicate %q maps to %q and %q", key, prev.Action.Canonical(), s.Action.Canonical()),
			prev.Ref.ID, s.Ref.ID)
	}
}

func newStep(kind types.Kind, m *types.Meta) Step {
	step := Step{
		Ref:      m.Ref(kind),
		Status:   m.ProvisioningStatus,
		Name:     m.Name,
		Priority: m.Priority,
		Seq:      m.Seq,
		State:    StepActive,
	}
	switch {
	case m.ProvisioningStatus == types.Error:
		step.State = StepExcluded
	case !m.AdminStateUp:
		step.State = StepInactive
	}
	return step
}

// resolveCondition looks a reference up by id, then by unique name.
func resolveCondition(byID map[types.EntityID]*compiledCondition, byName map[string][]*compiledCondition, ref string) (*compiledCondition, string) {
	if cc, ok := byID[types.EntityID(ref)]; ok {
		return cc, ""
	}
	switch matches := byName[ref]; len(matches) {
	case 1:
		return matches[0], ""
	case 0:
		return nil, fmt.Sprintf("condition %q not found on listener", ref)
	default:
		return nil, fmt.Sprintf("condition name %q is not unique on listener", ref)
	}
}

// stepLess orders by explicit priority (set before unset), seq, then id.
func stepLess(a, b Step) bool {
	switch {
	case a.Priority != nil && b.Priority == nil:
		return true
	case a.Priority == nil && b.Priority != nil:
		return false
	case a.Priority != nil && *a.Priority != *b.Priority:
		return *a.Priority < *b.Priority
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return refLess(a.Ref, b.Ref)
}

func refLess(a, b types.EntityRef) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Kind < b.Kind
}
