// Package dataplanetest provides a scriptable in-memory data plane for
// dispatcher and reconciler tests.
package dataplanetest

import (
	"context"
	"sync"

	"github.com/solatis/l7plane/internal/dispatch"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/types"
)

// Agent answers ACK for every step unless scripted otherwise. Safe for
// concurrent use.
type Agent struct {
	mu        sync.Mutex
	script    map[types.EntityID][]scripted
	retractQ  []error
	applyErrs []error
	holds     []*hold

	applies   int
	retracts  int
	retracted []types.EntityRef
	plans     map[types.ListenerID]*rules.Plan
	digests   map[types.ListenerID]string
}

type scripted struct {
	result dispatch.Result
	reason string
}

type hold struct {
	started chan struct{}
	release chan struct{}
}

var (
	_ dispatch.DataPlane      = (*Agent)(nil)
	_ dispatch.DigestReporter = (*Agent)(nil)
)

// New returns an Agent that acknowledges everything.
func New() *Agent {
	return &Agent{
		script:  make(map[types.EntityID][]scripted),
		plans:   make(map[types.ListenerID]*rules.Plan),
		digests: make(map[types.ListenerID]string),
	}
}

// Script queues answers for one entity, consumed one per Apply call. Once
// the queue is empty the entity is acknowledged.
func (a *Agent) Script(id types.EntityID, result dispatch.Result, reason string) *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script[id] = append(a.script[id], scripted{result: result, reason: reason})
	return a
}

// FailApply queues errors returned by the next Apply calls.
func (a *Agent) FailApply(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyErrs = append(a.applyErrs, errs...)
}

// FailRetract queues errors returned by the next Retract calls.
func (a *Agent) FailRetract(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retractQ = append(a.retractQ, errs...)
}

// Hold makes the next Apply block until release is called or its context
// ends. started is closed once that Apply has been entered.
func (a *Agent) Hold() (started <-chan struct{}, release func()) {
	h := &hold{started: make(chan struct{}), release: make(chan struct{})}
	a.mu.Lock()
	a.holds = append(a.holds, h)
	a.mu.Unlock()
	var once sync.Once
	return h.started, func() { once.Do(func() { close(h.release) }) }
}

// SetDigest overrides the digest reported for a listener, as after an
// agent restart.
func (a *Agent) SetDigest(listener types.ListenerID, digest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.digests[listener] = digest
}

// Applies returns the number of Apply calls.
func (a *Agent) Applies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applies
}

// Retracts returns the number of Retract calls.
func (a *Agent) Retracts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retracts
}

// Retracted returns every ref passed to a successful Retract.
func (a *Agent) Retracted() []types.EntityRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.EntityRef(nil), a.retracted...)
}

// Plan returns the last plan applied to listener.
func (a *Agent) Plan(listener types.ListenerID) *rules.Plan {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plans[listener]
}

func (a *Agent) Apply(ctx context.Context, plan *rules.Plan) (<-chan dispatch.StepResult, error) {
	a.mu.Lock()
	a.applies++
	var h *hold
	if len(a.holds) > 0 {
		h, a.holds = a.holds[0], a.holds[1:]
	}
	if len(a.applyErrs) > 0 {
		err := a.applyErrs[0]
		a.applyErrs = a.applyErrs[1:]
		a.mu.Unlock()
		return nil, err
	}

	steps := plan.Dispatchable()
	results := make([]dispatch.StepResult, 0, len(steps))
	for _, s := range steps {
		r := dispatch.StepResult{Ref: s.Ref, Result: dispatch.Ack}
		if q := a.script[s.Ref.ID]; len(q) > 0 {
			r.Result, r.Reason = q[0].result, q[0].reason
			a.script[s.Ref.ID] = q[1:]
		}
		results = append(results, r)
	}
	a.plans[plan.ListenerID] = plan
	a.digests[plan.ListenerID] = plan.Digest
	a.mu.Unlock()

	ch := make(chan dispatch.StepResult)
	go func() {
		defer close(ch)
		if h != nil {
			close(h.started)
			select {
			case <-h.release:
			case <-ctx.Done():
				return
			}
		}
		for _, r := range results {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *Agent) Retract(_ context.Context, _ types.ListenerID, refs []types.EntityRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retracts++
	if len(a.retractQ) > 0 {
		err := a.retractQ[0]
		a.retractQ = a.retractQ[1:]
		return err
	}
	a.retracted = append(a.retracted, refs...)
	return nil
}

func (a *Agent) AppliedDigest(_ context.Context, listener types.ListenerID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.digests[listener], nil
}
