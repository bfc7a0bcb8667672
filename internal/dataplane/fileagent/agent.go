// Package fileagent is a data plane that writes each listener's applied
// plan to disk: <listener>.cfg holds the rendered proxy configuration and
// <listener>.json the accepted steps and digest. A proxy can be reloaded
// from the .cfg file; the .json file backs AppliedDigest and Retract.
package fileagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solatis/l7plane/internal/dispatch"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/types"
)

// Config configures the agent.
type Config struct {
	DataDir string
	// AllowCustom accepts steps whose predicate is a custom expression.
	// Without it such steps are rejected, since the agent cannot check them.
	AllowCustom bool
}

// Snapshot is the content of <listener>.json.
type Snapshot struct {
	ListenerID types.ListenerID      `json:"listener_id"`
	Digest     string                `json:"digest"`
	AppliedAt  time.Time             `json:"applied_at"`
	Steps      []rules.Step          `json:"steps"`
	Rejected   []dispatch.StepResult `json:"rejected,omitempty"`
}

// Agent writes plans under Config.DataDir/listeners. Safe for concurrent use.
type Agent struct {
	dir         string
	allowCustom bool
	events      *EventLog
	log         zerolog.Logger
	now         func() time.Time

	mu sync.Mutex
}

var (
	_ dispatch.DataPlane      = (*Agent)(nil)
	_ dispatch.DigestReporter = (*Agent)(nil)
)

// New creates the data directory and opens the event log.
func New(cfg Config, logger zerolog.Logger) (*Agent, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}
	dir := filepath.Join(cfg.DataDir, "listeners")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	events, err := OpenEventLog(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Agent{
		dir:         dir,
		allowCustom: cfg.AllowCustom,
		events:      events,
		log:         logger.With().Str("component", "fileagent").Logger(),
		now:         time.Now,
	}, nil
}

// Close closes the event log.
func (a *Agent) Close() error {
	return a.events.Close()
}

// Apply writes the plan's dispatchable steps and answers every step
// synchronously. Custom-expression steps are rejected unless allowed and
// are left out of the written configuration.
func (a *Agent) Apply(ctx context.Context, plan *rules.Plan) (<-chan dispatch.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkListenerID(plan.ListenerID); err != nil {
		return nil, err
	}

	steps := plan.Dispatchable()
	results := make([]dispatch.StepResult, 0, len(steps))
	accepted := *plan
	accepted.Steps = make([]rules.Step, 0, len(steps))
	var rejected []dispatch.StepResult
	for _, s := range steps {
		if s.Predicate.Kind == rules.CustomExpr && !a.allowCustom {
			r := dispatch.StepResult{Ref: s.Ref, Result: dispatch.Nack, Reason: fmt.Sprintf("custom expression %q not supported", s.Predicate.Raw)}
			rejected = append(rejected, r)
			results = append(results, r)
			continue
		}
		accepted.Steps = append(accepted.Steps, s)
		results = append(results, dispatch.StepResult{Ref: s.Ref, Result: dispatch.Ack})
	}

	snap := Snapshot{
		ListenerID: plan.ListenerID,
		Digest:     plan.Digest,
		AppliedAt:  a.now().UTC(),
		Steps:      accepted.Steps,
		Rejected:   rejected,
	}
	if err := a.write(&accepted, &snap); err != nil {
		a.logEvent(Event{ListenerID: plan.ListenerID, Op: "apply", Digest: plan.Digest, Error: err.Error()})
		return nil, err
	}

	ev := Event{ListenerID: plan.ListenerID, Op: "apply", Digest: plan.Digest, Acked: len(accepted.Steps)}
	for _, r := range rejected {
		ev.Nacked = append(ev.Nacked, r.Ref)
	}
	a.logEvent(ev)
	a.log.Debug().
		Str("listener_id", string(plan.ListenerID)).
		Str("digest", plan.Digest).
		Int("acked", len(accepted.Steps)).
		Int("nacked", len(rejected)).
		Msg("plan written")

	ch := make(chan dispatch.StepResult, len(results))
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

// Retract confirms none of refs is in the listener's written configuration.
func (a *Agent) Retract(ctx context.Context, listener types.ListenerID, refs []types.EntityRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := a.Snapshot(listener)
	if err != nil {
		return err
	}
	if snap != nil {
		live := make(map[types.EntityID]bool, len(snap.Steps))
		for _, s := range snap.Steps {
			live[s.Ref.ID] = true
			if s.Condition != nil {
				live[s.Condition.Ref.ID] = true
			}
		}
		for _, r := range refs {
			if live[r.ID] {
				err := fmt.Errorf("%s still configured on listener %s: %w", r, listener, types.ErrNack)
				a.logEvent(Event{ListenerID: listener, Op: "retract", Retracted: refs, Error: err.Error()})
				return err
			}
		}
	}
	a.logEvent(Event{ListenerID: listener, Op: "retract", Retracted: refs})
	return nil
}

// AppliedDigest returns the digest of the written plan, or "" if none.
func (a *Agent) AppliedDigest(ctx context.Context, listener types.ListenerID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	snap, err := a.Snapshot(listener)
	if err != nil || snap == nil {
		return "", err
	}
	return snap.Digest, nil
}

// Snapshot reads the listener's written plan. It returns nil, nil when no
// plan has been written.
func (a *Agent) Snapshot(listener types.ListenerID) (*Snapshot, error) {
	if err := checkListenerID(listener); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path(listener, ".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", listener, err)
	}
	return &snap, nil
}

// ConfigPath returns the path of the listener's rendered configuration.
func (a *Agent) ConfigPath(listener types.ListenerID) string {
	return a.path(listener, ".cfg")
}

func (a *Agent) write(accepted *rules.Plan, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	cfg := strings.Join(rules.Render(accepted), "\n") + "\n"

	a.mu.Lock()
	defer a.mu.Unlock()
	// Config first: a snapshot never claims a digest whose config is missing.
	if err := writeFileAtomic(a.path(accepted.ListenerID, ".cfg"), []byte(cfg)); err != nil {
		return err
	}
	return writeFileAtomic(a.path(accepted.ListenerID, ".json"), append(data, '\n'))
}

func (a *Agent) path(listener types.ListenerID, ext string) string {
	return filepath.Join(a.dir, string(listener)+ext)
}

func (a *Agent) logEvent(ev Event) {
	ev.Timestamp = a.now().UTC()
	if err := a.events.Log(ev); err != nil {
		a.log.Warn().Err(err).Msg("event log write failed")
	}
}

func checkListenerID(id types.ListenerID) error {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid listener id %q", s)
	}
	return nil
}

// writeFileAtomic writes data to path via a temporary file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
