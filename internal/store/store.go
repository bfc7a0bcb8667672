// Package store defines the Rule Store: persistence of listeners and their
// conditions, ACLs and rules, status compare-and-set, and applied plan
// records. It carries no policy; validation and the status state machine
// live in the service and status packages.
//
// Implementations:
//   - memstore: arena-style, in-process (tests, `l7plane plan` dry runs)
//   - sqlstore: sqlx over the embedded lbaas schema (sqlite, postgres)
package store

import (
	"context"
	"time"

	"github.com/solatis/l7plane/internal/types"
)

// Store is the persistence collaborator for the control plane.
//
// Entity writes never cascade: a listener can only be deleted once it owns
// no entities, and a condition's references are checked by the caller.
type Store interface {
	CreateListener(ctx context.Context, l *types.Listener) error
	GetListener(ctx context.Context, id types.ListenerID) (*types.Listener, error)
	ListListeners(ctx context.Context) ([]types.Listener, error)
	// DeleteListener fails with types.ErrListenerInUse while entities remain.
	DeleteListener(ctx context.Context, id types.ListenerID) error

	// GetEntities returns everything a listener owns, including entities in
	// PENDING_DELETE.
	GetEntities(ctx context.Context, listener types.ListenerID) (*types.EntitySet, error)
	GetEntity(ctx context.Context, kind types.Kind, id types.EntityID) (types.Entity, error)
	ListEntities(ctx context.Context, kind types.Kind, filter ListFilter) ([]types.Entity, error)

	// CreateEntity inserts e, assigning its per-listener Seq and Revision 1.
	// An ACL name already used on the listener yields a DuplicateName
	// ValidationError.
	CreateEntity(ctx context.Context, e types.Entity) error

	// UpdateEntity writes e's mutable fields and status, incrementing the
	// revision. It applies only if the stored revision equals
	// e.Base().Revision and the stored status equals from; otherwise it
	// returns types.ErrStatusConflict. On success e.Base().Revision holds
	// the new revision.
	UpdateEntity(ctx context.Context, e types.Entity, from types.ProvisioningStatus) error

	// SetStatus applies a status compare-and-set. See types.Transition.
	SetStatus(ctx context.Context, ref types.EntityRef, tr types.Transition) error

	// DeleteIfConfirmed removes an entity in PENDING_DELETE (at ref.Revision
	// when non-zero). Other states yield types.ErrNotPendingDelete.
	DeleteIfConfirmed(ctx context.Context, ref types.EntityRef) error

	// ListPendingListeners returns listeners owning any PENDING_* entity.
	ListPendingListeners(ctx context.Context) ([]types.ListenerID, error)

	GetPlanRecord(ctx context.Context, listener types.ListenerID) (*PlanRecord, error)
	PutPlanRecord(ctx context.Context, rec *PlanRecord) error

	Close() error
}

// ListFilter narrows ListEntities. Zero fields match everything.
type ListFilter struct {
	ListenerID types.ListenerID
	TenantID   string
	Name       string
	Status     types.ProvisioningStatus
	Limit      int
}

// Plan outcomes recorded in PlanRecord.Status.
const (
	PlanApplied = "APPLIED"
	PlanPartial = "PARTIAL"
	PlanFailed  = "FAILED"
)

// PlanRecord is the persisted trace of the last dispatch for a listener.
// Digest is the digest the data plane last acknowledged; it is empty until
// a plan has been applied.
type PlanRecord struct {
	ListenerID types.ListenerID `db:"listener_id" json:"listener_id"`
	Digest     string           `db:"digest" json:"digest"`
	AppliedAt  time.Time        `db:"-" json:"applied_at"`
	Status     string           `db:"status" json:"status"`
	LastError  string           `db:"last_error" json:"last_error,omitempty"`
}

// NewEntity returns an empty entity of the given kind.
func NewEntity(kind types.Kind) (types.Entity, bool) {
	switch kind {
	case types.KindCondition:
		return &types.Condition{}, true
	case types.KindACL:
		return &types.ACL{}, true
	case types.KindRule:
		return &types.Rule{}, true
	}
	return nil, false
}

// CloneEntity returns a deep copy of e.
func CloneEntity(e types.Entity) types.Entity {
	var out types.Entity
	switch v := e.(type) {
	case *types.Condition:
		c := *v
		out = &c
	case *types.ACL:
		a := *v
		out = &a
	case *types.Rule:
		r := *v
		out = &r
	default:
		return nil
	}
	if p := e.Base().Priority; p != nil {
		v := *p
		out.Base().Priority = &v
	}
	return out
}
