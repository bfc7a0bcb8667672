// Package status implements the provisioning state machine for conditions,
// ACLs and rules, and keeps the per-listener plan state reported by
// get_plan_status.
//
// Every transition is a compare-and-set against (provisioning_status,
// revision) in the store. A lost compare-and-set means a newer mutation
// owns the entity, so the stale result is dropped rather than retried.
package status

import (
	"github.com/solatis/l7plane/internal/types"
)

// transitions lists the allowed provisioning moves. Creation enters
// PENDING_CREATE and is not a move; purging a PENDING_DELETE entity is a
// store delete, not a move.
var transitions = map[types.ProvisioningStatus][]types.ProvisioningStatus{
	types.PendingCreate: {types.PendingCreate, types.Active, types.Error},
	types.PendingUpdate: {types.PendingUpdate, types.PendingDelete, types.Active, types.Error},
	types.Active:        {types.PendingUpdate, types.PendingDelete, types.Error},
	types.Error:         {types.PendingUpdate, types.PendingDelete},
	types.PendingDelete: {},
}

// Allowed reports whether an entity in from may move to to.
func Allowed(from, to types.ProvisioningStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is the part an entity plays in a compiled plan. It decides the
// operating status an ACTIVE entity reports.
type Role int

const (
	// RoleStep is a dispatched ACL or rule, or a condition bound to one.
	RoleStep Role = iota
	// RoleInactive is a step compiled with admin_state_up=false.
	RoleInactive
	// RoleUnbound is a condition no dispatched step references.
	RoleUnbound
)

// Operating derives the operating status from the provisioning status.
func Operating(prov types.ProvisioningStatus, role Role) types.OperatingStatus {
	switch prov {
	case types.Active:
		switch role {
		case RoleInactive:
			return types.Offline
		case RoleUnbound:
			return types.NoMonitor
		}
		return types.Online
	case types.Error:
		return types.OpError
	}
	return types.Offline
}

// ListenerOperating summarizes a listener: ERROR when its last compile
// failed, DEGRADED when any entity is in ERROR, ONLINE when any entity is
// ACTIVE, OFFLINE otherwise (no entities, or pending only).
func ListenerOperating(set *types.EntitySet, compileFailed bool) types.OperatingStatus {
	if compileFailed {
		return types.OpError
	}
	var active, failed bool
	set.Each(func(e types.Entity) {
		switch e.Base().ProvisioningStatus {
		case types.Active:
			active = true
		case types.Error:
			failed = true
		}
	})
	switch {
	case failed:
		return types.Degraded
	case active:
		return types.Online
	}
	return types.Offline
}
