// Package types provides domain models shared across l7plane components.
//
// Entities mirror the lbaas_conditions, lbaas_acls and lbaas_rules tables.
// Field shapes follow the persisted layout so the same structs serve the
// SQL store (db tags), the transport (json tags) and fixture files (yaml
// tags). Provisioning and operating statuses are string enums whose values
// are stored verbatim in the 16-char status columns.
package types

import (
	"fmt"
	"unicode/utf8"
)

// ListenerID identifies a listener (lbaas_listeners.id).
type ListenerID string

// EntityID identifies a condition, ACL or rule. UUIDv7 for new entities.
type EntityID string

// Kind discriminates the three listener-owned entity tables.
type Kind string

const (
	KindCondition Kind = "condition"
	KindACL       Kind = "acl"
	KindRule      Kind = "rule"
)

// Valid reports whether k names one of the entity tables.
func (k Kind) Valid() bool {
	switch k {
	case KindCondition, KindACL, KindRule:
		return true
	}
	return false
}

// Plural returns the collection name used in list responses ("acls").
func (k Kind) Plural() string {
	return string(k) + "s"
}

// ProvisioningStatus is the control-plane lifecycle state of an entity.
type ProvisioningStatus string

const (
	PendingCreate ProvisioningStatus = "PENDING_CREATE"
	PendingUpdate ProvisioningStatus = "PENDING_UPDATE"
	PendingDelete ProvisioningStatus = "PENDING_DELETE"
	Active        ProvisioningStatus = "ACTIVE"
	Error         ProvisioningStatus = "ERROR"
)

// IsPending reports whether s is one of the PENDING_* states.
func (s ProvisioningStatus) IsPending() bool {
	return s == PendingCreate || s == PendingUpdate || s == PendingDelete
}

// Valid reports whether s is a known provisioning status.
func (s ProvisioningStatus) Valid() bool {
	switch s {
	case PendingCreate, PendingUpdate, PendingDelete, Active, Error:
		return true
	}
	return false
}

// OperatingStatus is the observed data-plane state of an entity.
type OperatingStatus string

const (
	Online    OperatingStatus = "ONLINE"
	Offline   OperatingStatus = "OFFLINE"
	Degraded  OperatingStatus = "DEGRADED"
	OpError   OperatingStatus = "ERROR"
	NoMonitor OperatingStatus = "NO_MONITOR"
)

// Valid reports whether s is a known operating status.
func (s OperatingStatus) Valid() bool {
	switch s {
	case Online, Offline, Degraded, OpError, NoMonitor:
		return true
	}
	return false
}

// EntityRef names one entity at one revision.
// Revision is used for compare-and-set when a dispatch result arrives:
// a result for an older revision must not resolve a newer mutation.
type EntityRef struct {
	Kind     Kind     `json:"kind" cbor:"1,keyasint"`
	ID       EntityID `json:"id" cbor:"2,keyasint"`
	Revision int64    `json:"revision" cbor:"3,keyasint"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s@%d", r.Kind, r.ID, r.Revision)
}

// Transition is a compare-and-set request against an entity's status.
// The store applies it only if the current status equals From and, when
// Revision is non-zero, the current revision equals Revision.
type Transition struct {
	From      ProvisioningStatus
	To        ProvisioningStatus
	Operating OperatingStatus
	Revision  int64
	Reason    string
}

// Resource limits mirrored from the persisted column widths.
const (
	// MaxIDLength matches String(36) id, tenant_id and listener_id columns.
	MaxIDLength = 36

	// MaxNameLength matches String(255) name columns.
	MaxNameLength = 255

	// MaxDescriptionLength matches String(255) description columns.
	MaxDescriptionLength = 255

	// MaxACLFieldLength matches the String(255) ACL columns (action,
	// condition, acl_type, operator, match, match_condition).
	MaxACLFieldLength = 255

	// MaxExpressionLength matches String(1024) lbaas_rules.rule and
	// lbaas_conditions.condition.
	MaxExpressionLength = 1024

	// MaxStatusReasonLength bounds the operator-visible error text.
	MaxStatusReasonLength = 1024
)

// Truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
