package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for l7plane operations.
var (
	// ErrNotFound indicates an entity id does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrListenerNotFound indicates a listener id does not exist.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrListenerExists indicates a listener id is already registered.
	ErrListenerExists = errors.New("listener already exists")

	// ErrListenerInUse indicates a listener still owns entities.
	ErrListenerInUse = errors.New("listener still owns conditions, acls or rules")

	// ErrStatusConflict indicates a compare-and-set status update lost a race.
	ErrStatusConflict = errors.New("provisioning status changed concurrently")

	// ErrInvalidTransition indicates a transition not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid provisioning status transition")

	// ErrNotPendingDelete indicates a purge of an entity not in PENDING_DELETE.
	ErrNotPendingDelete = errors.New("entity is not pending delete")

	// ErrSchemaMismatch indicates the database lacks the required migrations.
	ErrSchemaMismatch = errors.New("database schema version mismatch")

	// ErrNack indicates the data plane rejected a plan step or retraction.
	ErrNack = errors.New("data plane rejected request")

	// ErrTimeout indicates the data plane did not answer within the attempt budget.
	ErrTimeout = errors.New("data plane timed out")
)

// ValidationReason classifies synchronous mutation-time rejections.
type ValidationReason string

const (
	ReasonMissingField      ValidationReason = "MissingField"
	ReasonInvalidField      ValidationReason = "InvalidField"
	ReasonTooLong           ValidationReason = "TooLong"
	ReasonDuplicateName     ValidationReason = "DuplicateName"
	ReasonUnknownListener   ValidationReason = "UnknownListener"
	ReasonImmutableField    ValidationReason = "ImmutableField"
	ReasonInvalidExpression ValidationReason = "InvalidExpression"
	ReasonPendingCreate     ValidationReason = "PendingCreate"
	ReasonPendingDelete     ValidationReason = "PendingDelete"
	ReasonInUse             ValidationReason = "InUse"
)

// ValidationError rejects a mutation before it reaches the store.
// An entity that fails validation never enters a PENDING state.
type ValidationError struct {
	Reason ValidationReason
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Reason, e.Msg)
	}
	return fmt.Sprintf("validation error: %s: %s: %s", e.Reason, e.Field, e.Msg)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(reason ValidationReason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError with the given reason.
// An empty reason matches any ValidationError.
func IsValidation(err error, reason ValidationReason) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return reason == "" || ve.Reason == reason
}

// CompileErrorKind classifies compiler diagnostics.
type CompileErrorKind string

const (
	InvalidExpression CompileErrorKind = "InvalidExpression"
	AmbiguousMatch    CompileErrorKind = "AmbiguousMatch"
	DanglingReference CompileErrorKind = "DanglingReference"
)

// EntityError is one compiler diagnostic naming the offending entities.
type EntityError struct {
	Kind CompileErrorKind `json:"kind"`
	IDs  []EntityID       `json:"ids"`
	Msg  string           `json:"message"`
}

func (e EntityError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, strings.Join(ids, ", "), e.Msg)
}

// CompileError aggregates every diagnostic from one compilation.
type CompileError struct {
	ListenerID ListenerID
	Errors     []EntityError
}

func (e *CompileError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ee := range e.Errors {
		msgs[i] = ee.Error()
	}
	return fmt.Sprintf("compile listener %s: %s", e.ListenerID, strings.Join(msgs, "; "))
}

// Has reports whether any diagnostic is of the given kind.
func (e *CompileError) Has(kind CompileErrorKind) bool {
	for _, ee := range e.Errors {
		if ee.Kind == kind {
			return true
		}
	}
	return false
}

// IDs returns the sorted, de-duplicated set of entity ids named by diagnostics.
func (e *CompileError) IDs() []EntityID {
	seen := make(map[EntityID]struct{})
	var ids []EntityID
	for _, ee := range e.Errors {
		for _, id := range ee.IDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReasonFor joins the diagnostics naming id, for status_reason.
func (e *CompileError) ReasonFor(id EntityID) string {
	var parts []string
	for _, ee := range e.Errors {
		for _, eid := range ee.IDs {
			if eid == id {
				parts = append(parts, ee.Error())
				break
			}
		}
	}
	return strings.Join(parts, "; ")
}

// DispatchErrorKind classifies per-entity data-plane failures.
type DispatchErrorKind string

const (
	DispatchNack    DispatchErrorKind = "NACK"
	DispatchTimeout DispatchErrorKind = "TIMEOUT"
)

// DispatchError records a per-entity dispatch failure.
type DispatchError struct {
	Kind   DispatchErrorKind
	Ref    EntityRef
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s %s: %s", e.Kind, e.Ref, e.Reason)
}

// Unwrap maps the kind to ErrNack / ErrTimeout for errors.Is.
func (e *DispatchError) Unwrap() error {
	if e.Kind == DispatchTimeout {
		return ErrTimeout
	}
	return ErrNack
}
