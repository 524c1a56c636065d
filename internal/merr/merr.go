// Package merr defines the typed errors surfaced by the moss core. Each
// error kind is a small struct carrying its context, an optional underlying
// cause, and a timestamp; presentation joins the cause chain with ": "
// separators via the standard error wrapping machinery.
package merr

import (
	"fmt"
	"strings"
	"time"

	"github.com/aerynos/moss/internal/metamodel"
)

// ErrorType tags the taxonomy an error belongs to.
type ErrorType string

const (
	ErrorTypeFetch        ErrorType = "fetch"
	ErrorTypeStone        ErrorType = "stone"
	ErrorTypeResolve      ErrorType = "resolve"
	ErrorTypeVFS          ErrorType = "vfs"
	ErrorTypeBlit         ErrorType = "blit"
	ErrorTypeState        ErrorType = "state"
	ErrorTypeTrigger      ErrorType = "trigger"
	ErrorTypeDB           ErrorType = "db"
	ErrorTypeCancellation ErrorType = "cancelled"
)

// NoCandidateError reports an unsatisfiable provider during resolution.
type NoCandidateError struct {
	Type      ErrorType
	Provider  metamodel.Provider
	Timestamp time.Time
}

// NewNoCandidate creates a NoCandidateError for the given provider.
func NewNoCandidate(p metamodel.Provider) *NoCandidateError {
	return &NoCandidateError{Type: ErrorTypeResolve, Provider: p, Timestamp: time.Now()}
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no candidate for %s", e.Provider)
}

// MissingMetadataError reports a referenced package id without Meta rows.
type MissingMetadataError struct {
	Type      ErrorType
	ID        metamodel.ID
	Timestamp time.Time
}

// NewMissingMetadata creates a MissingMetadataError for the given id.
func NewMissingMetadata(id metamodel.ID) *MissingMetadataError {
	return &MissingMetadataError{Type: ErrorTypeResolve, ID: id, Timestamp: time.Now()}
}

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("no metadata found for package %q", string(e.ID))
}

// StateConflictError covers activation misuse: activating the already-active
// state, or naming a state that does not exist.
type StateConflictError struct {
	Type      ErrorType
	ID        int64
	Exists    bool
	Active    bool
	Timestamp time.Time
}

// NewStateAlreadyActive reports an attempt to activate the active state.
func NewStateAlreadyActive(id int64) *StateConflictError {
	return &StateConflictError{Type: ErrorTypeState, ID: id, Exists: true, Active: true, Timestamp: time.Now()}
}

// NewStateDoesntExist reports a state id with no row.
func NewStateDoesntExist(id int64) *StateConflictError {
	return &StateConflictError{Type: ErrorTypeState, ID: id, Timestamp: time.Now()}
}

func (e *StateConflictError) Error() string {
	if !e.Exists {
		return fmt.Sprintf("state %d doesn't exist", e.ID)
	}
	if e.Active {
		return fmt.Sprintf("state %d already active", e.ID)
	}
	return fmt.Sprintf("state %d conflict", e.ID)
}

// EphemeralProhibitedError reports a stateful-only operation invoked on an
// ephemeral client.
type EphemeralProhibitedError struct {
	Operation string
	Timestamp time.Time
}

// NewEphemeralProhibited creates an EphemeralProhibitedError.
func NewEphemeralProhibited(op string) *EphemeralProhibitedError {
	return &EphemeralProhibitedError{Operation: op, Timestamp: time.Now()}
}

func (e *EphemeralProhibitedError) Error() string {
	return fmt.Sprintf("operation %s not allowed with ephemeral client", e.Operation)
}

// CancelledError reports a user-initiated cancellation. Partial downloads
// are cleaned up by the point this surfaces and no state row has been
// inserted.
type CancelledError struct {
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewCancelled creates a CancelledError.
func NewCancelled(op string, cause error) *CancelledError {
	return &CancelledError{Operation: op, Underlying: cause, Timestamp: time.Now()}
}

func (e *CancelledError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s cancelled: %v", e.Operation, e.Underlying)
	}
	return fmt.Sprintf("%s cancelled", e.Operation)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *CancelledError) Unwrap() error {
	return e.Underlying
}

// TriggerError reports a trigger spawn failure. Non-zero handler exits are
// logged, not raised; only a failure to spawn the handler process is fatal.
type TriggerError struct {
	Type       ErrorType
	Trigger    string
	Command    string
	Underlying error
	Timestamp  time.Time
}

// NewTriggerSpawn creates a TriggerError for a spawn failure.
func NewTriggerSpawn(trigger, command string, cause error) *TriggerError {
	return &TriggerError{
		Type:       ErrorTypeTrigger,
		Trigger:    trigger,
		Command:    command,
		Underlying: cause,
		Timestamp:  time.Now(),
	}
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger %s: spawn %s: %v", e.Trigger, e.Command, e.Underlying)
}

// Unwrap returns the underlying error.
func (e *TriggerError) Unwrap() error {
	return e.Underlying
}

// MultiError aggregates independent per-item failures, e.g. a batch fetch
// where several packages failed for unrelated reasons.
type MultiError struct {
	Errors []error
}

// Append adds err to the collection if non-nil.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// ErrorOrNil returns nil when no errors were collected, the single error
// when exactly one was, and m otherwise.
func (m *MultiError) ErrorOrNil() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}

func (m *MultiError) Error() string {
	parts := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(parts, "; "))
}
