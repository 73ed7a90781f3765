package domain

import (
	"errors"
	"fmt"
)

// Load-time errors. They are reported before any pipeline instance runs.
var (
	ErrUnresolvedImport = errors.New("unresolved import")
	ErrMalformedLayout  = errors.New("malformed pipeline layout")
	ErrUnknownLayout    = errors.New("unknown pipeline layout")
	ErrUnknownFilter    = errors.New("unknown filter kind")
	ErrUnknownModule    = errors.New("unknown module")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrNotResolved      = errors.New("program not resolved")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// Runtime errors.
var (
	// ErrClosedInstance is returned when events are fed to a terminated instance.
	ErrClosedInstance = errors.New("pipeline instance is closed")
	// ErrInvalidRelease is returned when a resource is freed more often than allocated.
	ErrInvalidRelease = errors.New("invalid resource release")
	// ErrNoTarget is returned by a balancer that has nothing to select.
	ErrNoTarget = errors.New("no target available")
	// ErrUnknownVariable is returned when a context lookup names an undeclared variable.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrHubClosed is returned when joining a mux group after the hub shut down.
	ErrHubClosed = errors.New("mux hub is closed")
)

// LoadError reports a configuration problem detected while building or
// resolving a program.
type LoadError struct {
	Err    error
	Module string
	Layout string
	Detail string
}

func (e *LoadError) Error() string {
	where := e.Module
	if e.Layout != "" {
		where = fmt.Sprintf("%s/%s", e.Module, e.Layout)
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", where, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", where, e.Err, e.Detail)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConstructionError reports a failed factory callback in a cache, pool or
// mux group. The key stays absent so a later request can retry.
type ConstructionError struct {
	Component string
	Key       any
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s: construct %v: %v", e.Component, e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// DomainError wraps errors with a machine-readable code for admin responses.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the JSON error model returned by the admin API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
