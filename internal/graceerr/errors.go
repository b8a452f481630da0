// Package graceerr defines the typed error kinds surfaced across the control
// plane's subsystems. Handlers translate these into HTTP responses; internal
// callers use errors.As/errors.Is against them directly.
package graceerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories named by the governance,
// crypto, audit and pipeline subsystems.
type Kind string

const (
	KindGovernanceDenied     Kind = "GOVERNANCE_DENIED"
	KindSignatureInvalid     Kind = "SIGNATURE_INVALID"
	KindAuditWriteError      Kind = "AUDIT_WRITE_ERROR"
	KindChainIntegrityBroken Kind = "CHAIN_INTEGRITY_BROKEN"
	KindValidationFailed     Kind = "VALIDATION_FAILED"
	KindStateError           Kind = "STATE_ERROR"
	KindBackendUnavailable   Kind = "BACKEND_UNAVAILABLE"
	KindTimeout              Kind = "TIMEOUT"
	KindQuorumTimeout        Kind = "QUORUM_TIMEOUT"
	KindNoPortAvailable      Kind = "NO_PORT_AVAILABLE"
	KindRollbackRequired     Kind = "ROLLBACK_REQUIRED"
)

// httpStatus maps each Kind to the status code the HTTP surface returns.
var httpStatus = map[Kind]int{
	KindGovernanceDenied:     http.StatusForbidden,
	KindSignatureInvalid:     http.StatusUnauthorized,
	KindAuditWriteError:      http.StatusInternalServerError,
	KindChainIntegrityBroken: http.StatusInternalServerError,
	KindValidationFailed:     http.StatusBadRequest,
	KindStateError:           http.StatusConflict,
	KindBackendUnavailable:   http.StatusServiceUnavailable,
	KindTimeout:              http.StatusGatewayTimeout,
	KindQuorumTimeout:        http.StatusGatewayTimeout,
	KindNoPortAvailable:      http.StatusServiceUnavailable,
	KindRollbackRequired:     http.StatusConflict,
}

// Error is the structured error type every subsystem returns.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair to the error's Details map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the status code this error's Kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Constructors, one per Kind.

func GovernanceDenied(resource, action, policy string) *Error {
	return New(KindGovernanceDenied, "governance policy denied this action").
		WithDetail("resource", resource).
		WithDetail("action", action).
		WithDetail("policy", policy)
}

func SignatureInvalid(err error) *Error {
	return Wrap(KindSignatureInvalid, "signature verification failed", err)
}

func AuditWriteError(err error) *Error {
	return Wrap(KindAuditWriteError, "audit log write failed", err)
}

func ChainIntegrityBroken(sequence int64) *Error {
	return New(KindChainIntegrityBroken, "audit hash chain integrity check failed").
		WithDetail("sequence", sequence)
}

func ValidationFailed(reason string) *Error {
	return New(KindValidationFailed, reason)
}

func StateError(reason string) *Error {
	return New(KindStateError, reason)
}

func BackendUnavailable(backend string, err error) *Error {
	return Wrap(KindBackendUnavailable, "backend unavailable", err).
		WithDetail("backend", backend)
}

func Timeout(operation string) *Error {
	return New(KindTimeout, "operation timed out").WithDetail("operation", operation)
}

func QuorumTimeout(handshakeID string) *Error {
	return New(KindQuorumTimeout, "quorum not reached before deadline").
		WithDetail("handshake_id", handshakeID)
}

func NoPortAvailable(rangeStart, rangeEnd int) *Error {
	return New(KindNoPortAvailable, "no port available in managed range").
		WithDetail("range_start", rangeStart).
		WithDetail("range_end", rangeEnd)
}

func RollbackRequired(updateID, reason string) *Error {
	return New(KindRollbackRequired, reason).
		WithDetail("update_id", updateID)
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err's chain contains an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
