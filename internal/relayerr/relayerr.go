// internal/relayerr/relayerr.go
// Package relayerr carries the Relay subsystem's error taxonomy through the
// system, independent of which surface (HTTP, the duplex
// channel, or an in-process caller such as the Transfer subsystem)
// eventually renders it.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error taxonomy. Propagation rules live with each
// caller: Unauthorized/BadRequest/ModeMismatch/NotFound surface verbatim;
// AgentDisconnected/Timeout/transport errors surface to the Transfer
// subsystem as a rejection and are never auto-retried at this layer.
type Kind string

const (
	Unauthorized      Kind = "unauthorized"
	NotFound          Kind = "not_found"
	BadRequest        Kind = "bad_request"
	Unsupported       Kind = "unsupported"
	ModeMismatch      Kind = "mode_mismatch"
	AgentDisconnected Kind = "agent_disconnected"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

// Error is a Kind-tagged error carrying an optional offending token. Token is
// never logged in full; Error() only ever shows its first 8 characters.
type Error struct {
	Kind  Kind
	Msg   string
	Token string
	Err   error
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithToken returns a copy annotated with an offending token, truncated for
// display purposes only; the full token is never retained on the error.
func (e *Error) WithToken(token string) *Error {
	cp := *e
	cp.Token = truncate(token)
	return &cp
}

func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func (e *Error) Error() string {
	s := string(e.Kind) + ": " + e.Msg
	if e.Token != "" {
		s += " (token=" + e.Token + "…)"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func truncate(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// As extracts a *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a Kind to the status code RelayHTTP responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case Unsupported:
		return http.StatusUnsupportedMediaType
	case ModeMismatch:
		return http.StatusForbidden
	case Cancelled:
		return 499 // non-standard "client closed request"
	case Timeout:
		return http.StatusGatewayTimeout
	case AgentDisconnected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
