// Package apperr defines the error taxonomy shared by every stage of the
// message pipeline. Stages wrap underlying failures in an *Error carrying a
// Kind so callers can decide between aborting and degrading.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindRateLimited        Kind = "rate_limited"
	KindDuplicate          Kind = "duplicate"
	KindCatalogUnavailable Kind = "catalog_unavailable"
	KindResponderFailure   Kind = "responder_failure"
	KindTransportDelivery  Kind = "transport_delivery"
	KindStorage            Kind = "storage"
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "resolver.append"); Err is the underlying cause, possibly nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Authentication(op string, err error) error { return New(KindAuthentication, op, err) }
func RateLimited(op string, err error) error    { return New(KindRateLimited, op, err) }
func Duplicate(op string, err error) error      { return New(KindDuplicate, op, err) }
func Storage(op string, err error) error        { return New(KindStorage, op, err) }
func CatalogUnavailable(op string, err error) error {
	return New(KindCatalogUnavailable, op, err)
}
func ResponderFailure(op string, err error) error { return New(KindResponderFailure, op, err) }
func TransportDelivery(op string, err error) error {
	return New(KindTransportDelivery, op, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must abort the current event.
// Only storage failures do; every other kind degrades.
func IsFatal(err error) bool {
	return Is(err, KindStorage)
}
