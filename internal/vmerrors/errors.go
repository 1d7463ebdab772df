// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vmerrors defines the single error taxonomy every component in
// the VM service layer surfaces to its caller. Each error carries a Kind
// for programmatic handling and a one-line human message suitable for a
// UI notification.
package vmerrors

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind classifies why an operation failed.
type Kind string

const (
	ConnectionErr   Kind = "connection"
	NotFound        Kind = "not_found"
	Precondition    Kind = "precondition"
	Invalid         Kind = "invalid"
	Conflict        Kind = "conflict"
	Timeout         Kind = "timeout"
	ExternalProcess Kind = "external_process"
	PartialSuccess  Kind = "partial_success"
	Cancelled       Kind = "cancelled"
)

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	URI     string
	Cause   error
}

func (e *Error) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.URI)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind that chains cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithURI attaches the URI a ConnectionErr pertains to.
func (e *Error) WithURI(uri string) *Error {
	e.URI = uri
	return e
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Connectionf builds a ConnectionErr scoped to uri.
func Connectionf(uri string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    ConnectionErr,
		Message: fmt.Sprintf(format, args...),
		URI:     uri,
		Cause:   cause,
	}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

// Preconditionf builds a Precondition error.
func Preconditionf(format string, args ...any) *Error {
	return &Error{Kind: Precondition, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds an Invalid error.
func Invalidf(format string, args ...any) *Error {
	return &Error{Kind: Invalid, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf builds a Timeout error.
func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: Timeout, Message: fmt.Sprintf(format, args...)}
}

// ExternalProcessf builds an ExternalProcess error.
func ExternalProcessf(cause error, format string, args ...any) *Error {
	return &Error{Kind: ExternalProcess, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// PartialSuccessf builds a PartialSuccess error: the persistent change
// succeeded but a follow-up live update did not.
func PartialSuccessf(cause error, format string, args ...any) *Error {
	return &Error{Kind: PartialSuccess, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Cancelledf builds a Cancelled error.
func Cancelledf(format string, args ...any) *Error {
	return &Error{Kind: Cancelled, Message: fmt.Sprintf(format, args...)}
}

// Aggregate collects independent validation failures (e.g. a network's
// DHCP range plus its subnet-overlap check) into one error, using
// go-multierror so every individual *Error remains reachable via
// errors.As while the caller still gets one value back.
func Aggregate(errs ...error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
