// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package fault defines the AS2 error taxonomy.
//
// Every error raised while building, receiving or delivering an AS2
// transmission belongs to one of the kinds below. Kinds are compared with
// errors.Is, so callers can branch on the category without knowing the
// concrete error:
//
//	if errors.Is(err, fault.Policy) {
//	    // answer with a failed MDN
//	}
package fault

import (
	"errors"
	"fmt"
)

// Fault kinds.
var (
	// Configuration covers missing or invalid partners, bad enumerated
	// policy values and missing PKCS12 elements.
	Configuration = errors.New("configuration fault")

	// Malformed covers missing required headers, empty bodies and
	// unparseable MIME.
	Malformed = errors.New("malformed transmission")

	// Policy covers unsigned or unencrypted content when the partner
	// requires otherwise.
	Policy = errors.New("policy violation")

	// Security covers crypto backend failures and unreadable key material.
	Security = errors.New("security operation failed")

	// Delivery covers non-200 responses, transport errors and timeouts.
	Delivery = errors.New("delivery failed")

	// Unsupported is returned by operations that make no sense for the
	// receiver, such as encoding an inbound Request.
	Unsupported = errors.New("unsupported operation")
)

// Error is a classified AS2 error.
type Error struct {
	Kind      error
	Msg       string
	MessageID string
	Err       error
}

// New returns an Error of the given kind.
func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message prefix.
func Wrap(kind error, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.MessageID == "" {
		return e.text()
	}
	return fmt.Sprintf("%s (message %s)", e.text(), e.MessageID)
}

func (e *Error) text() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	case e.Kind != nil:
		return e.Kind.Error()
	}
	return "unknown fault"
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// WithMessageID attaches message-id context to err. The kind of an already
// classified error is kept; anything else is classified under kind.
func WithMessageID(err error, kind error, messageID string) error {
	if err == nil || messageID == "" {
		return err
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.MessageID != "" {
			return err
		}
		kind = fe.Kind
	}
	return &Error{Kind: kind, Err: err, MessageID: messageID}
}

// Text returns the error message without message-id decoration.
func Text(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe == err {
		return fe.text()
	}
	return err.Error()
}

// KindOf returns the kind of err or nil when unclassified.
func KindOf(err error) error {
	for _, k := range []error{Configuration, Malformed, Policy, Security, Delivery, Unsupported} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
