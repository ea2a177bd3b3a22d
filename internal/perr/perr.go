// Package perr is payproc's domain error type. It mirrors the teacher's
// pkg/errors package: a small struct carrying a stable code, a message, and
// an optional wrapped cause, with sentinel values declared once per
// subsystem and mapped onto the wire error taxonomy of spec §7.
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	// Unknown is reserved for "unknown command / unknown sub-command"
	// (spec §6.5: code 1).
	Unknown           Kind = "UNKNOWN_COMMAND"
	MissingValue      Kind = "MISSING_VALUE"
	InvalidValue      Kind = "INVALID_VALUE"
	InvalidName       Kind = "INVALID_NAME"
	InvalidLength     Kind = "INVALID_LENGTH"
	NotFound          Kind = "NOT_FOUND"
	LimitReached      Kind = "LIMIT_REACHED"
	ProtocolViolation Kind = "PROTOCOL_VIOLATION"
	Truncated         Kind = "TRUNCATED"
	EOF               Kind = "EOF"
	Permission        Kind = "PERMISSION"
	Upstream          Kind = "UPSTREAM"
	UnusableSecretKey Kind = "UNUSABLE_SECRET_KEY"
	UnusablePublicKey Kind = "UNUSABLE_PUBLIC_KEY"
	InvalidObject     Kind = "INVALID_OBJECT"
	// InvalidExpirationMonth is spec §8 scenario S2's literal wire code 55,
	// distinct from the generic InvalidValue (11) so a bad Exp-Month on
	// CARDTOKEN serializes to the exact code the worked example requires.
	InvalidExpirationMonth Kind = "INVALID_EXPIRATION_MONTH"
	Timeout                Kind = "TIMEOUT"
	General                Kind = "GENERAL"
)

// code is the numeric wire code for each Kind (spec §6.5, §7). Code 1
// (Unknown) is reserved for "unknown command / unknown sub-command"; the
// dispatcher and the command handlers reach it through this table like
// any other kind.
var code = map[Kind]int{
	Unknown:                1,
	MissingValue:           10,
	InvalidValue:           11,
	InvalidName:            12,
	InvalidLength:          13,
	NotFound:               20,
	LimitReached:           21,
	ProtocolViolation:      30,
	Truncated:              31,
	EOF:                    32,
	Permission:             40,
	Upstream:               50,
	UnusableSecretKey:      51,
	UnusablePublicKey:      52,
	InvalidObject:          53,
	InvalidExpirationMonth: 55,
	Timeout:                60,
	General:                99,
}

// Error is a domain error: a Kind (mapped to a stable wire code),
// a human-readable Description, an optional wrapped cause, and optional
// gateway-supplied detail surfaced via Failure/FailureMesg (spec §6.5).
type Error struct {
	Kind          Kind
	Description   string
	Err           error
	Gateway       string
	Failure       string
	FailureMesg   string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	}
	return e.Description
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Code returns the numeric wire code for the error.
func (e *Error) Code() int {
	if c, ok := code[e.Kind]; ok {
		return c
	}
	return code[General]
}

// New builds an *Error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf is New with a formatted description.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new *Error of the given kind.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Err: cause}
}

// UpstreamErr builds an Upstream error carrying gateway-supplied detail.
func UpstreamErr(gateway string, description, failure, failureMesg string) *Error {
	return &Error{
		Kind:        Upstream,
		Description: description,
		Gateway:     gateway,
		Failure:     failure,
		FailureMesg: failureMesg,
	}
}

// As is errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else General.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return General
}

// Common, subsystem-independent sentinels.
var (
	ErrNotFound          = New(NotFound, "No such session or alias or session timed out")
	ErrLimitReached      = New(LimitReached, "Limit reached")
	ErrPermission        = New(Permission, "Operation not permitted")
	ErrProtocolViolation = New(ProtocolViolation, "Protocol violation")
	ErrTruncated         = New(Truncated, "Line too long")
	ErrEOF               = New(EOF, "Unexpected EOF")
	ErrGeneral           = New(General, "General error")
)
