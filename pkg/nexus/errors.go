package nexus

import (
	"errors"
	"fmt"
)

// Code categorizes a control-plane failure the way the RPC surface
// reports it.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
	CodeFailedPrecondition
	CodeResourceExhausted
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotFound:
		return "not found"
	case CodeAlreadyExists:
		return "already exists"
	case CodeFailedPrecondition:
		return "failed precondition"
	case CodeResourceExhausted:
		return "resource exhausted"
	case CodeInternal:
		return "internal"
	}
	return "unknown"
}

// Error is a categorized nexus error.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a categorized error.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a cause to a categorized error.
func WrapErr(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the category from err, defaulting to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Data-plane sentinels. These never cross the control surface directly;
// they drive state transitions and surface as degraded status instead.
var (
	// ErrNexusFaulted fails I/O fast once no child is usable.
	ErrNexusFaulted = errors.New("nexus faulted, no usable child")
	// ErrNexusQuiesced rejects I/O past the shutdown barrier.
	ErrNexusQuiesced = errors.New("nexus is shut down")
)

// APIVersion selects the error vocabulary of an API generation. The
// legacy generation (V0) reported some well-categorized failures as
// Internal and accepted destroy of a missing nexus; V1 is precise.
type APIVersion int

const (
	APIV0 APIVersion = iota
	APIV1
)

// ParseAPIVersion maps a config string to an APIVersion.
func ParseAPIVersion(s string) (APIVersion, error) {
	switch s {
	case "v0":
		return APIV0, nil
	case "", "v1":
		return APIV1, nil
	}
	return APIV1, fmt.Errorf("unknown api version %q", s)
}

// MapCode translates an error category into the vocabulary of the
// given API generation. Kept as a table rather than scattered
// conditionals.
func MapCode(v APIVersion, c Code) Code {
	if v == APIV0 {
		switch c {
		case CodeAlreadyExists, CodeResourceExhausted:
			return CodeInternal
		}
	}
	return c
}

// DestroyMissingIsError reports whether destroying an unknown nexus is
// an error under the given API generation.
func DestroyMissingIsError(v APIVersion) bool {
	return v != APIV0
}
