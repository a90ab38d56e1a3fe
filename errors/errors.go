// Package errors implements Fusilli's tagged error model: a small closed
// set of error kinds paired with a message, propagated unchanged to the
// nearest API boundary (spec.md §4.1, §7).
package errors

import (
	"errors"
	"fmt"
)

// Code is a tagged error kind. The set is closed and mirrors the ten
// kinds enumerated in spec.md §4.1/§7; nothing outside this package
// should mint new codes.
type Code int

const (
	// AttributeNotSet means a builder omitted a required attribute,
	// detected in pre-validate.
	AttributeNotSet Code = iota
	// InvalidAttribute means a user assertion was violated (shape
	// mismatch, stride layout, transposed batch in matmul, duplicate
	// SSA name, ...).
	InvalidAttribute
	// NotImplemented means a feature is explicitly disallowed (dynamic
	// workspace size, non-contiguous/non-channels-last layer-norm
	// layout).
	NotImplemented
	// NotValidated means a lifecycle precondition (compile before
	// validate) was violated.
	NotValidated
	// NotCompiled means a lifecycle precondition (execute before
	// compile) was violated.
	NotCompiled
	// RuntimeFailure means a buffer allocation or transfer error at the
	// runtime boundary.
	RuntimeFailure
	// CompileFailure means the compile driver returned non-zero, or the
	// in-process compiler library returned an error.
	CompileFailure
	// FileSystemFailure means cache directory or file I/O failed.
	FileSystemFailure
	// InternalError means an invariant was broken (unknown backend,
	// unreachable switch arm).
	InternalError
	// VariantPackError means the runtime execution mapping from
	// TensorAttr to Buffer was inconsistent (scalar/virtual tensor
	// present, or a required tensor missing).
	VariantPackError
)

var codeNames = [...]string{
	"AttributeNotSet",
	"InvalidAttribute",
	"NotImplemented",
	"NotValidated",
	"NotCompiled",
	"RuntimeFailure",
	"CompileFailure",
	"FileSystemFailure",
	"InternalError",
	"VariantPackError",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "UnknownCode"
	}
	return codeNames[c]
}

// Error pairs a Code with a message. It implements the error interface
// and supports errors.Is/errors.As: its Is method matches any *Error with
// the same Code, so callers can write errors.Is(err, errors.ErrNotCompiled).
type Error struct {
	Code    Code
	Message string
	// Cause, when non-nil, is an underlying error (e.g. from an FFI call
	// or the OS) whose message has already been folded into Message but
	// which is preserved for errors.Unwrap chains.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil fusilli error>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to e.Cause; matching
// a sentinel by Code is done by Is, not here.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is implements errors.Is against a sentinel *Error by comparing Code
// only (message text is not part of identity).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New builds an *Error for the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error for the given code, message, and underlying
// cause, folding the cause's message into Message the way
// FUSILLI_RETURN_ERROR_IF concatenates library error strings in the
// original implementation.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{Code: code, Message: msg, Cause: cause}
}

// Sentinel errors for use with errors.Is, one per Code, matching the
// lifecycle/boundary checks in spec.md §8 "Boundary behaviors".
var (
	ErrAttributeNotSet   = &Error{Code: AttributeNotSet, Message: "attribute not set"}
	ErrInvalidAttribute  = &Error{Code: InvalidAttribute, Message: "invalid attribute"}
	ErrNotImplemented    = &Error{Code: NotImplemented, Message: "not implemented"}
	ErrNotValidated      = &Error{Code: NotValidated, Message: "graph not validated"}
	ErrNotCompiled       = &Error{Code: NotCompiled, Message: "graph not compiled"}
	ErrRuntimeFailure    = &Error{Code: RuntimeFailure, Message: "runtime failure"}
	ErrCompileFailure    = &Error{Code: CompileFailure, Message: "compile failure"}
	ErrFileSystemFailure = &Error{Code: FileSystemFailure, Message: "filesystem failure"}
	ErrInternalError     = &Error{Code: InternalError, Message: "internal error"}
	ErrVariantPackError  = &Error{Code: VariantPackError, Message: "variant pack error"}
)

// Is reports whether err carries the given Code, looking through wrapped
// errors via errors.As.
func Is(err error, code Code) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == code
}
