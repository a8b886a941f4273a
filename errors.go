// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import "errors"

// ErrorKind classifies the errors the core can return, per the error
// handling design (spec §7).
type ErrorKind int

const (
	// ErrKindNone indicates no error.
	ErrKindNone ErrorKind = iota
	// ErrKindNoDevice indicates no card present or an empty descriptor.
	ErrKindNoDevice
	// ErrKindNotReady indicates the card failed to return to TRAN state
	// within the busy-poll deadline.
	ErrKindNotReady
	// ErrKindTimeout indicates a host event wait expired.
	ErrKindTimeout
	// ErrKindIO indicates a command response error bit, unexpected
	// state, CRC/end-bit failure, or host-signaled error.
	ErrKindIO
	// ErrKindLocked indicates the card reported its lock bit.
	ErrKindLocked
	// ErrKindWriteProtected indicates a card or host write-protect flag.
	ErrKindWriteProtected
	// ErrKindInvalid indicates an out of range argument, unsupported
	// opcode, reference count saturation, or a verify_state mismatch.
	ErrKindInvalid
	// ErrKindOutOfMemory indicates a bounce buffer allocation failure.
	ErrKindOutOfMemory
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNoDevice:
		return "no device"
	case ErrKindNotReady:
		return "not ready"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindIO:
		return "I/O error"
	case ErrKindLocked:
		return "card locked"
	case ErrKindWriteProtected:
		return "write protected"
	case ErrKindInvalid:
		return "invalid argument"
	case ErrKindOutOfMemory:
		return "out of memory"
	default:
		return "no error"
	}
}

// Error is the error type returned by every core entry point. It carries a
// classification (Kind) so callers (in particular the block-device facade's
// ioctl translation layer) can map it to a stable errno-like value without
// string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}

	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, mmcsd.ErrNoDevice) etc.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

// Sentinel errors for use with errors.Is.
var (
	ErrNoDevice        = &Error{Kind: ErrKindNoDevice}
	ErrNotReady        = &Error{Kind: ErrKindNotReady}
	ErrTimeout         = &Error{Kind: ErrKindTimeout}
	ErrIO              = &Error{Kind: ErrKindIO}
	ErrLocked          = &Error{Kind: ErrKindLocked}
	ErrWriteProtected  = &Error{Kind: ErrKindWriteProtected}
	ErrInvalid         = &Error{Kind: ErrKindInvalid}
	ErrOutOfMemory     = &Error{Kind: ErrKindOutOfMemory}
)

// NewError constructs an *Error attributed to op, wrapping err if non-nil.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind carried by err, if any, defaulting to
// ErrKindIO for an unclassified non-nil error and ErrKindNone for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrKindNone
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ErrKindIO
}
