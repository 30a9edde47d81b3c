// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package status defines the fail-closed error taxonomy shared by all phase
// binaries and its mapping to mailbox codes.
package status

import (
	"errors"
	"fmt"
)

// Code is the value latched in the mailbox register on phase exit.
type Code uint32

// Mailbox codes, these are part of the launcher interface and must not be
// renumbered.
const (
	OK                    Code = 0x00
	OUT_OF_ORDER          Code = 0x10
	VERIFICATION_MISMATCH Code = 0x11
	DMA_FAILURE           Code = 0x12
	MUTEX_ERROR           Code = 0x13
	RANGE_OVERFLOW        Code = 0x14
	INVALID_ARGUMENT      Code = 0x15
	REVOKED               Code = 0x16
	UNSUPPORTED           Code = 0x17
	BUS_FAULT             Code = 0x1f
)

// String returns the mnemonic for a mailbox code.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case OUT_OF_ORDER:
		return "OUT_OF_ORDER"
	case VERIFICATION_MISMATCH:
		return "VERIFICATION_MISMATCH"
	case DMA_FAILURE:
		return "DMA_FAILURE"
	case MUTEX_ERROR:
		return "MUTEX_ERROR"
	case RANGE_OVERFLOW:
		return "RANGE_OVERFLOW"
	case INVALID_ARGUMENT:
		return "INVALID_ARGUMENT"
	case REVOKED:
		return "REVOKED"
	case UNSUPPORTED:
		return "UNSUPPORTED"
	case BUS_FAULT:
		return "BUS_FAULT"
	default:
		return fmt.Sprintf("%#.2x", uint32(c))
	}
}

// Error wraps a mailbox code, all errors reported by this module unwrap to
// one of the sentinel values below.
type Error struct {
	Code    Code
	message string
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}

	return fmt.Sprintf("secboot: error %s", e.Code)
}

// Is matches errors by code so that wrapped sentinel values compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrOutOfOrder           = &Error{Code: OUT_OF_ORDER, message: "phase out of order"}
	ErrVerificationMismatch = &Error{Code: VERIFICATION_MISMATCH, message: "read-back verification mismatch"}
	ErrDMAFailure           = &Error{Code: DMA_FAILURE, message: "DMA failure"}
	ErrMutex                = &Error{Code: MUTEX_ERROR, message: "hardware mutex error"}
	ErrRangeOverflow        = &Error{Code: RANGE_OVERFLOW, message: "range overflow"}
	ErrInvalidArgument      = &Error{Code: INVALID_ARGUMENT, message: "invalid argument"}
	ErrRevoked              = &Error{Code: REVOKED, message: "firmware revoked"}
	ErrUnsupported          = &Error{Code: UNSUPPORTED, message: "unsupported"}
	ErrBusFault             = &Error{Code: BUS_FAULT, message: "register bus fault"}
)

// CodeOf returns the mailbox code for an error, errors which do not carry a
// code are reported as bus faults.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var e *Error

	if errors.As(err, &e) {
		return e.Code
	}

	return BUS_FAULT
}
