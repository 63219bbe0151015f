// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nnerrors defines the error taxonomy of the runtime.
//
// Every error returned by the runtime that falls into one of the categories wraps one of the sentinel
// values, so callers can test them with errors.Is:
//
//	if errors.Is(err, nnerrors.ErrStaleState) { ... }
package nnerrors

import (
	"github.com/pkg/errors"
)

var (
	// ErrInconsistent is returned when a newly inferred attribute conflicts with a previously known one.
	ErrInconsistent = errors.New("inconsistent attribute")

	// ErrIncomplete is returned when an operator lacks a capability required for the request: an inference
	// function still needed after convergence, or a gradient when backward is requested through it.
	ErrIncomplete = errors.New("missing operator capability")

	// ErrUnsupported is returned when an operator refuses a device/storage-type combination.
	ErrUnsupported = errors.New("unsupported combination")

	// ErrStaleState is returned when per-invocation state or a recorded graph is used after its retained
	// buffers were released.
	ErrStaleState = errors.New("stale state")
)

// Inconsistentf returns an ErrInconsistent error with the formatted message and a stack trace.
func Inconsistentf(format string, args ...any) error {
	return errors.Wrapf(ErrInconsistent, format, args...)
}

// Incompletef returns an ErrIncomplete error with the formatted message and a stack trace.
func Incompletef(format string, args ...any) error {
	return errors.Wrapf(ErrIncomplete, format, args...)
}

// Unsupportedf returns an ErrUnsupported error with the formatted message and a stack trace.
func Unsupportedf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

// StaleStatef returns an ErrStaleState error with the formatted message and a stack trace.
func StaleStatef(format string, args ...any) error {
	return errors.Wrapf(ErrStaleState, format, args...)
}
