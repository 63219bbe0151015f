// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import "context"

// Scope holds the training and recording flags of the calling context.
//
// A Scope is immutable: derived scopes are attached to a new context.Context, so a nested call that changes them
// never affects the caller, nor other goroutines, and they are restored on every exit path (including panics)
// simply by returning to the parent context.
type Scope struct {
	training, recording bool
}

type scopeKey struct{}

// ScopeFrom returns the Scope attached to ctx, or the zero Scope (not training, not recording).
func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	scope, _ := ctx.Value(scopeKey{}).(Scope)
	return scope
}

// Attach returns a context derived from ctx carrying the scope.
func (s Scope) Attach(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// IsTraining returns whether operators should behave in training mode (e.g.: dropout).
func (s Scope) IsTraining() bool { return s.training }

// IsRecording returns whether invoked operators are recorded for differentiation.
func (s Scope) IsRecording() bool { return s.recording }

// WithTraining returns a copy of the scope with the training flag set.
func (s Scope) WithTraining(training bool) Scope {
	s.training = training
	return s
}

// WithRecording returns a copy of the scope with the recording flag set.
func (s Scope) WithRecording(recording bool) Scope {
	s.recording = recording
	return s
}

// WithRecording returns a context derived from ctx with the recording flag set.
func WithRecording(ctx context.Context, recording bool) context.Context {
	return ScopeFrom(ctx).WithRecording(recording).Attach(ctx)
}

// WithTraining returns a context derived from ctx with the training flag set.
func WithTraining(ctx context.Context, training bool) context.Context {
	return ScopeFrom(ctx).WithTraining(training).Attach(ctx)
}

// Record runs fn with recording and training enabled.
func Record(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ScopeFrom(ctx).WithRecording(true).WithTraining(true).Attach(ctx))
}

// Pause runs fn with recording disabled. The training flag is set to training.
func Pause(ctx context.Context, training bool, fn func(ctx context.Context) error) error {
	return fn(ScopeFrom(ctx).WithRecording(false).WithTraining(training).Attach(ctx))
}
