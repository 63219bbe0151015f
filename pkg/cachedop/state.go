// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"context"
	"sync"

	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/imperative"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State holds the buffers and operator states retained by one recorded invocation of a CachedOp, for its
// backward pass.
type State struct {
	// ID identifies the invocation, in logs.
	ID uuid.UUID

	op   *CachedOp
	plan *plan

	mu       sync.Mutex
	arrays   []*ndarray.NDArray
	states   []*ops.State
	released bool
}

// Released returns whether the retained buffers were released, by Release or by a backward pass that didn't
// retain the graph.
func (st *State) Released() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.released
}

// Release drops the retained buffers and operator states.
func (st *State) Release() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.arrays, st.states, st.released = nil, nil, true
}

// take returns the retained buffers and states, releasing them unless retain is set.
func (st *State) take(retain bool) ([]*ndarray.NDArray, []*ops.State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return nil, nil, nnerrors.StaleStatef("CachedOp %q: state %s was released by a previous backward pass: retain the "+
			"graph to run backward more than once", st.op.name, st.ID)
	}
	arrays, states := st.arrays, st.states
	if !retain {
		st.arrays, st.states, st.released = nil, nil, true
	}
	return arrays, states, nil
}

// LoopState runs a CachedOp as the body of a loop, keeping the state of every iteration run while recording,
// so the backward pass can be run for each iteration, usually in reverse order.
//
// Iterations are not recorded individually in the runtime: the loop as a whole is.
type LoopState struct {
	op *CachedOp

	mu     sync.Mutex
	states []*State
}

// NewLoopState creates a LoopState for the loop body op.
func NewLoopState(op *CachedOp) *LoopState {
	return &LoopState{op: op}
}

// NumIterations returns the number of iterations whose state is kept.
func (l *LoopState) NumIterations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

// Forward runs iteration iter of the loop. If the scope of ctx is recording, iter must be the next iteration,
// and its state is kept for Backward.
func (l *LoopState) Forward(ctx context.Context, iter int, inputs, outputs []*ndarray.NDArray) ([]*ndarray.NDArray, error) {
	scope := imperative.ScopeFrom(ctx)
	if !scope.IsRecording() {
		outputs, _, err := l.op.forward(ctx, inputs, outputs, scope.IsTraining(), false)
		if err != nil {
			return nil, errors.WithMessagef(err, "loop iteration %d", iter)
		}
		return outputs, nil
	}

	// Recorded iterations run one at a time, in order.
	l.mu.Lock()
	defer l.mu.Unlock()
	if iter != len(l.states) {
		return nil, errors.Errorf("loop iteration %d run out of order, the next recorded iteration is %d", iter, len(l.states))
	}
	outputs, st, err := l.op.forward(ctx, inputs, outputs, scope.IsTraining(), true)
	if err != nil {
		return nil, errors.WithMessagef(err, "loop iteration %d", iter)
	}
	l.states = append(l.states, st)
	return outputs, nil
}

// Backward runs the backward pass of iteration iter, see CachedOp.Backward.
func (l *LoopState) Backward(ctx context.Context, iter int, ograds []*ndarray.NDArray, reqs []ops.OpReqType,
	inGrads []*ndarray.NDArray, retainGraph bool) ([]*ndarray.NDArray, error) {
	l.mu.Lock()
	if iter < 0 || iter >= len(l.states) {
		l.mu.Unlock()
		return nil, errors.Errorf("loop iteration %d has no recorded state, %d iterations were recorded", iter, len(l.states))
	}
	st := l.states[iter]
	l.mu.Unlock()
	grads, err := l.op.Backward(ctx, st, ograds, reqs, inGrads, retainGraph)
	if err != nil {
		return nil, errors.WithMessagef(err, "loop iteration %d", iter)
	}
	return grads, nil
}

// Cleanup releases the states of all iterations.
func (l *LoopState) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.states {
		st.Release()
	}
	l.states = nil
}
