// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"context"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// Names of the operators CachedOps are recorded (or applied in other graphs) as.
const (
	OpName         = "_CachedOp"
	BackwardOpName = "_backward_CachedOp"
)

var (
	// CachedOpOp runs a CachedOp: nodes carry it in their attributes, see CachedOp.Apply.
	CachedOpOp *ops.Op

	// BackwardCachedOpOp runs the backward pass of a CachedOp, with the state of its forward node.
	BackwardCachedOpOp *ops.Op
)

func init() {
	CachedOpOp = ops.MustRegister(&ops.Op{
		Name: OpName,
		NumInputs: func(attrs *graph.NodeAttrs) int {
			if oa, ok := attrs.Parsed.(*opAttrs); ok {
				return len(oa.fg.inputEIDs)
			}
			return 0
		},
		NumOutputs: func(attrs *graph.NodeAttrs) int {
			if oa, ok := attrs.Parsed.(*opAttrs); ok {
				return oa.fg.numOutputs
			}
			return 0
		},
		InferShape: func(attrs *graph.NodeAttrs, in, out []shapes.Shape) (bool, error) {
			oa, err := parsedAttrs(attrs)
			if err != nil {
				return false, err
			}
			return infer.InferSubgraphShape(oa.fg.sub, in, out)
		},
		InferType: func(attrs *graph.NodeAttrs, in, out []dtypes.DType) (bool, error) {
			oa, err := parsedAttrs(attrs)
			if err != nil {
				return false, err
			}
			return infer.InferSubgraphType(oa.fg.sub, in, out)
		},
		InferStorageType: func(attrs *graph.NodeAttrs, devMask int, mode *stypes.DispatchMode, in, out []stypes.StorageType) (bool, error) {
			oa, err := parsedAttrs(attrs)
			if err != nil {
				return false, err
			}
			return infer.InferSubgraphStorage(oa.fg.sub, devMask, mode, in, out)
		},
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			bwd := ops.MakeGradNode(BackwardCachedOpOp, node, nil, outGrads...)
			bwd.Attrs.Parsed = node.Attrs.Parsed
			grads := make([]graph.NodeEntry, len(node.Inputs))
			for ii := range grads {
				grads[ii] = bwd.Entry(ii)
			}
			return grads, nil
		},
		// The forward state retains what the backward pass needs.
		BackwardDeps: func(_ *graph.NodeAttrs, numInputs, numOutputs int) (saveInputs, saveOutputs []bool) {
			return make([]bool, numInputs), make([]bool, numOutputs)
		},
		CreateState: func(*graph.NodeAttrs, stypes.Device, []shapes.Shape, []dtypes.DType) (*ops.State, error) {
			return &ops.State{}, nil
		},
		Compute:   forwardCompute,
		ComputeEx: forwardCompute,
	})

	BackwardCachedOpOp = ops.MustRegister(&ops.Op{
		Name: BackwardOpName,
		NumInputs: func(attrs *graph.NodeAttrs) int {
			if oa, ok := attrs.Parsed.(*opAttrs); ok {
				return oa.fg.numOutputs
			}
			return 0
		},
		NumOutputs: func(attrs *graph.NodeAttrs) int {
			if oa, ok := attrs.Parsed.(*opAttrs); ok {
				return len(oa.fg.inputEIDs)
			}
			return 0
		},
		IsBackward:       true,
		UsesForwardState: true,
		InferStorageType: infer.InferSubgraphBackwardStorage,
		Compute:          backwardCompute,
		ComputeEx:        backwardCompute,
	})
}

// opAttrs are the parsed attributes of the CachedOp operator nodes.
type opAttrs struct {
	op *CachedOp
	fg *forwardGraph
}

func parsedAttrs(attrs *graph.NodeAttrs) (*opAttrs, error) {
	oa, ok := attrs.Parsed.(*opAttrs)
	if !ok || oa == nil {
		return nil, errors.Errorf("node %q: %s attributes don't reference a CachedOp (graphs with CachedOp nodes can't be "+
			"loaded from JSON)", attrs.Name, attrs.Op)
	}
	return oa, nil
}

// Apply creates a node applying the CachedOp to inputs, so it can be used as an operator in other graphs.
func (c *CachedOp) Apply(name string, inputs ...graph.NodeEntry) (*graph.Node, error) {
	c.mu.Lock()
	fg, err := c.lockedForwardGraph(len(inputs))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("%s_apply", c.name)
	}
	node := CachedOpOp.Apply(name, nil, inputs...)
	node.Attrs.Parsed = &opAttrs{op: c, fg: fg}
	return node, nil
}

func forwardCompute(ctx context.Context, octx *ops.OpContext, attrs *graph.NodeAttrs,
	inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) error {
	oa, err := parsedAttrs(attrs)
	if err != nil {
		return err
	}
	for ii, req := range reqs {
		if req == ops.AddTo {
			return nnerrors.Unsupportedf("CachedOp %q: output #%d requests %s, only writing is supported", oa.op.name, ii, req)
		}
	}
	_, st, err := oa.op.forward(ctx, inputs, outputs, octx.IsTrain, octx.NeedGrad)
	if err != nil {
		return err
	}
	if st != nil && octx.State != nil {
		octx.State.Value = st
	}
	return nil
}

func backwardCompute(ctx context.Context, octx *ops.OpContext, attrs *graph.NodeAttrs,
	inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) error {
	oa, err := parsedAttrs(attrs)
	if err != nil {
		return err
	}
	var st *State
	if octx.State != nil {
		st, _ = octx.State.Value.(*State)
	}
	_, err = oa.op.backward(ctx, st, inputs, reqs, outputs, octx.IsTrain, octx.RetainGraph)
	return err
}
