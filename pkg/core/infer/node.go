// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infer

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// NodeAttributes are the attributes of the inputs and outputs of a single operator application, used
// by InferNode. Outputs can be pre-filled (e.g.: user provided output arrays), or left unknown.
type NodeAttributes struct {
	InShapes, OutShapes []shapes.Shape
	InTypes, OutTypes   []dtypes.DType
	InSTypes, OutSTypes []stypes.StorageType
	DevMask             int
	Mode                stypes.DispatchMode

	// DynamicOutputs is set if the operator output shapes depend on the data and could not be inferred.
	DynamicOutputs bool
}

// InferNode infers the output attributes of a single operator application, for the imperative execution.
// Inputs attributes must be known.
//
// Shapes and dtypes must become fully known, except for the shapes of operators with data-dependent shapes,
// which set DynamicOutputs instead.
func InferNode(attrs *graph.NodeAttrs, na *NodeAttributes) error {
	op, ok := attrs.Op.(*ops.Op)
	if !ok || op == nil {
		return errors.Errorf("node %q: operator %v is not an *ops.Op", attrs.Name, attrs.Op)
	}
	if na.DevMask == 0 {
		na.DevMask = stypes.CPUMask
	}

	// Shapes.
	if fn := shapePolicy.infer(op); fn != nil && !op.DynamicShape {
		if _, err := callInfer(fn, attrs, na.DevMask, &na.Mode, na.InShapes, na.OutShapes); err != nil {
			return errors.WithMessagef(err, "error in operator %s", attrs.Name)
		}
	}
	if !allKnown(shapePolicy, na.OutShapes) || !allKnown(shapePolicy, na.InShapes) {
		if !op.DynamicShape {
			return nnerrors.Incompletef("operator %s (%s): cannot infer output shapes for input shapes %v",
				attrs.Name, op.Name, na.InShapes)
		}
		na.DynamicOutputs = true
	}

	// DTypes.
	fn := dtypePolicy.infer(op)
	if fn == nil {
		fn = dtypePolicy.fallback
	}
	if _, err := callInfer(fn, attrs, na.DevMask, &na.Mode, na.InTypes, na.OutTypes); err != nil {
		return errors.WithMessagef(err, "error in operator %s", attrs.Name)
	}
	if !allKnown(dtypePolicy, na.OutTypes) || !allKnown(dtypePolicy, na.InTypes) {
		return nnerrors.Incompletef("operator %s (%s): cannot infer output dtypes for input dtypes %v",
			attrs.Name, op.Name, na.InTypes)
	}

	// Storage types and dispatch mode.
	stypeFn := storagePolicy.infer(op)
	if stypeFn == nil {
		stypeFn = storagePolicy.fallback
	}
	originalIn := slices.Clone(na.InSTypes)
	ok, err := callInfer(stypeFn, attrs, na.DevMask, &na.Mode, na.InSTypes, na.OutSTypes)
	if err != nil {
		return errors.WithMessagef(err, "error in operator %s", attrs.Name)
	}
	if !ok || na.Mode == stypes.DispatchUndefined {
		return nnerrors.Unsupportedf("operator not implemented for the storage types:\n%s",
			ops.OperatorStypeString(attrs, na.DevMask, originalIn, na.OutSTypes))
	}
	if na.Mode == stypes.DispatchFComputeFallback {
		logStorageFallback(attrs, na.DevMask, na.InSTypes, na.OutSTypes)
	}
	return nil
}

func allKnown[T any](p *policy[T], values []T) bool {
	for _, value := range values {
		if p.isNone(value) {
			return false
		}
	}
	return true
}
