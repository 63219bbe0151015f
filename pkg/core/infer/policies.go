// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infer

import (
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// Attribute keys of variable nodes holding literal user provided attributes.
const (
	VarShapeKey       = "__shape__"
	VarDTypeKey       = "__dtype__"
	VarStorageTypeKey = "__storage_type__"
)

var shapePolicy = &policy[shapes.Shape]{
	kind:             graph.AttrShape,
	empty:            shapes.Unknown,
	isNone:           func(s shapes.Shape) bool { return !s.IsFullyKnown() },
	numUnknown:       shapes.Shape.NumUnknown,
	equal:            shapes.Shape.Equal,
	parse:            shapes.Parse,
	backwardIdentity: true,
	dynamic:          true,
	infer: func(op *ops.Op) inferFn[shapes.Shape] {
		if op.InferShape == nil {
			return nil
		}
		return func(attrs *graph.NodeAttrs, _ int, _ *stypes.DispatchMode, in, out []shapes.Shape) (bool, error) {
			return op.InferShape(attrs, in, out)
		}
	},
}

// ParseDType accepts dtype names (e.g.: "float32", "Float32", "F32") or their numeric values.
func ParseDType(literal string) (dtypes.DType, error) {
	if dtype, found := dtypes.MapOfNames[literal]; found {
		return dtype, nil
	}
	if code, err := strconv.Atoi(literal); err == nil && code >= 0 {
		return dtypes.DType(code), nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", literal)
}

var dtypePolicy = &policy[dtypes.DType]{
	kind:             graph.AttrDType,
	empty:            func() dtypes.DType { return dtypes.InvalidDType },
	isNone:           func(dtype dtypes.DType) bool { return dtype == dtypes.InvalidDType },
	numUnknown:       func(dtypes.DType) int { return 1 },
	equal:            func(a, b dtypes.DType) bool { return a == b },
	parse:            ParseDType,
	backwardIdentity: true,
	infer: func(op *ops.Op) inferFn[dtypes.DType] {
		if op.InferType == nil {
			return nil
		}
		return dtypeFn(op.InferType)
	},
	fallback: dtypeFn(ops.SameType),
}

func dtypeFn(fn ops.FInferType) inferFn[dtypes.DType] {
	return func(attrs *graph.NodeAttrs, _ int, _ *stypes.DispatchMode, in, out []dtypes.DType) (bool, error) {
		return fn(attrs, in, out)
	}
}

var storagePolicy = &policy[stypes.StorageType]{
	kind:       graph.AttrStorageType,
	empty:      func() stypes.StorageType { return stypes.StorageUndefined },
	isNone:     func(stype stypes.StorageType) bool { return stype == stypes.StorageUndefined },
	numUnknown: func(stypes.StorageType) int { return 1 },
	equal:      func(a, b stypes.StorageType) bool { return a == b },
	parse:      stypes.ParseStorageType,
	dispatch:   true,
	infer: func(op *ops.Op) inferFn[stypes.StorageType] {
		if op.InferStorageType == nil {
			return nil
		}
		return inferFn[stypes.StorageType](op.InferStorageType)
	},
	fallback: inferFn[stypes.StorageType](ops.DefaultStorageType),
}

// InferShape infers the shapes of all entries of g. The inputs (optional) are the shapes of the graph
// arguments, in the order of IndexedGraph.InputNodes. attrKey (optional) is the variable node attribute
// holding a literal shape, usually VarShapeKey.
//
// Operators whose outputs have data-dependent shapes leave them unknown, and flagged in Result.Dynamic.
func InferShape(g *graph.Graph, inputs []shapes.Shape, attrKey string, opts ...Option) (*Result[shapes.Shape], error) {
	return run(g, shapePolicy, inputs, attrKey, opts)
}

// InferType infers the dtypes of all entries of g. Operators without a dtype inference function require all
// their inputs and outputs to share the same dtype.
func InferType(g *graph.Graph, inputs []dtypes.DType, attrKey string, opts ...Option) (*Result[dtypes.DType], error) {
	return run(g, dtypePolicy, inputs, attrKey, opts)
}

// InferStorageType infers the storage types of all entries of g, and the dispatch mode of all nodes.
// Operators without a storage type inference function produce dense outputs and use their dense kernel.
//
// It fails with nnerrors.ErrUnsupported if an operator rejects the combination of storage types and device.
func InferStorageType(g *graph.Graph, inputs []stypes.StorageType, attrKey string, opts ...Option) (*Result[stypes.StorageType], error) {
	return run(g, storagePolicy, inputs, attrKey, opts)
}
