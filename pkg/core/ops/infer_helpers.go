// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
)

// ShapeAssign merges src into dst. It returns false if they conflict, leaving dst unchanged.
func ShapeAssign(dst *shapes.Shape, src shapes.Shape) bool {
	merged, ok := shapes.Merge(*dst, src)
	if !ok {
		return false
	}
	*dst = merged
	return true
}

// TypeAssign sets dst to src if dst is unknown. It returns false if both are known and differ.
func TypeAssign(dst *dtypes.DType, src dtypes.DType) bool {
	if src == dtypes.InvalidDType {
		return true
	}
	if *dst == dtypes.InvalidDType {
		*dst = src
		return true
	}
	return *dst == src
}

// StorageTypeAssign sets dst to src if dst is undefined. It returns false if both are defined and differ.
func StorageTypeAssign(dst *stypes.StorageType, src stypes.StorageType) bool {
	if src == stypes.StorageUndefined {
		return true
	}
	if *dst == stypes.StorageUndefined {
		*dst = src
		return true
	}
	return *dst == src
}

// DispatchModeAssign sets dst to src if dst is undefined. It returns false if both are defined and differ.
func DispatchModeAssign(dst *stypes.DispatchMode, src stypes.DispatchMode) bool {
	if *dst == stypes.DispatchUndefined {
		*dst = src
		return true
	}
	return *dst == src
}

// ElemwiseShape is the shape inference of element-wise operators: all inputs and outputs share the same shape.
func ElemwiseShape(attrs *graph.NodeAttrs, inShapes, outShapes []shapes.Shape) (bool, error) {
	merged := shapes.Unknown()
	for _, list := range [][]shapes.Shape{inShapes, outShapes} {
		for ii, shape := range list {
			if !ShapeAssign(&merged, shape) {
				return false, nnerrors.Inconsistentf("operator %s: incompatible shapes %s and %s (position %d)",
					attrs.Name, merged, shape, ii)
			}
		}
	}
	for _, list := range [][]shapes.Shape{inShapes, outShapes} {
		for ii := range list {
			list[ii] = merged.Clone()
		}
	}
	return merged.IsFullyKnown(), nil
}

// ElemwiseType is the dtype inference of element-wise operators: all inputs and outputs share the same dtype.
func ElemwiseType(attrs *graph.NodeAttrs, inTypes, outTypes []dtypes.DType) (bool, error) {
	merged := dtypes.InvalidDType
	for _, list := range [][]dtypes.DType{inTypes, outTypes} {
		for ii, dtype := range list {
			if !TypeAssign(&merged, dtype) {
				return false, nnerrors.Inconsistentf("operator %s: incompatible dtypes %s and %s (position %d)",
					attrs.Name, merged, dtype, ii)
			}
		}
	}
	for _, list := range [][]dtypes.DType{inTypes, outTypes} {
		for ii := range list {
			list[ii] = merged
		}
	}
	return merged != dtypes.InvalidDType, nil
}

// SameType is the default dtype inference, used for operators that don't declare one: all known inputs and
// outputs must agree, and unknown ones take that dtype.
func SameType(attrs *graph.NodeAttrs, inTypes, outTypes []dtypes.DType) (bool, error) {
	return ElemwiseType(attrs, inTypes, outTypes)
}

// DefaultStorageType is the default storage-type inference, used for operators that don't declare one:
// undefined entries become dense and the dense kernel (FCompute) is used, whatever the input storage types.
func DefaultStorageType(_ *graph.NodeAttrs, _ int, mode *stypes.DispatchMode,
	inTypes, outTypes []stypes.StorageType) (bool, error) {
	for _, list := range [][]stypes.StorageType{inTypes, outTypes} {
		for ii := range list {
			if list[ii] == stypes.StorageUndefined {
				list[ii] = stypes.StorageDefault
			}
		}
	}
	if *mode == stypes.DispatchUndefined {
		*mode = stypes.DispatchFCompute
	}
	return true, nil
}

// ElemwiseStorageType is a storage-type inference for element-wise operators with a storage specialized kernel:
// if all inputs share the same non-dense storage type, outputs take it and the specialized kernel is used;
// if all are dense the dense kernel is used; mixed combinations fall back to the dense kernel.
func ElemwiseStorageType(_ *graph.NodeAttrs, _ int, mode *stypes.DispatchMode,
	inTypes, outTypes []stypes.StorageType) (bool, error) {
	common := stypes.StorageUndefined
	mixed := false
	for _, stype := range inTypes {
		if stype == stypes.StorageUndefined {
			return false, nil
		}
		if !StorageTypeAssign(&common, stype) {
			mixed = true
		}
	}
	switch {
	case mixed:
		DispatchModeAssign(mode, stypes.DispatchFComputeFallback)
		common = stypes.StorageDefault
	case common == stypes.StorageDefault || common == stypes.StorageUndefined:
		DispatchModeAssign(mode, stypes.DispatchFCompute)
		common = stypes.StorageDefault
	default:
		DispatchModeAssign(mode, stypes.DispatchFComputeEx)
	}
	for ii := range outTypes {
		if !StorageTypeAssign(&outTypes[ii], common) {
			return false, nil
		}
	}
	return true, nil
}

// OperatorStypeString describes an operator, device and storage types combination, for error messages.
func OperatorStypeString(attrs *graph.NodeAttrs, devMask int, inTypes, outTypes []stypes.StorageType) string {
	var sb strings.Builder
	opName := "null"
	if attrs.Op != nil {
		opName = attrs.Op.OpName()
	}
	fmt.Fprintf(&sb, "operator = %s\n", opName)
	fmt.Fprintf(&sb, "input storage types = %v\n", inTypes)
	fmt.Fprintf(&sb, "output storage types = %v\n", outTypes)
	sb.WriteString("params = {")
	for ii, key := range slices.Sorted(maps.Keys(attrs.Dict)) {
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: %q", key, attrs.Dict[key])
	}
	sb.WriteString("}\n")
	fmt.Fprintf(&sb, "context.dev_mask = %s", stypes.DevMaskString(devMask))
	return sb.String()
}
