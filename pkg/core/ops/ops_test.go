// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	assert.Contains(t, Registered(), AddNName)
	assert.Contains(t, Registered(), CopyName)
	op, err := Get(ZerosLikeName)
	require.NoError(t, err)
	assert.Same(t, ZerosLike, op)
	_, err = Get("does_not_exist")
	require.Error(t, err)
	require.Error(t, Register(&Op{Name: AddNName}), "duplicate names must be rejected")
	require.Error(t, Register(&Op{}))
	assert.Panics(t, func() { MustGet("does_not_exist") })

	// Counts.
	attrs := &graph.NodeAttrs{Op: AddN, Dict: map[string]string{"num_args": "3"}}
	assert.Equal(t, 3, AddN.InputCount(attrs))
	assert.Equal(t, 1, AddN.OutputCount(attrs))
	operator, err := Lookup(CopyName)
	require.NoError(t, err)
	assert.Equal(t, CopyName, operator.OpName())
}

func TestElemwiseShape(t *testing.T) {
	attrs := &graph.NodeAttrs{Op: AddN, Name: "sum"}
	in := []shapes.Shape{shapes.Make(4, shapes.UnknownDim), shapes.Unknown()}
	out := []shapes.Shape{shapes.Make(shapes.UnknownDim, 8)}
	done, err := ElemwiseShape(attrs, in, out)
	require.NoError(t, err)
	assert.True(t, done)
	for _, s := range append(in, out...) {
		assert.True(t, s.Equal(shapes.Make(4, 8)), "got %s", s)
	}

	in = []shapes.Shape{shapes.Make(4, 8), shapes.Make(4, 9)}
	_, err = ElemwiseShape(attrs, in, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrInconsistent))
}

func TestSameType(t *testing.T) {
	attrs := &graph.NodeAttrs{Name: "x"}
	in := []dtypes.DType{dtypes.InvalidDType, dtypes.Float32}
	out := []dtypes.DType{dtypes.InvalidDType}
	done, err := SameType(attrs, in, out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []dtypes.DType{dtypes.Float32, dtypes.Float32}, in)
	assert.Equal(t, dtypes.Float32, out[0])

	_, err = SameType(attrs, []dtypes.DType{dtypes.Float32, dtypes.Float64}, out)
	assert.True(t, errors.Is(err, nnerrors.ErrInconsistent))
}

func TestDefaultStorageType(t *testing.T) {
	// Whatever the inputs, outputs are dense and the dense kernel is used.
	for _, inputs := range [][]stypes.StorageType{
		{stypes.StorageDefault, stypes.StorageDefault},
		{stypes.StorageCSR, stypes.StorageDefault},
		{stypes.StorageRowSparse, stypes.StorageUndefined},
	} {
		mode := stypes.DispatchUndefined
		out := []stypes.StorageType{stypes.StorageUndefined}
		ok, err := DefaultStorageType(&graph.NodeAttrs{}, stypes.CPUMask, &mode, inputs, out)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, stypes.DispatchFCompute, mode)
		assert.Equal(t, stypes.StorageDefault, out[0])
	}
}

func TestElemwiseStorageType(t *testing.T) {
	mode := stypes.DispatchUndefined
	out := []stypes.StorageType{stypes.StorageUndefined}
	ok, err := ElemwiseStorageType(nil, stypes.CPUMask, &mode, []stypes.StorageType{stypes.StorageCSR, stypes.StorageCSR}, out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stypes.DispatchFComputeEx, mode)
	assert.Equal(t, stypes.StorageCSR, out[0])

	mode = stypes.DispatchUndefined
	out[0] = stypes.StorageUndefined
	ok, err = ElemwiseStorageType(nil, stypes.CPUMask, &mode, []stypes.StorageType{stypes.StorageCSR, stypes.StorageDefault}, out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stypes.DispatchFComputeFallback, mode)
	assert.Equal(t, stypes.StorageDefault, out[0])

	desc := OperatorStypeString(&graph.NodeAttrs{Op: AddN, Dict: map[string]string{"num_args": "2"}}, stypes.CPUMask,
		[]stypes.StorageType{stypes.StorageCSR}, out)
	assert.Contains(t, desc, "operator = add_n")
	assert.Contains(t, desc, "csr")
	assert.Contains(t, desc, "context.dev_mask = cpu")
}

func TestStructuralKernels(t *testing.T) {
	alloc := storage.NewPooled()
	a := must.M1(ndarray.FromFloat32s(alloc, shapes.Make(3), 1, 2, 3))
	b := must.M1(ndarray.FromFloat32s(alloc, shapes.Make(3), 10, 20, 30))
	out := must.M1(ndarray.FromFloat32s(alloc, shapes.Make(3), 100, 100, 100))
	ctx := context.Background()
	attrs := &graph.NodeAttrs{Op: AddN, Dict: map[string]string{"num_args": "2"}}

	require.NoError(t, AddN.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{a, b}, []OpReqType{AddTo}, []*ndarray.NDArray{out}))
	assert.Equal(t, []float32{111, 122, 133}, out.Float32s())
	require.NoError(t, AddN.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{a, b}, []OpReqType{WriteTo}, []*ndarray.NDArray{out}))
	assert.Equal(t, []float32{11, 22, 33}, out.Float32s())
	require.NoError(t, AddN.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{a, b}, []OpReqType{NullOp}, []*ndarray.NDArray{nil}))

	require.NoError(t, OnesLike.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{a}, []OpReqType{WriteTo}, []*ndarray.NDArray{out}))
	assert.Equal(t, []float32{1, 1, 1}, out.Float32s())
	require.NoError(t, ZerosLike.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{a}, []OpReqType{WriteTo}, []*ndarray.NDArray{out}))
	assert.Equal(t, []float32{0, 0, 0}, out.Float32s())
	require.NoError(t, Copy.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{b}, []OpReqType{WriteTo}, []*ndarray.NDArray{out}))
	assert.Equal(t, []float32{10, 20, 30}, out.Float32s())

	i32 := must.M1(ndarray.FromFlat(alloc, shapes.Make(3), []int32{1, 2, 3}))
	err := Copy.Compute(ctx, &OpContext{}, attrs, []*ndarray.NDArray{i32}, []OpReqType{WriteTo}, []*ndarray.NDArray{i32})
	assert.True(t, errors.Is(err, nnerrors.ErrUnsupported))
}

func TestMakeGradNode(t *testing.T) {
	x := graph.Variable("x")
	fwd := Copy.Apply("c", nil, x.Entry(0))
	bwd := MakeGradNode(ZerosLike, fwd, nil, x.Entry(0))
	assert.Equal(t, []*graph.Node{fwd}, bwd.ControlDeps)
	assert.Equal(t, "c_backward", bwd.Attrs.Name)
	assert.Same(t, ZerosLike, OpOf(bwd))
	assert.Nil(t, OpOf(x))

	grads, err := zeroGradients(fwd, nil)
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Equal(t, ZerosLikeName, grads[0].Node.OpName())
}
