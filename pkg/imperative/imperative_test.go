// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/ops/opstest"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, mode exec.Mode) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ExecMode = mode
	cfg.Parallelism = 2
	return NewFromConfig(cfg, storage.NewPooled())
}

func newArray(t *testing.T, rt *Runtime, values ...float32) *ndarray.NDArray {
	t.Helper()
	a, err := ndarray.FromFloat32s(rt.Allocator(), shapes.Make(len(values)), values...)
	require.NoError(t, err)
	return a
}

func invoke(t *testing.T, ctx context.Context, rt *Runtime, opName string, inputs ...*ndarray.NDArray) *ndarray.NDArray {
	t.Helper()
	outputs, err := rt.Invoke(ctx, graph.NodeAttrs{Op: ops.MustGet(opName)}, inputs, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0]
}

// markVariable marks x with a new zero gradient buffer, and returns the buffer.
func markVariable(t *testing.T, rt *Runtime, x *ndarray.NDArray, req ops.OpReqType) *ndarray.NDArray {
	t.Helper()
	grad, err := ndarray.New(rt.Allocator(), x.Shape(), x.DType(), rt.Device())
	require.NoError(t, err)
	require.NoError(t, rt.MarkVariables([]*ndarray.NDArray{x}, []ops.OpReqType{req}, []*ndarray.NDArray{grad}))
	return grad
}

func TestInvoke(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	ctx := context.Background()
	x := newArray(t, rt, 1, 2, 3)
	y := invoke(t, ctx, rt, "square", x)
	assert.Equal(t, []float32{1, 4, 9}, y.Float32s())
	assert.True(t, y.Entry().IsNone(), "nothing is recorded out of a recording scope")
	assert.Equal(t, 0, rt.NumRecorded())

	// Given outputs are written.
	out := newArray(t, rt, 0, 0, 0)
	outputs, err := rt.Invoke(ctx, graph.NodeAttrs{Op: opstest.Double}, []*ndarray.NDArray{x}, []*ndarray.NDArray{out})
	require.NoError(t, err)
	assert.Same(t, out, outputs[0])
	assert.Equal(t, []float32{2, 4, 6}, out.Float32s())

	_, err = rt.Invoke(ctx, graph.NodeAttrs{Op: opstest.Add}, []*ndarray.NDArray{x}, nil)
	require.Error(t, err)
	_, err = rt.Invoke(ctx, graph.NodeAttrs{Op: opstest.NoInfer}, []*ndarray.NDArray{x}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrIncomplete))
}

func TestBackwardDependency(t *testing.T) {
	for _, tc := range []struct {
		op                       *ops.Op
		numInputs                int
		saveInputs, saveOutputs []bool
	}{
		{opstest.Square, 1, []bool{true}, []bool{false}},
		{opstest.Exp, 1, []bool{false}, []bool{true}},
		{opstest.Add, 2, []bool{false, false}, []bool{false}},
		{opstest.Mul, 2, []bool{true, true}, []bool{false}},
		{opstest.Double, 1, []bool{false}, []bool{false}},
		{opstest.NoGrad, 1, []bool{false}, []bool{false}},
	} {
		node := tc.op.Apply("n", nil)
		saveInputs, saveOutputs := GetBackwardDependency(node, tc.numInputs, 1)
		assert.Equal(t, tc.saveInputs, saveInputs, "saved inputs of %s", tc.op.Name)
		assert.Equal(t, tc.saveOutputs, saveOutputs, "saved outputs of %s", tc.op.Name)
	}
}

func TestRecordChain(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 0.5, -1)
	grad := markVariable(t, rt, x, ops.WriteTo)

	var y, z *ndarray.NDArray
	require.NoError(t, Record(context.Background(), func(ctx context.Context) error {
		y = invoke(t, ctx, rt, "square", x)
		z = invoke(t, ctx, rt, "exp", y)
		return nil
	}))

	// square retains its input (x) but not its output; exp retains its output but not its input (y).
	xInfo, yInfo, zInfo := rt.Info(x.Entry().Node), rt.Info(y.Entry().Node), rt.Info(z.Entry().Node)
	require.NotNil(t, xInfo)
	require.NotNil(t, yInfo)
	require.NotNil(t, zInfo)
	assert.True(t, xInfo.Outputs[0].HasData())
	assert.False(t, yInfo.Outputs[0].HasData())
	assert.True(t, yInfo.Outputs[0].Shape().Equal(shapes.Make(2)))
	assert.True(t, zInfo.Outputs[0].HasData())
	assert.Same(t, y.Entry().Node, z.Entry().Node.Inputs[0].Node)

	results, err := rt.Backward(context.Background(), []*ndarray.NDArray{z}, nil, nil, BackwardOptions{IsTrain: true})
	require.NoError(t, err)
	assert.Nil(t, results)
	want := []float64{2 * 0.5 * math.Exp(0.25), 2 * -1 * math.Exp(1)}
	for ii, v := range grad.Float32s() {
		assert.InDelta(t, want[ii], v, 1e-5)
	}
	assert.True(t, rt.Info(x.Entry().Node).FreshOutGrad)

	// The graph was released: only the marked variable keeps its information.
	assert.Nil(t, rt.Info(z.Entry().Node))
	assert.Equal(t, 1, rt.NumRecorded())
	_, err = rt.Backward(context.Background(), []*ndarray.NDArray{z}, nil, nil, BackwardOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrStaleState), "got %+v", err)
}

func TestBackwardRetainGraph(t *testing.T) {
	for _, mode := range []exec.Mode{exec.Sequential, exec.Parallel} {
		t.Run(mode.String(), func(t *testing.T) {
			rt := newRuntime(t, mode)
			x := newArray(t, rt, 1, 2, 3)
			grad := markVariable(t, rt, x, ops.AddTo)
			var y *ndarray.NDArray
			require.NoError(t, Record(context.Background(), func(ctx context.Context) error {
				y = invoke(t, ctx, rt, "add", invoke(t, ctx, rt, "square", x), x)
				return nil
			}))
			for range 2 {
				_, err := rt.Backward(context.Background(), []*ndarray.NDArray{y}, nil, nil, BackwardOptions{RetainGraph: true})
				require.NoError(t, err)
			}
			// d(x^2+x)/dx = 2x+1, accumulated twice.
			assert.Equal(t, []float32{6, 10, 14}, grad.Float32s())
			assert.NotNil(t, rt.Info(y.Entry().Node))
		})
	}
}

func TestBackwardExplicitVariables(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x, w := newArray(t, rt, 1, 2, 3), newArray(t, rt, 4, 5, 6)
	xGrad := markVariable(t, rt, x, ops.WriteTo)
	wGrad := markVariable(t, rt, w, ops.WriteTo)
	ctx := WithRecording(context.Background(), true)
	z := invoke(t, ctx, rt, "mul", x, w)

	ograd := newArray(t, rt, 1, 10, 100)
	grads, err := rt.Backward(context.Background(), []*ndarray.NDArray{z}, []*ndarray.NDArray{ograd},
		[]*ndarray.NDArray{w, x}, BackwardOptions{})
	require.NoError(t, err)
	require.Len(t, grads, 2)
	assert.Equal(t, []float32{1, 20, 300}, grads[0].Float32s())
	assert.Equal(t, []float32{4, 50, 600}, grads[1].Float32s())

	// Marked gradient buffers are not touched.
	assert.Equal(t, []float32{0, 0, 0}, xGrad.Float32s())
	assert.Equal(t, []float32{0, 0, 0}, wGrad.Float32s())

	// Unmarked variable.
	y := invoke(t, ctx, rt, "double", x)
	_, err = rt.Backward(context.Background(), []*ndarray.NDArray{y}, nil, []*ndarray.NDArray{newArray(t, rt, 1)}, BackwardOptions{})
	require.Error(t, err)
}

func TestBackwardAggregation(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 1, 2)
	grad := markVariable(t, rt, x, ops.WriteTo)
	ctx := WithRecording(context.Background(), true)
	y := invoke(t, ctx, rt, "add", x, invoke(t, ctx, rt, "double", x))
	_, err := rt.Backward(ctx, []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3}, grad.Float32s())
}

func TestBackwardErrors(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 1, 2)
	markVariable(t, rt, x, ops.WriteTo)

	// Never recorded.
	y := invoke(t, context.Background(), rt, "double", x)
	_, err := rt.Backward(context.Background(), []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, nnerrors.ErrStaleState))

	ctx := WithRecording(context.Background(), true)

	// No gradient function on the path.
	y = invoke(t, ctx, rt, "nograd", x)
	_, err = rt.Backward(ctx, []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrIncomplete), "got %+v", err)

	// Nothing requires gradients.
	y = invoke(t, ctx, rt, "double", newArray(t, rt, 1, 2))
	_, err = rt.Backward(ctx, []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.Error(t, err)

	// Writing into a marked variable while recording.
	_, err = rt.Invoke(ctx, graph.NodeAttrs{Op: opstest.Identity}, []*ndarray.NDArray{newArray(t, rt, 3, 4)}, []*ndarray.NDArray{x})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errAssignRecorded))
}

func TestBackwardOutputGradientMismatch(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 1, 2, 3)
	grad := markVariable(t, rt, x, ops.WriteTo)
	ctx := WithRecording(context.Background(), true)
	for _, opName := range []string{"square", "exp", "double"} {
		y := invoke(t, ctx, rt, opName, x)
		_, err := rt.Backward(ctx, []*ndarray.NDArray{y}, []*ndarray.NDArray{newArray(t, rt, 1, 1, 1, 1, 1)}, nil,
			BackwardOptions{RetainGraph: true})
		require.Error(t, err, "op %s", opName)
		assert.True(t, errors.Is(err, nnerrors.ErrInconsistent), "op %s: got %+v", opName, err)
		assert.Contains(t, err.Error(), "output #0")
		assert.Equal(t, []float32{0, 0, 0}, grad.Float32s(), "op %s: gradient buffer must not be written", opName)

		// The graph is still there: a matching gradient works.
		_, err = rt.Backward(ctx, []*ndarray.NDArray{y}, []*ndarray.NDArray{newArray(t, rt, 1, 1, 1)}, nil, BackwardOptions{})
		require.NoError(t, err, "op %s", opName)
		grad.Fill(0)
	}

	// Same shape, different dtype.
	y := invoke(t, ctx, rt, "double", x)
	ograd, err := ndarray.New(rt.Allocator(), x.Shape(), dtypes.Float64, rt.Device())
	require.NoError(t, err)
	_, err = rt.Backward(ctx, []*ndarray.NDArray{y}, []*ndarray.NDArray{ograd}, nil, BackwardOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrInconsistent))
}

func TestMarkVariablesAgain(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 1, 2, 3)
	firstGrad := markVariable(t, rt, x, ops.WriteTo)
	ctx := WithRecording(context.Background(), true)
	y := invoke(t, ctx, rt, "square", x)

	// Marking again, after y was recorded, redirects its gradient.
	secondGrad := markVariable(t, rt, x, ops.WriteTo)
	_, err := rt.Backward(ctx, []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, secondGrad.Float32s())
	assert.Equal(t, []float32{0, 0, 0}, firstGrad.Float32s())

	// Marking with NullOp stops gradients to x.
	y = invoke(t, ctx, rt, "square", x)
	require.NoError(t, rt.MarkVariables([]*ndarray.NDArray{x}, []ops.OpReqType{ops.NullOp}, []*ndarray.NDArray{nil}))
	_, err = rt.Backward(ctx, []*ndarray.NDArray{y}, nil, nil, BackwardOptions{})
	require.Error(t, err)
}

func TestBackwardCreateGraph(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	x := newArray(t, rt, 3)
	markVariable(t, rt, x, ops.WriteTo)
	ctx := WithRecording(context.Background(), true)
	y := invoke(t, ctx, rt, "square", x)

	grads, err := rt.Backward(ctx, []*ndarray.NDArray{y}, nil, []*ndarray.NDArray{x},
		BackwardOptions{IsTrain: true, RetainGraph: true, CreateGraph: true})
	require.NoError(t, err)
	dx := grads[0]
	assert.Equal(t, []float32{6}, dx.Float32s())
	require.True(t, rt.IsRecorded(dx), "the gradient computation must have been recorded")

	grads, err = rt.Backward(ctx, []*ndarray.NDArray{dx}, nil, []*ndarray.NDArray{x}, BackwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, grads[0].Float32s())
}

// nestedRuntime is used by the kernel of imperative_test_nested.
var nestedRuntime *Runtime

var nestedOp = ops.MustRegister(&ops.Op{
	Name:        "imperative_test_nested",
	FixedInputs: 1,
	InferShape:  ops.ElemwiseShape,
	InferType:   ops.ElemwiseType,
	Compute: func(ctx context.Context, _ *ops.OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, _ []ops.OpReqType, outputs []*ndarray.NDArray) error {
		_, err := nestedRuntime.Invoke(ctx, graph.NodeAttrs{Op: opstest.Double}, inputs, outputs)
		return err
	},
})

func TestNestedInvokeNotRecorded(t *testing.T) {
	rt := newRuntime(t, exec.Sequential)
	nestedRuntime = rt
	ctx := WithRecording(context.Background(), true)
	y := invoke(t, ctx, rt, nestedOp.Name, newArray(t, rt, 1, 2))
	assert.Equal(t, []float32{2, 4}, y.Float32s())
	// The null variable of the input and the nested op node, but not the inner double.
	assert.Equal(t, 2, rt.NumRecorded())
	assert.Equal(t, nestedOp.Name, y.Entry().Node.OpName())
}
