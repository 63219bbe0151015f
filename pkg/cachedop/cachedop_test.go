// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/ops/opstest"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/imperative"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, config string) *imperative.Runtime {
	t.Helper()
	cfg, err := imperative.ParseConfig(config)
	require.NoError(t, err)
	return imperative.NewFromConfig(cfg, storage.NewPooled())
}

func newArray(t *testing.T, rt *imperative.Runtime, values ...float32) *ndarray.NDArray {
	t.Helper()
	a, err := ndarray.FromFloat32s(rt.Allocator(), shapes.Make(len(values)), values...)
	require.NoError(t, err)
	return a
}

func arrays(list ...*ndarray.NDArray) []*ndarray.NDArray { return list }

// polyBuilder builds square(x)+x for one input, x0*x1 for two and double(x0) for three.
func polyBuilder(inputs []graph.NodeEntry) ([]graph.NodeEntry, error) {
	switch len(inputs) {
	case 1:
		x := inputs[0]
		return []graph.NodeEntry{opstest.Entry("add", "sum", opstest.Entry("square", "sq", x), x)}, nil
	case 2:
		return []graph.NodeEntry{opstest.Entry("mul", "prod", inputs[0], inputs[1])}, nil
	case 3:
		return []graph.NodeEntry{opstest.Entry("double", "twice", inputs[0])}, nil
	}
	return nil, errors.Errorf("no graph for %d inputs", len(inputs))
}

func TestForwardCache(t *testing.T) {
	rt := newRuntime(t, "exec=sequential")
	ctx := context.Background()
	c := NewFromBuilder(rt, "poly", polyBuilder)
	x := newArray(t, rt, 1, 2, 3)

	outputs, st, err := c.Forward(ctx, arrays(x), nil)
	require.NoError(t, err)
	assert.Nil(t, st, "no state is retained out of a recording scope")
	assert.Equal(t, []float32{2, 6, 12}, outputs[0].Float32s())
	rebuilds := c.Rebuilds()
	assert.Equal(t, 2, rebuilds, "one forward graph and one plan")

	// Same input shapes: the cached plan is used.
	outputs, _, err = c.Forward(ctx, arrays(newArray(t, rt, 3, 2, 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 6, 2}, outputs[0].Float32s())
	assert.Equal(t, rebuilds, c.Rebuilds())

	// Different number of inputs: new graph and plan.
	outputs, _, err = c.Forward(ctx, arrays(x, newArray(t, rt, 2, 2, 2)), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, outputs[0].Float32s())
	assert.Equal(t, rebuilds+2, c.Rebuilds())
	assert.Equal(t, 2, c.NumPlans())

	// Different shapes, without static shapes: the plan for one input is replaced.
	outputs, _, err = c.Forward(ctx, arrays(newArray(t, rt, 5)), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{30}, outputs[0].Float32s())
	assert.Equal(t, rebuilds+3, c.Rebuilds())
	assert.Equal(t, 2, c.NumPlans())

	// Given outputs are written, and must match the inferred shapes.
	out := newArray(t, rt, 0, 0, 0)
	outputs, _, err = c.Forward(ctx, arrays(x), arrays(out))
	require.NoError(t, err)
	assert.Same(t, out, outputs[0])
	assert.Equal(t, []float32{2, 6, 12}, out.Float32s())
	_, _, err = c.Forward(ctx, arrays(x), arrays(newArray(t, rt, 0)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrInconsistent))

	_, _, err = c.Forward(ctx, arrays(x, x, x, x), nil)
	require.Error(t, err)
}

func TestStaticShapeAndCacheLimit(t *testing.T) {
	rt := newRuntime(t, "exec=sequential,static_shape,cache_max=2")
	ctx := context.Background()
	c := NewFromBuilder(rt, "", polyBuilder)
	assert.NotEmpty(t, c.Name())
	for _, x := range []*ndarray.NDArray{newArray(t, rt, 1), newArray(t, rt, 1, 2), newArray(t, rt, 3)} {
		_, _, err := c.Forward(ctx, arrays(x), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.NumPlans(), "one plan per input shape")
	assert.Equal(t, 3, c.Rebuilds())
	_, _, err := c.Forward(ctx, arrays(newArray(t, rt, 1, 2, 3)), nil)
	require.Error(t, err, "cache is full")
}

func TestFixedGraph(t *testing.T) {
	rt := newRuntime(t, "exec=sequential")
	ctx := context.Background()
	x, y := opstest.Var("x"), opstest.Var("y")
	c, err := New(rt, "fixed", []graph.NodeEntry{opstest.Entry("mul", "prod", x, opstest.Entry("double", "d", y)), x})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Rebuilds())

	outputs, _, err := c.Forward(ctx, arrays(newArray(t, rt, 1, 2), newArray(t, rt, 3, 4)), nil)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{6, 16}, outputs[0].Float32s())
	assert.Equal(t, []float32{1, 2}, outputs[1].Float32s(), "variable outputs are copied")

	g, err := c.ForwardGraph(2)
	require.NoError(t, err)
	assert.Equal(t, ops.CopyName, g.Outputs[1].Node.OpName())

	_, _, err = c.Forward(ctx, arrays(newArray(t, rt, 1, 2)), nil)
	require.Error(t, err, "fixed graphs take a fixed number of inputs")
	_, err = New(rt, "empty", nil)
	require.Error(t, err)
}

func TestBackwardState(t *testing.T) {
	for _, mode := range []exec.Mode{exec.Sequential, exec.Parallel} {
		t.Run(mode.String(), func(t *testing.T) {
			rt := newRuntime(t, "parallelism=2,exec="+mode.String())
			c := NewFromBuilder(rt, "poly", polyBuilder)
			x := newArray(t, rt, 0.5, -1, 2)
			err := imperative.Record(context.Background(), func(ctx context.Context) error {
				outputs, st, err := c.Forward(ctx, arrays(x), nil)
				require.NoError(t, err)
				require.NotNil(t, st)
				assert.Equal(t, []float32{0.75, 0, 6}, outputs[0].Float32s())
				assert.True(t, rt.IsRecorded(outputs[0]))

				// Retained: backward can be called twice.
				for range 2 {
					grads, err := c.Backward(ctx, st, nil, nil, nil, true)
					require.NoError(t, err)
					assert.Equal(t, []float32{2, -1, 5}, grads[0].Float32s())
				}
				// Output gradients must match the outputs, and a mismatch doesn't release the state.
				_, err = c.Backward(ctx, st, arrays(newArray(t, rt, 1, 1, 1, 1, 1)), nil, nil, false)
				require.Error(t, err)
				assert.True(t, errors.Is(err, nnerrors.ErrInconsistent), "got %+v", err)
				assert.Contains(t, err.Error(), "output #0")
				assert.False(t, st.Released())

				ograd := newArray(t, rt, 1, 10, 100)
				inGrad := newArray(t, rt, 1, 1, 1)
				grads, err := c.Backward(ctx, st, arrays(ograd), []ops.OpReqType{ops.AddTo}, arrays(inGrad), false)
				require.NoError(t, err)
				assert.Same(t, inGrad, grads[0])
				assert.Equal(t, []float32{3, -9, 501}, inGrad.Float32s())
				assert.True(t, st.Released())

				_, err = c.Backward(ctx, st, nil, nil, nil, false)
				require.Error(t, err)
				assert.True(t, errors.Is(err, nnerrors.ErrStaleState))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestBackwardUnusedInput(t *testing.T) {
	rt := newRuntime(t, "exec=sequential")
	c := NewFromBuilder(rt, "poly", polyBuilder)
	x, unused := newArray(t, rt, 1, 2), newArray(t, rt, 7, 7)
	ctx := imperative.WithRecording(context.Background(), true)
	outputs, st, err := c.Forward(ctx, arrays(x, unused, unused), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, outputs[0].Float32s())
	grads, err := c.Backward(ctx, st, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, grads, 3)
	assert.Equal(t, []float32{2, 2}, grads[0].Float32s())
	assert.Equal(t, []float32{0, 0}, grads[1].Float32s())
	assert.Equal(t, []float32{0, 0}, grads[2].Float32s())

	_, err = c.Backward(ctx, nil, nil, nil, nil, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrStaleState))
}

func TestImperativeBackward(t *testing.T) {
	rt := newRuntime(t, "exec=dynamic,parallelism=2")
	c := NewFromBuilder(rt, "poly", polyBuilder)
	x := newArray(t, rt, 1, 2, 3)
	grad, err := ndarray.New(rt.Allocator(), x.Shape(), x.DType(), rt.Device())
	require.NoError(t, err)
	require.NoError(t, rt.MarkVariables(arrays(x), []ops.OpReqType{ops.WriteTo}, arrays(grad)))

	var st *State
	var z *ndarray.NDArray
	err = imperative.Record(context.Background(), func(ctx context.Context) error {
		var outputs []*ndarray.NDArray
		var err error
		outputs, st, err = c.Forward(ctx, arrays(x), nil)
		if err != nil {
			return err
		}
		outputs, err = rt.Invoke(ctx, graph.NodeAttrs{Op: opstest.Double}, outputs, nil)
		if err != nil {
			return err
		}
		z = outputs[0]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 12, 24}, z.Float32s())

	_, err = rt.Backward(context.Background(), arrays(z), nil, nil, imperative.BackwardOptions{IsTrain: true})
	require.NoError(t, err)
	// d(2*(x^2+x))/dx = 4x+2
	assert.Equal(t, []float32{6, 10, 14}, grad.Float32s())
	assert.True(t, st.Released(), "the CachedOp state is released with the recorded graph")
}

func TestApply(t *testing.T) {
	rt := newRuntime(t, "exec=sequential")
	c := NewFromBuilder(rt, "poly", polyBuilder)
	x := opstest.Var("x")
	node, err := c.Apply("", x)
	require.NoError(t, err)
	assert.Equal(t, OpName, node.OpName())
	assert.Equal(t, 1, node.NumOutputs())

	// Inference through the CachedOp node of an outer graph.
	outer := graph.New(opstest.Entry("double", "d", node.Entry(0)))
	result, err := infer.InferShape(outer, []shapes.Shape{shapes.Make(4, 2)}, "")
	require.NoError(t, err)
	require.NoError(t, result.CheckComplete())
	assert.True(t, shapes.Make(4, 2).Equal(result.Values[outer.Indexed().NodeEntryID(outer.Outputs[0])]))

	// Imperative invocation of the node attributes, recorded and differentiated.
	a := newArray(t, rt, 2, 3)
	grad, err := ndarray.New(rt.Allocator(), a.Shape(), a.DType(), rt.Device())
	require.NoError(t, err)
	require.NoError(t, rt.MarkVariables(arrays(a), []ops.OpReqType{ops.WriteTo}, arrays(grad)))
	var y *ndarray.NDArray
	err = imperative.Record(context.Background(), func(ctx context.Context) error {
		outputs, err := rt.Invoke(ctx, node.Attrs, arrays(a), nil)
		if err != nil {
			return err
		}
		y = outputs[0]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 12}, y.Float32s())
	_, err = rt.Backward(context.Background(), arrays(y), nil, nil, imperative.BackwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7}, grad.Float32s())

	_, err = rt.Invoke(context.Background(), graph.NodeAttrs{Op: CachedOpOp, Name: "orphan"}, nil, nil)
	require.Error(t, err, "CachedOp nodes need their parsed attributes")
}

func TestConcurrentForward(t *testing.T) {
	rt := newRuntime(t, "exec=parallel,parallelism=4")
	c := NewFromBuilder(rt, "poly", polyBuilder)
	const numCalls = 16
	var wg sync.WaitGroup
	results := make([][]float32, numCalls)
	errs := make([]error, numCalls)
	for ii := range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, err := ndarray.FromFloat32s(rt.Allocator(), shapes.Make(2), float32(ii), 1)
			if err != nil {
				errs[ii] = err
				return
			}
			ctx := imperative.WithRecording(context.Background(), ii%2 == 0)
			outputs, st, err := c.Forward(ctx, arrays(x), nil)
			if err != nil {
				errs[ii] = err
				return
			}
			results[ii] = outputs[0].Float32s()
			if st != nil {
				grads, err := c.Backward(ctx, st, nil, nil, nil, false)
				if err == nil && grads[0].Float32s()[0] != float32(2*ii+1) {
					err = fmt.Errorf("call %d: gradient %v", ii, grads[0].Float32s())
				}
				errs[ii] = err
			}
		}()
	}
	wg.Wait()
	for ii := range numCalls {
		require.NoError(t, errs[ii], "call %d", ii)
		v := float32(ii)
		assert.Equal(t, []float32{v*v + v, 2}, results[ii], "call %d", ii)
	}
	assert.Equal(t, 2, c.Rebuilds(), "concurrent calls share one graph and one plan")
}

func TestLoopState(t *testing.T) {
	rt := newRuntime(t, "exec=sequential")
	x := opstest.Var("h")
	body, err := New(rt, "body", []graph.NodeEntry{opstest.Entry("square", "sq", x)})
	require.NoError(t, err)
	loop := NewLoopState(body)

	ctx := imperative.WithRecording(context.Background(), true)
	h := newArray(t, rt, 2)
	for iter := range 2 {
		outputs, err := loop.Forward(ctx, iter, arrays(h), nil)
		require.NoError(t, err)
		h = outputs[0]
	}
	assert.Equal(t, []float32{16}, h.Float32s())
	assert.Equal(t, 2, loop.NumIterations())
	out := newArray(t, rt, -1)
	_, err = loop.Forward(ctx, 5, arrays(h), arrays(out))
	require.Error(t, err, "iterations must be recorded in order")
	assert.Equal(t, []float32{-1}, out.Float32s(), "an iteration out of order must not run")
	assert.Equal(t, 2, loop.NumIterations())

	// Backward in reverse order: dh1 = 2*h1 = 8, dh0 = 2*h0*dh1 = 32.
	grads, err := loop.Backward(ctx, 1, nil, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{8}, grads[0].Float32s())
	grads, err = loop.Backward(ctx, 0, grads, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{32}, grads[0].Float32s())
	_, err = loop.Backward(ctx, 2, nil, nil, nil, false)
	require.Error(t, err)

	loop.Cleanup()
	assert.Equal(t, 0, loop.NumIterations())

	// Out of a recording scope no state is kept.
	_, err = loop.Forward(context.Background(), 0, arrays(newArray(t, rt, 3)), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, loop.NumIterations())
}
