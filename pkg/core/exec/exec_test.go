// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/ops/opstest"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterOp is a stateful operator: it outputs x + number of times it was called with the same state.
var counterOp = ops.MustRegister(&ops.Op{
	Name:        "exec_test_counter",
	FixedInputs: 1,
	InferShape:  ops.ElemwiseShape,
	InferType:   ops.ElemwiseType,
	CreateState: func(*graph.NodeAttrs, stypes.Device, []shapes.Shape, []dtypes.DType) (*ops.State, error) {
		return &ops.State{Value: new(int)}, nil
	},
	Compute: func(_ context.Context, octx *ops.OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) error {
		counter := octx.State.Value.(*int)
		*counter++
		return ops.UnaryCompute(reqs[0], inputs[0], outputs[0], func(x float64) float64 { return x + float64(*counter) })
	},
})

// counterReadOp outputs the count of the state of its forward node (its first control dependency).
var counterReadOp = ops.MustRegister(&ops.Op{
	Name:             "_exec_test_counter_read",
	FixedInputs:      1,
	UsesForwardState: true,
	InferShape:       ops.ElemwiseShape,
	InferType:        ops.ElemwiseType,
	Compute: func(_ context.Context, octx *ops.OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) error {
		counter := octx.State.Value.(*int)
		return ops.UnaryCompute(reqs[0], inputs[0], outputs[0], func(float64) float64 { return float64(*counter) })
	},
})

func newPlan(t *testing.T, g *graph.Graph, inShapes []shapes.Shape, inSTypes []stypes.StorageType) *Plan {
	inTypes := make([]dtypes.DType, len(inShapes))
	for ii := range inTypes {
		inTypes[ii] = dtypes.Float32
	}
	if inSTypes == nil {
		inSTypes = make([]stypes.StorageType, len(inShapes))
		for ii := range inSTypes {
			inSTypes[ii] = stypes.StorageDefault
		}
	}
	require.NoError(t, must.M1(infer.InferShape(g, inShapes, "")).CheckComplete())
	require.NoError(t, must.M1(infer.InferType(g, inTypes, "")).CheckComplete())
	require.NoError(t, must.M1(infer.InferStorageType(g, inSTypes, "")).CheckComplete())
	return must.M1(NewPlan(g))
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{Sequential, Parallel, Dynamic} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err := ParseMode("turbo")
	require.Error(t, err)
}

func TestRunGraph(t *testing.T) {
	for _, mode := range []Mode{Sequential, Parallel, Dynamic} {
		t.Run(mode.String(), func(t *testing.T) {
			alloc := storage.NewPooled()
			driver := New(alloc, stypes.CPUDevice(), mode, 4)
			x, y := opstest.Var("x"), opstest.Var("y")
			a := opstest.Entry("add", "a", x, y)
			b := opstest.Entry("mul", "b", a, x)
			c := opstest.Entry("double", "c", b)
			d := opstest.Entry("exp", "d", x)
			g := graph.New(c, d)
			idx := g.Indexed()
			plan := newPlan(t, g, opstest.Shapes(shapes.Make(3), shapes.Make(3)), nil)

			run := &Run{
				Plan:      plan,
				Arrays:    make([]*ndarray.NDArray, idx.NumNodeEntries()),
				RefCounts: RefCounts(idx, 0, idx.NumNodes()),
			}
			run.Arrays[idx.NodeEntryID(x)] = must.M1(ndarray.FromFloat32s(alloc, shapes.Make(3), 1, 2, 3))
			run.Arrays[idx.NodeEntryID(y)] = must.M1(ndarray.FromFloat32s(alloc, shapes.Make(3), 10, 20, 30))
			require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))

			// c = 2 * (x + y) * x
			assert.Equal(t, []float32{22, 88, 198}, run.Arrays[idx.NodeEntryID(c)].Float32s())
			assert.InDelta(t, 2.7182817, run.Arrays[idx.NodeEntryID(d)].Float32s()[0], 1e-5)

			// Intermediate results are dropped once consumed, outputs are kept.
			assert.Nil(t, run.Arrays[idx.NodeEntryID(a)])
			assert.Nil(t, run.Arrays[idx.NodeEntryID(b)])
			assert.Nil(t, run.Arrays[idx.NodeEntryID(x)])
			assert.Equal(t, 1, run.RefCounts[idx.NodeEntryID(c)])
		})
	}
}

func TestRunGraphRequests(t *testing.T) {
	alloc := storage.NewPooled()
	driver := New(alloc, stypes.CPUDevice(), Sequential, 0)
	x := opstest.Var("x")
	y := opstest.Entry("double", "y", x)
	g := graph.New(y)
	idx := g.Indexed()
	plan := newPlan(t, g, opstest.Shapes(shapes.Make(2)), nil)

	out := must.M1(ndarray.FromFloat32s(alloc, shapes.Make(2), 100, 200))
	run := &Run{
		Plan:   plan,
		Arrays: []*ndarray.NDArray{must.M1(ndarray.FromFloat32s(alloc, shapes.Make(2), 1, 2)), out},
		Reqs:   []ops.OpReqType{ops.NullOp, ops.AddTo},
	}
	require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))
	assert.Equal(t, []float32{102, 204}, out.Float32s())

	// NullOp: the output is not even allocated.
	run.Arrays[1] = nil
	run.Reqs[1] = ops.NullOp
	require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))
	assert.Nil(t, run.Arrays[1])

	// Missing input.
	run.Arrays[0] = nil
	run.Reqs[1] = ops.WriteTo
	require.Error(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))

	// Invalid range.
	require.Error(t, driver.RunGraph(context.Background(), run, 1, 5))
}

func TestRunGraphDispatch(t *testing.T) {
	alloc := storage.NewPooled()
	driver := New(alloc, stypes.CPUDevice(), Sequential, 0)
	x, y := opstest.Var("x"), opstest.Var("y")
	sum := opstest.Entry("add", "sum", x, y)
	g := graph.New(opstest.Entry("identity", "id", sum))
	idx := g.Indexed()
	plan := newPlan(t, g, opstest.Shapes(shapes.Make(2), shapes.Make(2)),
		[]stypes.StorageType{stypes.StorageRowSparse, stypes.StorageRowSparse})
	assert.Equal(t, stypes.DispatchFComputeEx, plan.DispatchModes[idx.MustNodeID(sum.Node)])
	assert.Equal(t, stypes.StorageRowSparse, plan.STypes[idx.NodeEntryID(sum)])

	xArray := must.M1(must.M1(ndarray.FromFloat32s(alloc, shapes.Make(2), 1, 2)).CastStorage(stypes.StorageRowSparse))
	yArray := must.M1(must.M1(ndarray.FromFloat32s(alloc, shapes.Make(2), 3, 4)).CastStorage(stypes.StorageRowSparse))
	run := &Run{Plan: plan, Arrays: make([]*ndarray.NDArray, idx.NumNodeEntries())}
	run.Arrays[idx.NodeEntryID(x)] = xArray
	run.Arrays[idx.NodeEntryID(y)] = yArray
	require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))
	assert.Equal(t, stypes.StorageRowSparse, run.Arrays[idx.NodeEntryID(sum)].StorageType())
	// identity has only a dense kernel: its sparse input is converted.
	output := run.Arrays[idx.NodeEntryID(g.Outputs[0])]
	assert.Equal(t, stypes.StorageDefault, output.StorageType())
	assert.Equal(t, []float32{4, 6}, output.Float32s())

	// Operators without a storage specialized kernel can't run in FComputeEx mode.
	err := driver.InvokeOp(context.Background(), &ops.OpContext{}, &graph.NodeAttrs{Op: opstest.Identity, Name: "id"},
		stypes.DispatchFComputeEx, []*ndarray.NDArray{xArray}, []ops.OpReqType{ops.WriteTo}, []*ndarray.NDArray{output})
	assert.True(t, errors.Is(err, nnerrors.ErrUnsupported))
}

func TestRunGraphStates(t *testing.T) {
	alloc := storage.NewPooled()
	driver := New(alloc, stypes.CPUDevice(), Sequential, 0)
	x := opstest.Var("x")
	fwd := counterOp.Apply("counter", nil, x)
	read := ops.MakeGradNode(counterReadOp, fwd, nil, fwd.Entry(0))
	g := graph.New(fwd.Entry(0), read.Entry(0))
	idx := g.Indexed()
	plan := newPlan(t, g, opstest.Shapes(shapes.Make(1)), nil)

	run := &Run{Plan: plan, Arrays: make([]*ndarray.NDArray, idx.NumNodeEntries())}
	run.Arrays[idx.NodeEntryID(x)] = must.M1(ndarray.FromFloat32s(alloc, shapes.Make(1), 10))
	require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))
	assert.Equal(t, []float32{11}, run.Arrays[idx.NodeEntryID(fwd.Entry(0))].Float32s())
	assert.Equal(t, []float32{1}, run.Arrays[idx.NodeEntryID(read.Entry(0))].Float32s())

	// Running again the forward node reuses its state.
	fnid := int(idx.MustNodeID(fwd))
	require.NoError(t, driver.RunGraph(context.Background(), run, fnid, fnid+1))
	assert.Equal(t, []float32{12}, run.Arrays[idx.NodeEntryID(fwd.Entry(0))].Float32s())

	// The backward node without the forward state.
	run.States = make([]*ops.State, idx.NumNodes())
	rnid := int(idx.MustNodeID(read))
	err := driver.RunGraph(context.Background(), run, rnid, rnid+1)
	assert.True(t, errors.Is(err, nnerrors.ErrStaleState))
}

func TestRunGraphRecorder(t *testing.T) {
	alloc := storage.NewPooled()
	driver := New(alloc, stypes.CPUDevice(), Sequential, 0)
	x := opstest.Var("x")
	a := opstest.Entry("double", "a", x)
	b := opstest.Entry("double", "b", a)
	g := graph.New(b)
	idx := g.Indexed()
	plan := newPlan(t, g, opstest.Shapes(shapes.Make(1)), nil)
	var recorded []string
	run := &Run{
		Plan:      plan,
		Arrays:    make([]*ndarray.NDArray, idx.NumNodeEntries()),
		RefCounts: RefCounts(idx, 0, idx.NumNodes()),
		Recorder: func(attrs *graph.NodeAttrs, inputs, outputs []*ndarray.NDArray, _ *ops.State) error {
			recorded = append(recorded, attrs.Name)
			return nil
		},
	}
	run.Arrays[0] = must.M1(ndarray.FromFloat32s(alloc, shapes.Make(1), 3))
	require.NoError(t, driver.RunGraph(context.Background(), run, 0, idx.NumNodes()))
	assert.Equal(t, []string{"a", "b"}, recorded)
	assert.Equal(t, []float32{12}, run.Arrays[idx.NodeEntryID(b)].Float32s())
}

func TestRefCounts(t *testing.T) {
	x := opstest.Var("x")
	a := opstest.Entry("add", "a", x, x)
	g := graph.New(a, x)
	idx := g.Indexed()
	counts := RefCounts(idx, 0, idx.NumNodes())
	assert.Equal(t, 3, counts[idx.NodeEntryID(x)])
	assert.Equal(t, 1, counts[idx.NodeEntryID(a)])
	counts = RefCounts(idx, 0, 0)
	assert.Equal(t, 1, counts[idx.NodeEntryID(x)])
}
