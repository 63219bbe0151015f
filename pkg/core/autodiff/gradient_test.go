// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autodiff

import (
	"testing"

	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/ops/opstest"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradientBackwardLinks(t *testing.T) {
	x, head := opstest.Var("x"), opstest.Var("head")
	y := opstest.Entry("square", "sq", x)
	grads, err := Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, []graph.NodeEntry{head})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	bwd := grads[0].Node
	assert.Equal(t, "_backward_square", bwd.OpName())
	require.NotNil(t, bwd.Backward)
	assert.Same(t, y.Node, bwd.Backward.Forward)
	assert.Equal(t, []int{0}, bwd.Backward.OutputToForwardInput)
	assert.Equal(t, []int{0, -1}, bwd.Backward.InputToForwardOutput)

	// The gradient graph shapes can be inferred from the forward shapes only.
	g := graph.New(append([]graph.NodeEntry{y}, grads...)...)
	result, err := infer.InferShape(g, nil, "", infer.WithHints(map[graph.NodeEntry]shapes.Shape{x: shapes.Make(2, 5)}))
	require.NoError(t, err)
	require.NoError(t, result.CheckComplete())
	idx := g.Indexed()
	assert.True(t, result.Values[idx.NodeEntryID(grads[0])].Equal(shapes.Make(2, 5)))
	assert.True(t, result.Values[idx.NodeEntryID(head)].Equal(shapes.Make(2, 5)))
}

func TestGradientAggregation(t *testing.T) {
	x, head := opstest.Var("x"), opstest.Var("head")
	y := opstest.Entry("add", "sum", x, x)
	grads, err := Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, []graph.NodeEntry{head})
	require.NoError(t, err)
	sum := grads[0].Node
	assert.Equal(t, ops.AddNName, sum.OpName())
	assert.Equal(t, "2", sum.Attrs.Dict["num_args"])
	require.Len(t, sum.Inputs, 2)
	assert.Same(t, head.Node, sum.Inputs[0].Node)
	assert.Same(t, head.Node, sum.Inputs[1].Node)
}

func TestGradientZerosAndCopies(t *testing.T) {
	x, w, head := opstest.Var("x"), opstest.Var("w"), opstest.Var("head")
	y := opstest.Entry("identity", "id", x)
	grads, err := Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x, w, x}, []graph.NodeEntry{head})
	require.NoError(t, err)
	require.Len(t, grads, 3)

	// The gradient of x is the head gradient variable itself: it gets its own buffer.
	assert.Equal(t, ops.CopyName, grads[0].Node.OpName())
	assert.Same(t, head.Node, grads[0].Node.Inputs[0].Node)

	// w doesn't take part in y.
	assert.Equal(t, ops.ZerosLikeName, grads[1].Node.OpName())
	assert.Same(t, w.Node, grads[1].Node.Inputs[0].Node)

	// Repeated x: a second copy.
	assert.Equal(t, ops.CopyName, grads[2].Node.OpName())
	assert.NotSame(t, grads[0].Node, grads[2].Node)
}

func TestGradientNonDifferentiable(t *testing.T) {
	x, w, head := opstest.Var("x"), opstest.Var("w"), opstest.Var("head")

	// nograd on the path from x to y.
	y := opstest.Entry("nograd", "ng", x)
	_, err := Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, []graph.NodeEntry{head})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nnerrors.ErrIncomplete))

	// nograd off the path: not differentiated.
	y = opstest.Entry("add", "sum", x, opstest.Entry("nograd", "ng", w))
	grads, err := Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, []graph.NodeEntry{head})
	require.NoError(t, err)
	assert.Equal(t, ops.CopyName, grads[0].Node.OpName())

	// nograd receiving no gradient: zero gradients.
	y = opstest.Entry("nograd", "ng", x)
	grads, err = Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, []graph.NodeEntry{{}})
	require.NoError(t, err)
	assert.Equal(t, ops.ZerosLikeName, grads[0].Node.OpName())

	_, err = Gradient([]graph.NodeEntry{y}, []graph.NodeEntry{x}, nil)
	require.Error(t, err)
}
