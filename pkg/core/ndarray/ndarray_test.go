// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ndarray

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNDArray(t *testing.T) {
	alloc := storage.NewPooled()
	a := must.M1(FromFloat32s(alloc, shapes.Make(2, 2), 1, 2, 3, 4))
	assert.Equal(t, dtypes.Float32, a.DType())
	assert.Equal(t, stypes.StorageDefault, a.StorageType())
	assert.Equal(t, []float32{1, 2, 3, 4}, a.Float32s())
	assert.Equal(t, int64(16), alloc.Stats().InUse)

	d := a.Detach()
	d.Float32s()[0] = 10
	assert.Equal(t, float32(10), a.Float32s()[0], "detached arrays share storage")

	p := a.AsPlaceholder()
	assert.False(t, p.HasData())
	assert.True(t, p.Shape().Equal(a.Shape()))
	assert.Panics(t, func() { _ = p.Float32s() })
	assert.Contains(t, p.String(), "no data")

	assert.Panics(t, func() { _ = Flat[int32](a) })

	c := must.M1(a.CastStorage(stypes.StorageRowSparse))
	assert.Equal(t, stypes.StorageRowSparse, c.StorageType())
	assert.Equal(t, a.Float32s(), c.Float32s())

	a.Release()
	assert.False(t, a.HasData())
	_, err := New(alloc, shapes.Make(2, shapes.UnknownDim), dtypes.Float32, stypes.CPUDevice())
	require.Error(t, err)
}

func TestFill(t *testing.T) {
	alloc := storage.NewPooled()
	f16 := must.M1(New(alloc, shapes.Make(3), dtypes.Float16, stypes.CPUDevice()))
	f16.Fill(1.5)
	for _, v := range f16.Float16s() {
		assert.Equal(t, float16.Fromfloat32(1.5), v)
	}
	f64 := must.M1(FromFlat(alloc, shapes.Make(2), []float64{0, 0}))
	f64.Fill(-2)
	assert.Equal(t, []float64{-2, -2}, Flat[float64](f64))
}
