// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ndarray defines NDArray, the concrete multidimensional array handled by the runtime:
// a fully known shape, a dtype, a storage type, the device, and the storage handle with the data.
//
// An NDArray may also carry an autograd entry: the graph node-entry that produced it while recording.
package ndarray

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// NDArray is a multidimensional array.
//
// Detached copies (see Detach) share the same storage, so writes to one are seen by the other.
type NDArray struct {
	shape  shapes.Shape
	dtype  dtypes.DType
	stype  stypes.StorageType
	device stypes.Device

	alloc  storage.Allocator
	handle *storage.Handle

	// entry is the autograd entry, set while recording.
	entry graph.NodeEntry
}

// New allocates a dense array with the given shape and dtype.
func New(alloc storage.Allocator, shape shapes.Shape, dtype dtypes.DType, device stypes.Device) (*NDArray, error) {
	return NewWithStorageType(alloc, shape, dtype, stypes.StorageDefault, device)
}

// NewWithStorageType allocates an array with the given storage type.
//
// Non-dense storage types are kept as metadata: the data is always held in dense layout.
func NewWithStorageType(alloc storage.Allocator, shape shapes.Shape, dtype dtypes.DType, stype stypes.StorageType,
	device stypes.Device) (*NDArray, error) {
	if !shape.IsFullyKnown() {
		return nil, errors.Errorf("ndarray.New: shape %s is not fully known", shape)
	}
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("ndarray.New: invalid dtype")
	}
	if stype == stypes.StorageUndefined {
		stype = stypes.StorageDefault
	}
	size := shape.Size() * int(dtype.Memory())
	handle, err := alloc.Alloc(size, device)
	if err != nil {
		return nil, errors.WithMessagef(err, "ndarray.New(%s, %s)", shape, dtype)
	}
	return &NDArray{
		shape:  shape.Clone(),
		dtype:  dtype,
		stype:  stype,
		device: device,
		alloc:  alloc,
		handle: handle,
	}, nil
}

// FromFlat creates an array with the given shape, filled with a copy of flat.
func FromFlat[T constraints.Integer | constraints.Float](alloc storage.Allocator, shape shapes.Shape, flat []T) (*NDArray, error) {
	var zero T
	dtype := dtypes.FromGoType(reflect.TypeOf(zero))
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("ndarray.FromFlat: shape %s has %d elements, but %d values given", shape, shape.Size(), len(flat))
	}
	a, err := New(alloc, shape, dtype, stypes.CPUDevice())
	if err != nil {
		return nil, err
	}
	copy(Flat[T](a), flat)
	return a, nil
}

// FromFloat32s creates a float32 array with the given shape and values.
func FromFloat32s(alloc storage.Allocator, shape shapes.Shape, values ...float32) (*NDArray, error) {
	return FromFlat(alloc, shape, values)
}

// Placeholder returns an array with the metadata (shape, dtype, storage type, device) but no data.
// It is used to keep track of arrays that are not retained.
func Placeholder(shape shapes.Shape, dtype dtypes.DType, stype stypes.StorageType, device stypes.Device) *NDArray {
	return &NDArray{shape: shape.Clone(), dtype: dtype, stype: stype, device: device}
}

// Shape of the array.
func (a *NDArray) Shape() shapes.Shape { return a.shape }

// DType of the array.
func (a *NDArray) DType() dtypes.DType { return a.dtype }

// StorageType of the array.
func (a *NDArray) StorageType() stypes.StorageType { return a.stype }

// Device where the array lives.
func (a *NDArray) Device() stypes.Device { return a.device }

// Handle returns the storage handle, nil for placeholders.
func (a *NDArray) Handle() *storage.Handle { return a.handle }

// HasData returns whether the array holds data (it is not a placeholder, nor released).
func (a *NDArray) HasData() bool { return a.handle != nil && a.handle.Data != nil }

// Entry returns the autograd entry of the array: it is "none" if the array is not part of a recorded graph.
func (a *NDArray) Entry() graph.NodeEntry { return a.entry }

// SetEntry sets the autograd entry of the array.
func (a *NDArray) SetEntry(entry graph.NodeEntry) { a.entry = entry }

// Detach returns a new array sharing the same storage, but without autograd entry.
func (a *NDArray) Detach() *NDArray {
	return &NDArray{
		shape:  a.shape,
		dtype:  a.dtype,
		stype:  a.stype,
		device: a.device,
		alloc:  a.alloc,
		handle: a.handle,
	}
}

// AsPlaceholder returns a placeholder with the same metadata of the array.
func (a *NDArray) AsPlaceholder() *NDArray {
	return Placeholder(a.shape, a.dtype, a.stype, a.device)
}

// Release returns the storage to its allocator. The array (and any detached copy of it) must not be used afterward.
func (a *NDArray) Release() {
	if a.handle != nil && a.alloc != nil {
		a.alloc.Free(a.handle)
	}
	a.handle = nil
}

// Bytes returns the underlying data. It panics for placeholders.
func (a *NDArray) Bytes() []byte {
	if !a.HasData() {
		exceptions.Panicf("NDArray%s has no data: it is a placeholder or it has been released", a.shape)
	}
	return a.handle.Data
}

// Flat returns the data of the array as a flat slice of T, sharing the storage.
// It panics if T doesn't match the array dtype or if the array has no data.
func Flat[T constraints.Integer | constraints.Float](a *NDArray) []T {
	var zero T
	if dtype := dtypes.FromGoType(reflect.TypeOf(zero)); dtype != a.dtype {
		exceptions.Panicf("ndarray.Flat[%T] called for NDArray of dtype %s", zero, a.dtype)
	}
	data := a.Bytes()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(zero)))
}

// Float32s returns the data of a float32 array.
func (a *NDArray) Float32s() []float32 { return Flat[float32](a) }

// Float16s returns the data of a float16 array.
func (a *NDArray) Float16s() []float16.Float16 {
	if a.dtype != dtypes.Float16 {
		exceptions.Panicf("NDArray.Float16s() called for NDArray of dtype %s", a.dtype)
	}
	data := a.Bytes()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(&data[0])), len(data)/2)
}

// Fill sets every element of a float array to value.
func (a *NDArray) Fill(value float64) {
	switch a.dtype {
	case dtypes.Float32:
		flat := a.Float32s()
		for ii := range flat {
			flat[ii] = float32(value)
		}
	case dtypes.Float64:
		flat := Flat[float64](a)
		for ii := range flat {
			flat[ii] = value
		}
	case dtypes.Float16:
		flat := a.Float16s()
		v := float16.Fromfloat32(float32(value))
		for ii := range flat {
			flat[ii] = v
		}
	default:
		exceptions.Panicf("NDArray.Fill() not supported for dtype %s", a.dtype)
	}
}

// CopyFrom copies the data of src into a. Shapes and dtypes must match.
func (a *NDArray) CopyFrom(src *NDArray) error {
	if !a.shape.Equal(src.shape) || a.dtype != src.dtype {
		return errors.Errorf("NDArray.CopyFrom: destination %s/%s doesn't match source %s/%s",
			a.shape, a.dtype, src.shape, src.dtype)
	}
	if !a.HasData() || !src.HasData() {
		return errors.Errorf("NDArray.CopyFrom: arrays must have data")
	}
	copy(a.handle.Data, src.handle.Data)
	return nil
}

// CastStorage returns a copy of the array with the given storage type. Since data is always held in dense
// layout, this is a copy with the new storage type tag.
func (a *NDArray) CastStorage(stype stypes.StorageType) (*NDArray, error) {
	alloc := a.alloc
	if alloc == nil {
		alloc = storage.Default()
	}
	c, err := NewWithStorageType(alloc, a.shape, a.dtype, stype, a.device)
	if err != nil {
		return nil, err
	}
	if err := c.CopyFrom(a); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// String implements fmt.Stringer.
func (a *NDArray) String() string {
	if !a.HasData() {
		return fmt.Sprintf("NDArray%s(%s, %s, no data)", a.shape, a.dtype, a.stype)
	}
	if a.dtype == dtypes.Float32 {
		return fmt.Sprintf("NDArray%s(%s)%v", a.shape, a.dtype, a.Float32s())
	}
	return fmt.Sprintf("NDArray%s(%s, %s)", a.shape, a.dtype, a.stype)
}
