// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage provides the memory allocator used by arrays: Alloc/Free of raw byte buffers
// bound to a device, with pooling of freed buffers for reuse.
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle is an allocated memory region on a device.
//
// After Free or DirectFree, Data is nil and the handle must not be used anymore.
type Handle struct {
	Data   []byte
	Size   int
	Device stypes.Device
}

// Allocator manages memory for arrays.
type Allocator interface {
	// Alloc returns a buffer of size bytes on the given device.
	// Its contents are zeroed.
	Alloc(size int, device stypes.Device) (*Handle, error)

	// Free returns the buffer to the allocator, which may reuse it.
	Free(h *Handle)

	// DirectFree releases the buffer immediately, bypassing any pooling.
	DirectFree(h *Handle)
}

// Stats of a Pooled allocator.
type Stats struct {
	// Allocated is the total number of bytes ever taken from the Go heap.
	Allocated int64

	// InUse is the number of bytes currently handed out.
	InUse int64

	// Reused is the number of allocations served from the pool.
	Reused int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("allocated=%s, in-use=%s, reused=%d",
		humanize.Bytes(uint64(s.Allocated)), humanize.Bytes(uint64(s.InUse)), s.Reused)
}

type poolKey struct {
	device stypes.Device
	size   int
}

// Pooled is an Allocator for CPU devices that keeps freed buffers in pools (one per device and size),
// to be reused by later allocations of the same size.
//
// It is safe for concurrent use.
type Pooled struct {
	pools                       sync.Map // poolKey -> *sync.Pool
	allocated, inUse, numReused atomic.Int64
}

// Compile-time check.
var _ Allocator = (*Pooled)(nil)

// NewPooled creates a new pooled allocator.
func NewPooled() *Pooled {
	return &Pooled{}
}

var (
	defaultAllocator     *Pooled
	defaultAllocatorOnce sync.Once
)

// Default returns the process-wide allocator.
func Default() *Pooled {
	defaultAllocatorOnce.Do(func() {
		defaultAllocator = NewPooled()
	})
	return defaultAllocator
}

func (p *Pooled) getPool(key poolKey) *sync.Pool {
	poolAny, found := p.pools.Load(key)
	if !found {
		poolAny, _ = p.pools.LoadOrStore(key, &sync.Pool{})
	}
	return poolAny.(*sync.Pool)
}

// Alloc implements Allocator.
func (p *Pooled) Alloc(size int, device stypes.Device) (*Handle, error) {
	if size < 0 {
		return nil, errors.Errorf("storage.Alloc: invalid size %d", size)
	}
	if device.DevMask() != stypes.CPUMask {
		return nil, nnerrors.Unsupportedf("storage.Alloc: no allocator for device %s", device)
	}
	key := poolKey{device: device, size: size}
	var h *Handle
	if hAny := p.getPool(key).Get(); hAny != nil {
		h = hAny.(*Handle)
		clear(h.Data)
		p.numReused.Add(1)
	} else {
		h = &Handle{Data: make([]byte, size)}
		p.allocated.Add(int64(size))
	}
	h.Size = size
	h.Device = device
	p.inUse.Add(int64(size))
	if klog.V(3).Enabled() {
		klog.Infof("storage.Alloc(%s, %s): %s", humanize.Bytes(uint64(size)), device, p.Stats())
	}
	return h, nil
}

// Free implements Allocator. Freeing nil or an already freed handle is a no-op.
func (p *Pooled) Free(h *Handle) {
	if h == nil || h.Data == nil {
		return
	}
	p.inUse.Add(-int64(h.Size))
	data := h.Data
	h.Data = nil
	p.getPool(poolKey{device: h.Device, size: h.Size}).Put(&Handle{Data: data, Size: h.Size, Device: h.Device})
}

// DirectFree implements Allocator.
func (p *Pooled) DirectFree(h *Handle) {
	if h == nil || h.Data == nil {
		return
	}
	p.inUse.Add(-int64(h.Size))
	h.Data = nil
}

// Stats returns a snapshot of the allocator statistics.
func (p *Pooled) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		InUse:     p.inUse.Load(),
		Reused:    p.numReused.Load(),
	}
}
