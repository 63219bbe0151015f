// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stypes defines the storage types (memory layout families) of arrays, the dispatch modes
// selected by storage-type inference, and the devices arrays live on.
package stypes

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StorageType is the physical memory layout family of an array, independent of its shape and dtype.
type StorageType int

const (
	// StorageUndefined is the "unknown" value used during storage-type inference.
	StorageUndefined StorageType = -1

	// StorageDefault is the dense layout.
	StorageDefault StorageType = 0

	// StorageRowSparse stores only a subset of the rows.
	StorageRowSparse StorageType = 1

	// StorageCSR is the compressed sparse row layout.
	StorageCSR StorageType = 2
)

var storageTypeNames = map[StorageType]string{
	StorageUndefined: "undefined",
	StorageDefault:   "default",
	StorageRowSparse: "row_sparse",
	StorageCSR:       "csr",
}

// String implements fmt.Stringer.
func (t StorageType) String() string {
	if name, found := storageTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("StorageType(%d)", int(t))
}

// ParseStorageType converts the name of a storage type (as returned by StorageType.String) back.
func ParseStorageType(name string) (StorageType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "dense":
		return StorageDefault, nil
	case "", "none":
		return StorageUndefined, nil
	}
	for t, tName := range storageTypeNames {
		if tName == name {
			return t, nil
		}
	}
	return StorageUndefined, errors.Errorf("unknown storage type %q", name)
}

// DispatchMode selects which compute entry point of an operator is used for a node.
type DispatchMode int

const (
	DispatchUndefined DispatchMode = iota

	// DispatchFCompute uses the dense kernel.
	DispatchFCompute

	// DispatchFComputeEx uses the storage/layout specialized kernel.
	DispatchFComputeEx

	// DispatchFComputeFallback uses the dense kernel with implicit conversion of non-dense inputs.
	DispatchFComputeFallback

	// DispatchVariable is assigned to variable nodes, which are never executed.
	DispatchVariable
)

// String implements fmt.Stringer.
func (m DispatchMode) String() string {
	switch m {
	case DispatchUndefined:
		return "undefined"
	case DispatchFCompute:
		return "fcompute"
	case DispatchFComputeEx:
		return "fcompute_ex"
	case DispatchFComputeFallback:
		return "fcompute_fallback"
	case DispatchVariable:
		return "variable"
	}
	return fmt.Sprintf("DispatchMode(%d)", int(m))
}

// DeviceType enumerates the kinds of devices.
type DeviceType int

const (
	CPU       DeviceType = 1
	GPU       DeviceType = 2
	CPUPinned DeviceType = 3
	CPUShared DeviceType = 5
)

// Device masks, as used by storage-type inference functions.
const (
	CPUMask = 1
	GPUMask = 2
)

// Device identifies where an array lives and where an operator executes.
type Device struct {
	Type DeviceType
	ID   int
}

// CPUDevice returns the default CPU device.
func CPUDevice() Device { return Device{Type: CPU} }

// DevMask returns the mask of the device type: CPU variants all map to CPUMask.
func (d Device) DevMask() int {
	if d.Type == GPU {
		return GPUMask
	}
	return CPUMask
}

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d.Type {
	case CPU:
		return fmt.Sprintf("cpu(%d)", d.ID)
	case GPU:
		return fmt.Sprintf("gpu(%d)", d.ID)
	case CPUPinned:
		return fmt.Sprintf("cpu_pinned(%d)", d.ID)
	case CPUShared:
		return fmt.Sprintf("cpu_shared(%d)", d.ID)
	}
	return fmt.Sprintf("device(%d:%d)", d.Type, d.ID)
}

// DevMaskString returns a readable name for a device mask.
func DevMaskString(mask int) string {
	switch mask {
	case CPUMask:
		return "cpu"
	case GPUMask:
		return "gpu"
	}
	return "unknown"
}
