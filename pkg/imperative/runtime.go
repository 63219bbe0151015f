// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imperative executes operators eagerly on arrays and, while recording is enabled, records the invocations
// in a graph that can later be differentiated with Runtime.Backward.
//
// Recording and training flags are carried by a Scope attached to the context.Context of each call, see
// Record and Pause.
//
// Autograd metadata of recorded nodes (retained arrays, operator state, gradient buffers) is kept in a side map of
// the Runtime, keyed by node: see AGInfo.
package imperative

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AGInfo is the autograd information of a recorded node.
type AGInfo struct {
	// GradReq is the gradient request of a marked variable: NullOp for all other nodes.
	GradReq ops.OpReqType

	// State of a stateful operator, shared with its backward computation.
	State *ops.State

	// Outputs of the node. Outputs not retained for the backward pass are placeholders with no data.
	Outputs []*ndarray.NDArray

	// OutGrads are the gradient buffers of a marked variable.
	OutGrads []*ndarray.NDArray

	// FreshOutGrad is set when a backward pass wrote into OutGrads.
	FreshOutGrad bool
}

// Runtime executes and records operators. It is safe for concurrent use, but a recorded graph must not be
// extended and differentiated concurrently.
type Runtime struct {
	config Config
	driver *exec.Driver

	mu   sync.Mutex
	info map[*graph.Node]*AGInfo

	nodeCount, variableCount atomic.Int64
}

// New creates a Runtime configured by the environment variable NNRT_CONFIG (see ParseConfig), or with the
// default configuration if it is not set.
func New() (*Runtime, error) {
	config, _ := os.LookupEnv(ConfigEnv)
	return NewWithConfig(config)
}

// NewWithConfig creates a Runtime from a configuration string, see ParseConfig.
func NewWithConfig(config string) (*Runtime, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, storage.Default()), nil
}

// NewFromConfig creates a Runtime with the given configuration, allocating arrays with alloc.
func NewFromConfig(cfg Config, alloc storage.Allocator) *Runtime {
	rt := &Runtime{
		config: cfg,
		driver: exec.New(alloc, stypes.CPUDevice(), cfg.ExecMode, cfg.Parallelism),
		info:   make(map[*graph.Node]*AGInfo),
	}
	if klog.V(1).Enabled() {
		klog.Infof("imperative runtime: %+v", cfg)
	}
	return rt
}

// Config returns the configuration of the Runtime.
func (rt *Runtime) Config() Config { return rt.config }

// Driver returns the execution driver used by the Runtime.
func (rt *Runtime) Driver() *exec.Driver { return rt.driver }

// Allocator used for new arrays.
func (rt *Runtime) Allocator() storage.Allocator { return rt.driver.Allocator() }

// Device where arrays are allocated.
func (rt *Runtime) Device() stypes.Device { return rt.driver.Device() }

// Info returns the autograd information of node, or nil if there is none.
func (rt *Runtime) Info(node *graph.Node) *AGInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.info[node]
}

// lockedCreateInfo creates (or resets) the autograd information of node. It must be called with rt.mu locked.
func (rt *Runtime) lockedCreateInfo(node *graph.Node) *AGInfo {
	info := &AGInfo{}
	rt.info[node] = info
	return info
}

// lockedClearInfo drops the autograd information of node, unless it is a marked variable.
func (rt *Runtime) lockedClearInfo(node *graph.Node) {
	info := rt.info[node]
	if info == nil || info.GradReq != ops.NullOp {
		return
	}
	delete(rt.info, node)
}

// IsRecorded returns whether the array is the output of a recorded node or a marked variable.
func (rt *Runtime) IsRecorded(array *ndarray.NDArray) bool {
	entry := array.Entry()
	return !entry.IsNone() && rt.Info(entry.Node) != nil
}

// NumRecorded returns the number of nodes with autograd information.
func (rt *Runtime) NumRecorded() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.info)
}

// nodeName returns attrs.Name, or a generated unique name if it is empty.
func (rt *Runtime) nodeName(attrs *graph.NodeAttrs) string {
	if attrs.Name != "" {
		return attrs.Name
	}
	return fmt.Sprintf("node_%d", rt.nodeCount.Add(1)-1)
}

// Invoke executes the operator in attrs on inputs, writing to outputs. Outputs may be nil (or have nil elements),
// in which case they are allocated from the inferred shapes, dtypes and storage types. It returns the outputs.
//
// If the scope of ctx is recording, the invocation is recorded for differentiation.
func (rt *Runtime) Invoke(ctx context.Context, attrs graph.NodeAttrs, inputs, outputs []*ndarray.NDArray) ([]*ndarray.NDArray, error) {
	op, ok := attrs.Op.(*ops.Op)
	if !ok || op == nil {
		return nil, errors.Errorf("Invoke: operator %v is not an *ops.Op", attrs.Op)
	}
	if numInputs := op.InputCount(&attrs); numInputs != len(inputs) {
		return nil, errors.Errorf("Invoke(%s): operator takes %d inputs, %d given", op.Name, numInputs, len(inputs))
	}
	numOutputs := op.OutputCount(&attrs)
	if outputs == nil {
		outputs = make([]*ndarray.NDArray, numOutputs)
	} else if len(outputs) != numOutputs {
		return nil, errors.Errorf("Invoke(%s): operator has %d outputs, %d given", op.Name, numOutputs, len(outputs))
	}
	scope := ScopeFrom(ctx)
	if scope.IsRecording() {
		for _, ii := range op.MutateInputs {
			if ii < len(inputs) && rt.IsRecorded(inputs[ii]) {
				return nil, errors.Errorf("Invoke(%s): input #%d is mutated in place, but it is part of a recorded graph: in-place "+
					"operations are not supported while recording", op.Name, ii)
			}
		}
		for ii, output := range outputs {
			if output != nil && rt.IsRecorded(output) {
				return nil, errors.Wrapf(errAssignRecorded, "Invoke(%s): output #%d", op.Name, ii)
			}
		}
	}

	na := &infer.NodeAttributes{
		InShapes:  make([]shapes.Shape, len(inputs)),
		OutShapes: make([]shapes.Shape, numOutputs),
		InTypes:   make([]dtypes.DType, len(inputs)),
		OutTypes:  make([]dtypes.DType, numOutputs),
		InSTypes:  make([]stypes.StorageType, len(inputs)),
		OutSTypes: make([]stypes.StorageType, numOutputs),
		DevMask:   rt.Device().DevMask(),
	}
	for ii, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("Invoke(%s): input #%d is nil", op.Name, ii)
		}
		na.InShapes[ii], na.InTypes[ii], na.InSTypes[ii] = input.Shape(), input.DType(), input.StorageType()
	}
	for ii, output := range outputs {
		if output != nil {
			na.OutShapes[ii], na.OutTypes[ii], na.OutSTypes[ii] = output.Shape(), output.DType(), output.StorageType()
		}
	}
	if err := infer.InferNode(&attrs, na); err != nil {
		return nil, err
	}
	for ii := range outputs {
		if outputs[ii] != nil {
			continue
		}
		if na.DynamicOutputs {
			return nil, errors.Errorf("Invoke(%s): output shapes depend on the data, outputs must be given", op.Name)
		}
		var err error
		outputs[ii], err = ndarray.NewWithStorageType(rt.Allocator(), na.OutShapes[ii], na.OutTypes[ii], na.OutSTypes[ii], rt.Device())
		if err != nil {
			return nil, errors.WithMessagef(err, "Invoke(%s): allocating output #%d", op.Name, ii)
		}
	}

	var state *ops.State
	if op.CreateState != nil {
		var err error
		state, err = op.CreateState(&attrs, rt.Device(), na.InShapes, na.InTypes)
		if err != nil {
			return nil, errors.WithMessagef(err, "Invoke(%s): creating state", op.Name)
		}
	}
	octx := ops.OpContext{
		IsTrain:  scope.IsTraining(),
		NeedGrad: scope.IsRecording(),
		Device:   rt.Device(),
		State:    state,
	}
	reqs := make([]ops.OpReqType, numOutputs)
	for ii := range reqs {
		reqs[ii] = ops.WriteTo
	}
	// Operators invoking other operators must not have those recorded.
	kernelCtx := scope.WithRecording(false).Attach(ctx)
	if err := rt.driver.InvokeOp(kernelCtx, &octx, &attrs, na.Mode, inputs, reqs, outputs); err != nil {
		return nil, errors.WithMessagef(err, "Invoke(%s)", op.Name)
	}
	if scope.IsRecording() {
		if err := rt.RecordOp(attrs, inputs, outputs, state, nil, nil); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}
