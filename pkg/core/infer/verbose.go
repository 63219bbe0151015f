// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infer

import (
	"os"
	"strconv"
	"sync"

	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"k8s.io/klog/v2"
)

// VerboseStorageEnv is the environment variable that, if set to true, logs the results of every storage type
// inference.
const VerboseStorageEnv = "NNRT_INFER_STORAGE_TYPE_VERBOSE_LOGGING"

func verboseFromEnv() bool {
	value, found := os.LookupEnv(VerboseStorageEnv)
	if !found {
		return false
	}
	verbose, err := strconv.ParseBool(value)
	return err == nil && verbose
}

func logStorageTypes(idx *graph.IndexedGraph, values any, modes []stypes.DispatchMode, nodeStart, nodeEnd uint32) {
	stypeValues := values.([]stypes.StorageType)
	klog.Infof("storage type inference of nodes [%d, %d):", nodeStart, nodeEnd)
	for nid := nodeStart; nid < nodeEnd; nid++ {
		inode := idx.Node(nid)
		node := inode.Source
		if node.IsVariable() {
			klog.Infof("  node #%d %q: variable, storage type %s", nid, node.Attrs.Name, stypeValues[idx.EntryID(nid, 0)])
			continue
		}
		in := make([]stypes.StorageType, len(inode.Inputs))
		for ii, input := range inode.Inputs {
			in[ii] = stypeValues[idx.IndexedEntryID(input)]
		}
		out := make([]stypes.StorageType, node.NumOutputs())
		for ii := range out {
			out[ii] = stypeValues[idx.EntryID(nid, uint32(ii))]
		}
		klog.Infof("  node #%d %q (%s): dispatch %s, inputs %v, outputs %v", nid, node.Attrs.Name, node.OpName(), modes[nid], in, out)
	}
}

// fallbackWarned holds the descriptions of the fallbacks already warned about: each is logged once per process.
var fallbackWarned sync.Map

func logStorageFallback(attrs *graph.NodeAttrs, devMask int, in, out []stypes.StorageType) {
	description := ops.OperatorStypeString(attrs, devMask, in, out)
	if _, warned := fallbackWarned.LoadOrStore(description, true); warned {
		return
	}
	klog.Warningf("storage type fallback:\n%s\nthe operator has no kernel for this combination of storage types and device: "+
		"inputs are converted to dense arrays and its dense kernel is used instead", description)
}
