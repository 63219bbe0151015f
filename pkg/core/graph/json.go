// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/json"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// jsonNode is the serialized form of a node: the index triplets reference positions in the node list.
type jsonNode struct {
	Op          string            `json:"op"`
	Name        string            `json:"name"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Inputs      [][3]uint32       `json:"inputs"`
	ControlDeps []uint32          `json:"control_deps,omitempty"`
}

type jsonGraph struct {
	Nodes      []jsonNode      `json:"nodes"`
	ArgNodes   []uint32        `json:"arg_nodes"`
	NodeRowPtr []uint32        `json:"node_row_ptr"`
	Heads      [][3]uint32     `json:"heads"`
	Attrs      *jsonGraphAttrs `json:"attrs,omitempty"`
}

// jsonGraphAttrs holds the inference results, if present, indexed by entry id.
// Unknown shapes are saved as null, and unknown dimensions as -1.
type jsonGraphAttrs struct {
	Shapes       [][]int  `json:"shape,omitempty"`
	DTypes       []string `json:"dtype,omitempty"`
	StorageTypes []int    `json:"storage_type,omitempty"`
}

// OperatorLookup finds an operator by name, used when loading graphs.
type OperatorLookup func(name string) (Operator, error)

// SaveJSON serializes the graph structure (nodes, attributes dicts, inputs, control dependencies and heads) and
// the inferred shapes, dtypes and storage types, if present in the attribute store.
//
// Backward links are not saved: they are re-derived from the control dependencies when needed.
func (g *Graph) SaveJSON() ([]byte, error) {
	idx := g.Indexed()
	jg := jsonGraph{
		ArgNodes:   append([]uint32{}, idx.InputNodes()...),
		NodeRowPtr: append([]uint32{}, idx.entryRowPtr...),
	}
	for nid := range idx.NumNodes() {
		inode := idx.Node(uint32(nid))
		jn := jsonNode{
			Op:          inode.Source.OpName(),
			Name:        inode.Source.Attrs.Name,
			Attrs:       inode.Source.Attrs.Dict,
			Inputs:      make([][3]uint32, 0, len(inode.Inputs)),
			ControlDeps: inode.ControlDeps,
		}
		if len(jn.Attrs) == 0 {
			jn.Attrs = nil
		}
		for _, input := range inode.Inputs {
			jn.Inputs = append(jn.Inputs, [3]uint32{input.NodeID, input.Index, input.Version})
		}
		jg.Nodes = append(jg.Nodes, jn)
	}
	for _, output := range idx.Outputs() {
		jg.Heads = append(jg.Heads, [3]uint32{output.NodeID, output.Index, output.Version})
	}

	attrs := &jsonGraphAttrs{}
	if values, found := GetAttr[[]shapes.Shape](g, AttrShape); found {
		for _, shape := range values {
			if shape.RankKnown() {
				attrs.Shapes = append(attrs.Shapes, append([]int{}, shape.Dimensions...))
			} else {
				attrs.Shapes = append(attrs.Shapes, nil)
			}
		}
	}
	if values, found := GetAttr[[]dtypes.DType](g, AttrDType); found {
		for _, dtype := range values {
			attrs.DTypes = append(attrs.DTypes, dtype.String())
		}
	}
	if values, found := GetAttr[[]stypes.StorageType](g, AttrStorageType); found {
		for _, stype := range values {
			attrs.StorageTypes = append(attrs.StorageTypes, int(stype))
		}
	}
	if attrs.Shapes != nil || attrs.DTypes != nil || attrs.StorageTypes != nil {
		jg.Attrs = attrs
	}
	data, err := json.MarshalIndent(&jg, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize graph")
	}
	return data, nil
}

// dtypeByName maps the DType.String() names back to the dtype.
var dtypeByName = func() map[string]dtypes.DType {
	m := make(map[string]dtypes.DType)
	for _, dtype := range []dtypes.DType{
		dtypes.InvalidDType, dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	} {
		m[dtype.String()] = dtype
	}
	return m
}()

// LoadJSON deserializes a graph saved with SaveJSON. Operators are resolved by name with lookup.
func LoadJSON(data []byte, lookup OperatorLookup) (*Graph, error) {
	var jg jsonGraph
	if err := json.Unmarshal(data, &jg); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph")
	}
	nodes := make([]*Node, len(jg.Nodes))
	for nid, jn := range jg.Nodes {
		node := &Node{Attrs: NodeAttrs{Name: jn.Name, Dict: jn.Attrs}}
		if node.Attrs.Dict == nil {
			node.Attrs.Dict = make(map[string]string)
		}
		if jn.Op != "null" {
			op, err := lookup(jn.Op)
			if err != nil {
				return nil, errors.WithMessagef(err, "loading node #%d %q", nid, jn.Name)
			}
			node.Attrs.Op = op
		}
		for _, input := range jn.Inputs {
			if int(input[0]) >= nid {
				return nil, errors.Errorf("node #%d %q references input node #%d out of order", nid, jn.Name, input[0])
			}
			node.Inputs = append(node.Inputs, NodeEntry{Node: nodes[input[0]], Index: input[1], Version: input[2]})
		}
		for _, dep := range jn.ControlDeps {
			if int(dep) >= nid {
				return nil, errors.Errorf("node #%d %q references control dependency #%d out of order", nid, jn.Name, dep)
			}
			node.ControlDeps = append(node.ControlDeps, nodes[dep])
		}
		nodes[nid] = node
	}
	var outputs []NodeEntry
	for _, head := range jg.Heads {
		if int(head[0]) >= len(nodes) {
			return nil, errors.Errorf("graph head references invalid node #%d", head[0])
		}
		outputs = append(outputs, NodeEntry{Node: nodes[head[0]], Index: head[1], Version: head[2]})
	}
	g := New(outputs...)
	if jg.Attrs == nil {
		return g, nil
	}
	numEntries := g.Indexed().NumNodeEntries()
	if jg.Attrs.Shapes != nil {
		if len(jg.Attrs.Shapes) != numEntries {
			return nil, errors.Errorf("saved shapes have %d values, graph has %d entries", len(jg.Attrs.Shapes), numEntries)
		}
		values := make([]shapes.Shape, numEntries)
		for ii, dims := range jg.Attrs.Shapes {
			if dims != nil {
				values[ii] = shapes.Make(dims...)
			}
		}
		g.Attrs.Set(AttrShape, values)
	}
	if jg.Attrs.DTypes != nil {
		if len(jg.Attrs.DTypes) != numEntries {
			return nil, errors.Errorf("saved dtypes have %d values, graph has %d entries", len(jg.Attrs.DTypes), numEntries)
		}
		values := make([]dtypes.DType, numEntries)
		for ii, name := range jg.Attrs.DTypes {
			dtype, found := dtypeByName[name]
			if !found {
				return nil, errors.Errorf("unknown dtype %q saved for entry #%d", name, ii)
			}
			values[ii] = dtype
		}
		g.Attrs.Set(AttrDType, values)
	}
	if jg.Attrs.StorageTypes != nil {
		if len(jg.Attrs.StorageTypes) != numEntries {
			return nil, errors.Errorf("saved storage types have %d values, graph has %d entries", len(jg.Attrs.StorageTypes), numEntries)
		}
		values := make([]stypes.StorageType, numEntries)
		for ii, stype := range jg.Attrs.StorageTypes {
			values[ii] = stypes.StorageType(stype)
		}
		g.Attrs.Set(AttrStorageType, values)
	}
	return g, nil
}

// String implements fmt.Stringer for IndexedEntry.
func (e IndexedEntry) String() string {
	return fmt.Sprintf("#%d[%d]", e.NodeID, e.Index)
}
