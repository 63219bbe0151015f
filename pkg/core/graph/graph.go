// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the computation graph: nodes (variables and operator applications), node entries
// (one output of a node), the Graph (a set of output entries plus a typed attribute store) and its
// IndexedGraph view, with dense node and entry ids in topological order.
//
// A Graph is built once and then mostly read: passes (attribute inference, gradient construction) produce new
// attribute values or new nodes, but never rewire existing nodes.
package graph

import (
	"slices"
	"sync"
)

// Well known keys of the Graph attribute store.
const (
	AttrShape                = "shape"
	AttrDType                = "dtype"
	AttrStorageType          = "storage_type"
	AttrDispatchMode         = "dispatch_mode"
	AttrDevMask              = "dev_mask"
	AttrShapeDynamic         = "shape_dynamic"
	NumUnknownSuffix         = "_num_unknown_nodes"
	HintsSuffix              = "_hints"
	AttrShapeNumUnknownNodes = AttrShape + NumUnknownSuffix
)

// Graph is a computation defined by its output entries, plus an attribute store where passes save their
// results.
type Graph struct {
	Outputs []NodeEntry
	Attrs   *AttrStore

	indexOnce sync.Once
	indexed   *IndexedGraph
}

// New creates a Graph with the given outputs.
func New(outputs ...NodeEntry) *Graph {
	return &Graph{
		Outputs: slices.Clone(outputs),
		Attrs:   NewAttrStore(),
	}
}

// Indexed returns the IndexedGraph view of the graph. It is built on first use and cached.
//
// The Graph outputs must not be changed after the first call.
func (g *Graph) Indexed() *IndexedGraph {
	g.indexOnce.Do(func() {
		g.indexed = NewIndexedGraph(g.Outputs)
	})
	return g.indexed
}

// AttrStore holds named graph attributes of arbitrary types, typically slices indexed by node id or by
// entry id. It is safe for concurrent use.
type AttrStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewAttrStore creates an empty attribute store.
func NewAttrStore() *AttrStore {
	return &AttrStore{values: make(map[string]any)}
}

// Set the attribute key to value.
func (s *AttrStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the attribute value and whether it was found.
func (s *AttrStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, found := s.values[key]
	return value, found
}

// Delete removes the attribute key.
func (s *AttrStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Keys returns the attribute keys, sorted.
func (s *AttrStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// GetAttr returns the attribute key of the graph, if it is set and holds a value of type T.
func GetAttr[T any](g *Graph, key string) (value T, found bool) {
	valueAny, found := g.Attrs.Get(key)
	if !found {
		return
	}
	value, found = valueAny.(T)
	return
}
